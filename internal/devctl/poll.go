// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import "time"

// PollOutcome is the result of one readiness wait.
type PollOutcome struct {
	Found    bool
	Elapsed  time.Duration
	Attempts int
}

// Poller waits for an external condition with a fixed interval.
//
// The interval is slept before every evaluation. The loop stops on the first
// true or once elapsed exceeds Timeout. A slow predicate is not cut short, so
// the total wait can exceed Timeout by the predicate's latency plus at most
// one Interval.
type Poller struct {
	Clock    Clock
	Interval time.Duration
	Timeout  time.Duration
}

// Until evaluates predicate with the time elapsed since the wait began.
func (p Poller) Until(predicate func(elapsed time.Duration) bool) PollOutcome {
	clock := p.Clock
	if clock == nil {
		clock = realClock{}
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	start := clock.Now()
	var out PollOutcome
	for {
		clock.Sleep(interval)
		out.Attempts++
		out.Found = predicate(clock.Now().Sub(start))
		out.Elapsed = clock.Now().Sub(start)
		if out.Found || out.Elapsed > p.Timeout {
			return out
		}
	}
}

func PollUntil(clock Clock, predicate func() bool, interval, timeout time.Duration) bool {
	return Poller{Clock: clock, Interval: interval, Timeout: timeout}.Until(func(time.Duration) bool {
		return predicate()
	}).Found
}

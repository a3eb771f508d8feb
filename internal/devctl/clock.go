// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import "time"

// Clock is the time source for every wait loop in this package.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

const watchTailLines = 20

type WatchOptions struct {
	MustContain    []string
	MustNotContain []string
	Timeout        time.Duration
	PollInterval   time.Duration
}

// WaitFor reads stream from its cursor until every MustContain string has
// been seen, in any order. A MustNotContain match fails at once, even on the
// line that would have completed the wait. The cursor is left just after the
// last line examined, so the next wait picks up from there.
func WaitFor(env Env, stream *LogStream, opts WatchOptions) (err error) {
	_, span := startSpan(env, "devctl.WaitFor",
		attribute.StringSlice("must_contain", opts.MustContain),
		attribute.StringSlice("must_not_contain", opts.MustNotContain),
		attribute.String("timeout", opts.Timeout.String()),
	)
	defer endSpan(span, &err)

	clock := env.clock()
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	seen := make([]bool, len(opts.MustContain))
	remaining := len(opts.MustContain)
	start := clock.Now()

	for {
		for {
			line, ok := stream.Next()
			if !ok {
				break
			}
			for _, bad := range opts.MustNotContain {
				if strings.Contains(line, bad) {
					logEvent(env, "forbidden text observed", "text", bad, "line", line)
					return &ForbiddenTextError{Text: bad, Line: line}
				}
			}
			for i, want := range opts.MustContain {
				if !seen[i] && strings.Contains(line, want) {
					seen[i] = true
					remaining--
				}
			}
			if remaining == 0 {
				logEvent(env, "log wait satisfied", "elapsed", clock.Now().Sub(start).String())
				return nil
			}
		}
		if remaining == 0 {
			return nil
		}
		if stream.Drained() {
			return &WatchTimeoutError{Missing: missing(opts.MustContain, seen), Timeout: opts.Timeout, Exited: true, Tail: stream.Tail(watchTailLines)}
		}
		if clock.Now().Sub(start) > opts.Timeout {
			return &WatchTimeoutError{Missing: missing(opts.MustContain, seen), Timeout: opts.Timeout, Tail: stream.Tail(watchTailLines)}
		}
		clock.Sleep(interval)
	}
}

func missing(want []string, seen []bool) []string {
	var out []string
	for i, w := range want {
		if !seen[i] {
			out = append(out, w)
		}
	}
	return out
}

type markerFile struct {
	Expect   []string `yaml:"expect"`
	Forbid   []string `yaml:"forbid"`
	Timeout  string   `yaml:"timeout"`
	Interval string   `yaml:"interval"`
}

// LoadMarkers reads expected/forbidden strings from a YAML file:
//
//	expect: ["Successfully synced application"]
//	forbid: ["Unable to apply changes"]
//	timeout: 2m
//	interval: 5s
func LoadMarkers(path string) (WatchOptions, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return WatchOptions{}, err
	}
	var mf markerFile
	if err := yaml.Unmarshal(b, &mf); err != nil {
		return WatchOptions{}, fmt.Errorf("parse %s: %w", path, err)
	}
	opts := WatchOptions{MustContain: mf.Expect, MustNotContain: mf.Forbid}
	if mf.Timeout != "" {
		if opts.Timeout, err = time.ParseDuration(mf.Timeout); err != nil {
			return WatchOptions{}, fmt.Errorf("%s: timeout: %w", path, err)
		}
	}
	if mf.Interval != "" {
		if opts.PollInterval, err = time.ParseDuration(mf.Interval); err != nil {
			return WatchOptions{}, fmt.Errorf("%s: interval: %w", path, err)
		}
	}
	return opts, nil
}

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrPortInUse              = errors.New("emulator port already owned by a running session")
	ErrInvalidPort            = errors.New("invalid emulator port")
	ErrSimulatorNotFound      = errors.New("no booted simulator with that name")
	ErrUnparsableSimulatorRow = errors.New("simulator row has no (UUID) group")
	ErrProcessNotStarted      = errors.New("process handle was not started by a runner")
)

// CommandTimeoutError reports a blocking command that outlived its timeout.
// Output holds whatever was captured before the process was killed.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
	Output  string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s\n%s", e.Command, e.Timeout, e.Output)
}

// CommandError reports a non-zero exit of a command run in strict mode.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed (exit %d): %v\n%s", e.Command, e.ExitCode, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error { return e.Err }

type EmulatorBootTimeoutError struct {
	Serial  string
	Timeout time.Duration
}

func (e *EmulatorBootTimeoutError) Error() string {
	return fmt.Sprintf("wait for emulator %s failed after %s", e.Serial, e.Timeout)
}

// SimulatorLaunchError is returned when instruments did not report a boot in progress.
type SimulatorLaunchError struct {
	Name   string
	Output string
}

func (e *SimulatorLaunchError) Error() string {
	return fmt.Sprintf("simulator %q did not start booting\n%s", e.Name, e.Output)
}

type SimulatorBootTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *SimulatorBootTimeoutError) Error() string {
	return fmt.Sprintf("waiting for simulator %q failed after %s", e.Name, e.Timeout)
}

// WatchTimeoutError lists the required strings that never showed up.
type WatchTimeoutError struct {
	Missing []string
	Timeout time.Duration
	// Exited is set when the producing process ended before the timeout.
	Exited bool
	Tail   []string
}

func (e *WatchTimeoutError) Error() string {
	reason := fmt.Sprintf("timeout after %s", e.Timeout)
	if e.Exited {
		reason = "process exited"
	}
	msg := fmt.Sprintf("log wait failed (%s); missing: %q", reason, e.Missing)
	if len(e.Tail) > 0 {
		msg += "\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

// ForbiddenTextError is returned as soon as a forbidden string shows up in the log.
type ForbiddenTextError struct {
	Text string
	Line string
}

func (e *ForbiddenTextError) Error() string {
	return fmt.Sprintf("forbidden text %q observed: %s", e.Text, e.Line)
}

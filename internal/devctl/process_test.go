// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
}

func realEnv() Env {
	return Env{Context: context.Background(), CommandLogLevel: LogSilent}
}

func TestRunCapturesCombinedOutput(t *testing.T) {
	skipOnWindows(t)
	tool := writeStub(t, "tool", "echo out\necho err >&2\nexit 3\n")

	res, err := NewExecRunner(realEnv()).Run(Command{Name: tool, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("non-strict run returned error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Fatalf("expected stdout and stderr in output, got %q", res.Output)
	}
}

func TestRunStrictReturnsCommandError(t *testing.T) {
	skipOnWindows(t)
	tool := writeStub(t, "tool", "echo 'Error: simulator not found'\nexit 2\n")

	_, err := NewExecRunner(realEnv()).Run(Command{Name: tool, Args: []string{"create"}, Timeout: 5 * time.Second, Strict: true})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected *CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 2 {
		t.Fatalf("expected exit code 2, got %d", cmdErr.ExitCode)
	}
	if !strings.Contains(cmdErr.Output, "simulator not found") {
		t.Fatalf("expected tool output in error, got %q", cmdErr.Output)
	}
	if !strings.HasSuffix(cmdErr.Command, "tool create") {
		t.Fatalf("expected command line in error, got %q", cmdErr.Command)
	}
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	skipOnWindows(t)
	tool := writeStub(t, "instruments", "echo 'Waiting for device to boot...'\nexec sleep 10\n")

	started := time.Now()
	res, err := NewExecRunner(realEnv()).Run(Command{Name: tool, Timeout: 300 * time.Millisecond})
	var timeoutErr *CommandTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *CommandTimeoutError, got %v", err)
	}
	if !strings.Contains(res.Output, "Waiting for device to boot...") {
		t.Fatalf("expected partial output, got %q", res.Output)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := NewExecRunner(realEnv()).Run(Command{Name: filepath.Join(t.TempDir(), "missing")})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode != -1 {
		t.Fatalf("expected *CommandError with exit -1, got %v", err)
	}
}

func TestStartStreamsOutputAndStops(t *testing.T) {
	skipOnWindows(t)
	tool := writeStub(t, "tns", "echo 'Successfully synced application'\nexec sleep 30\n")
	env := realEnv()

	p, err := NewExecRunner(env).Start(Command{Name: tool, Args: []string{"run", "android"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Kill() })

	err = WaitFor(env, p.Log, WatchOptions{
		MustContain:  []string{"Successfully synced application"},
		Timeout:      5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("wait for output: %v", err)
	}
	if p.Exited() {
		t.Fatal("process exited early")
	}
	if err := p.Stop(time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process still running after Stop")
	}
}

func TestStopKillsProcessIgnoringTerm(t *testing.T) {
	skipOnWindows(t)
	tool := writeStub(t, "emulator", "trap '' TERM\necho up\nwhile :; do sleep 0.1; done\n")

	p, err := NewExecRunner(realEnv()).Start(Command{Name: tool})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = p.Kill() })
	time.Sleep(100 * time.Millisecond)

	started := time.Now()
	if err := p.Stop(200 * time.Millisecond); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived kill")
	}
	if elapsed := time.Since(started); elapsed < 200*time.Millisecond {
		t.Fatalf("expected grace period before kill, stopped after %s", elapsed)
	}
}

func TestStartWritesLogFile(t *testing.T) {
	skipOnWindows(t)
	tool := writeStub(t, "emulator", "echo 'emulator: starting'\necho 'boot completed'\n")
	logPath := filepath.Join(t.TempDir(), "emulator.log")

	p, err := NewExecRunner(realEnv()).Start(Command{Name: tool, LogFile: logPath})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if p.LogPath != logPath {
		t.Fatalf("expected log path %s, got %s", logPath, p.LogPath)
	}
	lines := p.Log.Lines()
	if len(lines) != 2 || lines[1] != "boot completed" {
		t.Fatalf("expected both lines in stream, got %q", lines)
	}
	if _, ok := p.Log.Next(); !ok {
		t.Fatal("expected unread lines")
	}
}

func TestHandleWithoutProcessIsNotSignalled(t *testing.T) {
	p := &Process{Pid: 4242, Log: NewLogStream()}
	if err := p.Kill(); !errors.Is(err, ErrProcessNotStarted) {
		t.Fatalf("kill: expected ErrProcessNotStarted, got %v", err)
	}
	if err := p.Stop(time.Millisecond); !errors.Is(err, ErrProcessNotStarted) {
		t.Fatalf("stop: expected ErrProcessNotStarted, got %v", err)
	}
	if err := p.Wait(); !errors.Is(err, ErrProcessNotStarted) {
		t.Fatalf("wait: expected ErrProcessNotStarted, got %v", err)
	}
	if p.Exited() {
		t.Fatal("handle without a process must not report an exit")
	}
}

func TestExitedHandleStopsCleanly(t *testing.T) {
	p := exitedProcess(Command{Name: "emulator"}, 4001)
	if err := p.Stop(time.Millisecond); err != nil {
		t.Fatalf("stop exited handle: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("kill exited handle: %v", err)
	}
}

func TestEffectiveLogLevel(t *testing.T) {
	cases := []struct {
		env, cmd, want CommandLogLevel
	}{
		{LogCommandOnly, LogCommandOnly, LogCommandOnly},
		{LogFull, LogCommandOnly, LogFull},
		{LogCommandOnly, LogFull, LogFull},
		{LogFull, LogSilent, LogSilent},
		{LogSilent, LogFull, LogSilent},
	}
	for _, c := range cases {
		got := effectiveLogLevel(Env{CommandLogLevel: c.env}, Command{LogLevel: c.cmd})
		if got != c.want {
			t.Fatalf("env=%s cmd=%s: expected %s, got %s", c.env, c.cmd, c.want, got)
		}
	}
}

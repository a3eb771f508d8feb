// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Command describes one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration // 0 waits forever
	// Strict turns a non-zero exit into a *CommandError. Many tools report
	// failures only through their text, so it is opt-in.
	Strict   bool
	LogLevel CommandLogLevel
	Dir      string
	Env      []string
	// LogFile receives a copy of a started process's output.
	LogFile string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Runner executes external commands. ExecRunner is the real implementation;
// tests substitute scripted ones.
type Runner interface {
	Run(c Command) (Result, error)
	Start(c Command) (*Process, error)
}

type ExecRunner struct {
	env Env
}

func NewExecRunner(env Env) *ExecRunner {
	return &ExecRunner{env: env}
}

func effectiveLogLevel(env Env, c Command) CommandLogLevel {
	switch {
	case env.CommandLogLevel == LogSilent || c.LogLevel == LogSilent:
		return LogSilent
	case env.CommandLogLevel == LogFull || c.LogLevel == LogFull:
		return LogFull
	}
	return LogCommandOnly
}

// Run blocks until the command exits or its timeout elapses and returns the
// combined stdout/stderr. On timeout the partial output is returned together
// with a *CommandTimeoutError.
func (r *ExecRunner) Run(c Command) (res Result, err error) {
	_, span := startSpan(r.env, "devctl.Run",
		attribute.String("command", c.Name),
		attribute.String("timeout", c.Timeout.String()),
	)
	defer endSpan(span, &err)
	logCommand(r.env, effectiveLogLevel(r.env, c), c)

	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.WaitDelay = 2 * time.Second

	started := time.Now()
	runErr := cmd.Run()
	res = Result{Output: buf.String(), Duration: time.Since(started)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, &CommandTimeoutError{Command: c.String(), Timeout: c.Timeout, Output: res.Output}
	}
	if runErr == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		if c.Strict {
			return res, &CommandError{Command: c.String(), ExitCode: res.ExitCode, Output: res.Output, Err: runErr}
		}
		return res, nil
	}
	return res, &CommandError{Command: c.String(), ExitCode: -1, Output: res.Output, Err: runErr}
}

// Start launches the command detached and returns at once. Output is
// collected into the process's LogStream. With LogFile set the output goes
// to the file and the stream follows it; LogFull line logging then applies
// only to in-memory streams.
func (r *ExecRunner) Start(c Command) (p *Process, err error) {
	_, span := startSpan(r.env, "devctl.Start", attribute.String("command", c.Name))
	defer endSpan(span, &err)
	level := effectiveLogLevel(r.env, c)
	logCommand(r.env, level, c)

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	detach(cmd)

	var stream *LogStream
	var logFile *os.File
	if c.LogFile != "" {
		logFile, err = os.Create(c.LogFile)
		if err != nil {
			return nil, fmt.Errorf("open log: %w", err)
		}
		// no pipe: the child may outlive this process
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		stream = followLogFile(c.LogFile)
	} else {
		stream = NewLogStream()
		var out io.Writer = stream
		if level == LogFull {
			out = io.MultiWriter(stream, newLineLogWriterWithMessage(r.env, "process output", "command", c.Name))
		}
		cmd.Stdout = out
		cmd.Stderr = out
		cmd.WaitDelay = 2 * time.Second
	}

	err = cmd.Start()
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%s start: %w", c.Name, err)
	}
	p = &Process{
		Pid:     cmd.Process.Pid,
		Command: c,
		Log:     stream,
		LogPath: c.LogFile,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}
	span.SetAttributes(attribute.Int("pid", p.Pid))
	logEvent(r.env, "process started", "command", c.Name, "pid", p.Pid, "log_path", c.LogFile)

	go func() {
		waitErr := cmd.Wait()
		_ = stream.Close()
		p.mu.Lock()
		p.waitErr = waitErr
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

// Process is the handle of a detached command. Whoever started it owns it
// and is responsible for stopping it; nothing reaps it automatically.
// Handles not returned by ExecRunner.Start cannot be waited on or signalled.
type Process struct {
	Pid     int
	Command Command
	Log     *LogStream
	LogPath string

	cmd     *exec.Cmd
	mu      sync.Mutex
	waitErr error
	exited  chan struct{}
}

func (p *Process) Done() <-chan struct{} { return p.exited }

func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *Process) signalable() bool {
	return p.cmd != nil && p.cmd.Process != nil
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	if p.exited == nil {
		return ErrProcessNotStarted
	}
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill force-kills the process (and its group where supported).
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	if !p.signalable() {
		return ErrProcessNotStarted
	}
	return forceKill(p.cmd.Process)
}

// Stop asks the process to exit, then kills it if it is still alive after grace.
func (p *Process) Stop(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	if !p.signalable() {
		return ErrProcessNotStarted
	}
	if err := terminate(p.cmd.Process); err != nil {
		return p.Kill()
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		return p.Kill()
	}
}

// KillByName force-kills every process with the given executable name.
// Failures (typically: no such process) are ignored.
func KillByName(runner Runner, name string) {
	_, _ = runner.Run(killByNameCommand(name))
}

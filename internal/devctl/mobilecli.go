// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const cliDeviceTimeout = 120 * time.Second

var buildSuccessMarkers = []string{"BUILD SUCCESSFUL", "Project successfully built"}

// MobileCLI drives the CLI under test.
type MobileCLI struct {
	env    Env
	runner Runner
}

func NewMobileCLI(env Env, runner Runner) *MobileCLI {
	return &MobileCLI{env: env, runner: runner}
}

// Devices returns the raw `<cli> device [platform]` listing.
func (c *MobileCLI) Devices(platform Platform) (string, error) {
	args := []string{"device"}
	if platform != "" {
		args = append(args, string(platform))
	}
	res, err := c.runner.Run(Command{Name: c.env.CLI, Args: args, Timeout: cliDeviceTimeout})
	return res.Output, err
}

// Run starts `<cli> run <platform> ...` detached; its output is available on
// the returned process's Log and in a file under CLILogDir.
func (c *MobileCLI) Run(platform Platform, args ...string) (p *Process, err error) {
	_, span := startSpan(c.env, "devctl.MobileCLI.Run", attribute.String("platform", string(platform)))
	defer endSpan(span, &err)
	logPath := filepath.Join(c.env.CLILogDir, fmt.Sprintf("devharness-run-%s-%d.log", platform, time.Now().UnixNano()))
	return c.runner.Start(Command{
		Name:    c.env.CLI,
		Args:    append([]string{"run", string(platform)}, args...),
		LogFile: logPath,
	})
}

// Build runs `<cli> build <platform> ...` and requires a success marker in its output.
func (c *MobileCLI) Build(platform Platform, timeout time.Duration, args ...string) (res Result, err error) {
	_, span := startSpan(c.env, "devctl.MobileCLI.Build", attribute.String("platform", string(platform)))
	defer endSpan(span, &err)
	cmd := Command{Name: c.env.CLI, Args: append([]string{"build", string(platform)}, args...), Timeout: timeout}
	res, err = c.runner.Run(cmd)
	if err != nil {
		return res, err
	}
	for _, marker := range buildSuccessMarkers {
		if strings.Contains(res.Output, marker) {
			return res, nil
		}
	}
	return res, &CommandError{
		Command:  cmd.String(),
		ExitCode: res.ExitCode,
		Output:   res.Output,
		Err:      errors.New("no build success marker in output"),
	}
}

// Kill force-kills leftover CLI processes from earlier steps.
func (c *MobileCLI) Kill() {
	KillByName(c.runner, filepath.Base(c.env.CLI))
}

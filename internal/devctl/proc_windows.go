// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build windows

package devctl

import (
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// detach starts the child in a new process group; it is not waited on.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

func terminate(p *os.Process) error { return p.Kill() }

func forceKill(p *os.Process) error { return p.Kill() }

func killByNameCommand(name string) Command {
	if !strings.HasSuffix(strings.ToLower(name), ".exe") {
		name += ".exe"
	}
	return Command{
		Name:     "taskkill",
		Args:     []string{"/F", "/IM", name},
		Timeout:  30 * time.Second,
		LogLevel: LogSilent,
	}
}

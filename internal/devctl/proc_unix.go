// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

//go:build !windows

package devctl

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// detach puts the child in its own process group so it outlives the
// harness's terminal signals, like a shell "cmd &".
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGTERM); err != nil {
		return p.Signal(syscall.SIGTERM)
	}
	return nil
}

func forceKill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}

func killByNameCommand(name string) Command {
	return Command{
		Name:     "killall",
		Args:     []string{"-KILL", name},
		Timeout:  30 * time.Second,
		LogLevel: LogSilent,
	}
}

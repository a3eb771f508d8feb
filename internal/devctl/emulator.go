// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

type EmulatorState string

const (
	EmulatorStopped  EmulatorState = "stopped"
	EmulatorStarting EmulatorState = "starting"
	EmulatorBooting  EmulatorState = "booting"
	EmulatorReady    EmulatorState = "ready"
)

// Every binary name the emulator has shipped under across SDK releases and
// host architectures.
var emulatorProcessNames = []string{
	"emulator",
	"emulator64-arm",
	"emulator64-x86",
	"emulator-arm",
	"emulator-x86",
	"qemu-system-arm",
	"qemu-system-i386",
	"qemu-system-i38", // truncated name on Linux
	"qemu-system-x86_64",
}

// EmulatorSession is an emulator process started by this controller.
type EmulatorSession struct {
	Image     string
	Port      int
	Serial    string
	Process   *Process
	LogPath   string
	StartedAt time.Time
}

// EmulatorController starts, waits for and kills Android emulators. It is
// not safe for concurrent use; pkg/devharness serialises access to it.
type EmulatorController struct {
	env      Env
	runner   Runner
	registry *Registry
	bridge   *Bridge
	state    EmulatorState
	sessions map[int]*EmulatorSession
}

func NewEmulatorController(env Env, runner Runner) *EmulatorController {
	env = env.WithDefaults()
	registry := NewRegistry(env, runner)
	return &EmulatorController{
		env:      env,
		runner:   runner,
		registry: registry,
		bridge:   registry.Bridge(),
		state:    EmulatorStopped,
		sessions: make(map[int]*EmulatorSession),
	}
}

func (c *EmulatorController) State() EmulatorState { return c.state }

func (c *EmulatorController) Session(port int) (*EmulatorSession, bool) {
	s, ok := c.sessions[port]
	return s, ok
}

// StopAll force-kills every emulator process on the host, including ones this
// controller did not start. It is best effort and never fails.
func (c *EmulatorController) StopAll() {
	_, span := startSpan(c.env, "devctl.Emulator.StopAll")
	defer span.End()
	logEvent(c.env, "stop all emulators", "sessions", len(c.sessions))

	for _, s := range c.sessions {
		_ = s.Process.Kill()
	}
	for _, name := range emulatorProcessNames {
		KillByName(c.runner, name)
	}
	c.sessions = make(map[int]*EmulatorSession)
	c.state = EmulatorStopped

	if restarted, err := c.bridge.RestartIfOffline(); err != nil {
		recordSpanError(span, err)
		logEvent(c.env, "bridge check failed", "error", err)
	} else if restarted {
		span.SetAttributes(attribute.Bool("bridge_restarted", true))
	}
}

// Start launches image on port with wiped user data. With waitForReady it
// blocks until the mobile CLI lists the emulator or timeout elapses.
func (c *EmulatorController) Start(image string, port int, timeout time.Duration, waitForReady bool) (session *EmulatorSession, err error) {
	_, span := startSpan(c.env, "devctl.Emulator.Start",
		attribute.String("image", image),
		attribute.Int("port", port),
		attribute.String("timeout", timeout.String()),
	)
	defer endSpan(span, &err)

	// emulator uses a pair: <port> and <port+1>; must be even
	if port%2 != 0 || port < 5554 || port > 5800 {
		return nil, fmt.Errorf("%w: %d (even number in 5554-5800)", ErrInvalidPort, port)
	}
	if s, ok := c.sessions[port]; ok {
		return nil, fmt.Errorf("%w: %d runs %s (pid %d)", ErrPortInUse, port, s.Image, s.Process.Pid)
	}

	c.state = EmulatorStarting
	logEvent(c.env, "emulator start requested", "image", image, "port", port, "os", runtime.GOOS)
	logPath := filepath.Join(os.TempDir(), fmt.Sprintf("emulator-%s-%d.log", image, port))
	args := []string{"-avd", image, "-port", strconv.Itoa(port), "-wipe-data"}
	args = append(args, headlessArgs()...)
	proc, err := c.runner.Start(Command{Name: c.env.Emulator, Args: args, LogFile: logPath})
	if err != nil {
		c.state = EmulatorStopped
		logEvent(c.env, "emulator start failed", "image", image, "port", port, "error", err)
		return nil, err
	}

	session = &EmulatorSession{
		Image:     image,
		Port:      port,
		Serial:    fmt.Sprintf("emulator-%d", port),
		Process:   proc,
		LogPath:   logPath,
		StartedAt: c.env.clock().Now(),
	}
	c.sessions[port] = session
	c.state = EmulatorBooting
	span.SetAttributes(
		attribute.String("serial", session.Serial),
		attribute.Int("pid", proc.Pid),
	)
	logEvent(c.env, "emulator started", "image", image, "serial", session.Serial, "pid", proc.Pid, "log_path", logPath)

	if !waitForReady {
		return session, nil
	}
	if !c.WaitForDevice(session.Serial, timeout) {
		return session, &EmulatorBootTimeoutError{Serial: session.Serial, Timeout: timeout}
	}
	c.state = EmulatorReady
	return session, nil
}

// headlessArgs keeps the emulator off-screen on Linux hosts with no display.
func headlessArgs() []string {
	if runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" {
		return []string{"-no-window", "-no-audio"}
	}
	return nil
}

// WaitForDevice polls the mobile CLI's device listing for id. Once the wait
// has run longer than the bridge watchdog without a match the bridge server
// is restarted, once, and polling continues. Timing out is not an error.
func (c *EmulatorController) WaitForDevice(id string, timeout time.Duration) bool {
	_, span := startSpan(c.env, "devctl.Emulator.WaitForDevice",
		attribute.String("device", id),
		attribute.String("timeout", timeout.String()),
	)
	defer span.End()

	restarted := false
	outcome := Poller{
		Clock:    c.env.clock(),
		Interval: c.env.EmulatorPollInterval,
		Timeout:  timeout,
	}.Until(func(elapsed time.Duration) bool {
		found, err := c.registry.CLIListsDevice(id)
		if err != nil {
			logEvent(c.env, "device listing failed", "device", id, "error", err)
		}
		if found {
			return true
		}
		if !restarted && elapsed > c.env.BridgeWatchdog {
			restarted = true
			if err := c.bridge.Restart(); err != nil {
				logEvent(c.env, "bridge restart failed", "error", err)
			}
		}
		return false
	})

	span.SetAttributes(
		attribute.Bool("found", outcome.Found),
		attribute.Int("attempts", outcome.Attempts),
		attribute.Bool("bridge_restarted", restarted),
	)
	logEvent(c.env, "wait for device finished",
		"device", id,
		"found", outcome.Found,
		"elapsed", outcome.Elapsed.String(),
		"attempts", outcome.Attempts,
	)
	if outcome.Found {
		if s, ok := c.sessions[portFromSerial(id)]; ok && s.Serial == id {
			c.state = EmulatorReady
		}
	}
	return outcome.Found
}

// EnsureAvailable boots the default emulator unless one is already
// connected. It reports whether one was running before the call.
func (c *EmulatorController) EnsureAvailable() (alreadyRunning bool, err error) {
	_, span := startSpan(c.env, "devctl.Emulator.EnsureAvailable")
	defer endSpan(span, &err)

	connected, err := c.registry.EmulatorConnected()
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.Bool("already_running", connected))
	if connected {
		logEvent(c.env, "emulator already running")
		if c.state == EmulatorStopped {
			c.state = EmulatorReady
		}
		return true, nil
	}

	c.StopAll()
	_, err = c.Start(c.env.DefaultEmulatorImage, c.env.DefaultPort, c.env.EmulatorBootTimeout, true)
	_, _ = c.bridge.Devices()
	return false, err
}

// Stop shuts down one emulator by serial: console kill first, then the
// process handle if this controller owns it.
func (c *EmulatorController) Stop(serial string) (err error) {
	if !strings.HasPrefix(serial, "emulator-") {
		return fmt.Errorf("invalid serial format: %s (expected emulator-XXXX)", serial)
	}
	port := portFromSerial(serial)
	_, span := startSpan(c.env, "devctl.Emulator.Stop",
		attribute.String("serial", serial),
		attribute.Int("port", port),
	)
	defer endSpan(span, &err)
	logEvent(c.env, "emulator stop requested", "serial", serial)

	adbErr := c.bridge.EmuKill(serial)
	if s, ok := c.sessions[port]; ok {
		delete(c.sessions, port)
		if err := s.Process.Stop(2 * time.Second); err != nil {
			return fmt.Errorf("stop %s (pid %d): %w", serial, s.Process.Pid, err)
		}
	} else if adbErr != nil {
		return fmt.Errorf("failed to stop %s via adb: %w", serial, adbErr)
	}
	if len(c.sessions) == 0 {
		c.state = EmulatorStopped
	}
	logEvent(c.env, "emulator stopped", "serial", serial)
	return nil
}

func portFromSerial(serial string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(serial, "emulator-"))
	if err != nil {
		return 0
	}
	return n
}

// RunningEmulator is an emulator the bridge currently reports.
type RunningEmulator struct {
	Serial string `json:"serial"`
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Booted bool   `json:"booted"`
}

// Running lists emulators known to the bridge with their AVD name and boot flag.
func (c *EmulatorController) Running() ([]RunningEmulator, error) {
	raw, err := c.bridge.Devices()
	if err != nil {
		return nil, err
	}
	var out []RunningEmulator
	for _, line := range strings.Split(raw, "\n") {
		f := strings.Fields(line)
		if len(f) < 2 || !strings.HasPrefix(f[0], "emulator-") {
			continue
		}
		serial := f[0]
		nameOut, _ := c.runner.Run(c.bridge.onDevice(serial, "emu", "avd", "name"))
		bootOut, _ := c.bridge.Shell(serial, "getprop", "sys.boot_completed")
		out = append(out, RunningEmulator{
			Serial: serial,
			Name:   ParseAVDName(nameOut.Output),
			Port:   portFromSerial(serial),
			Booted: strings.TrimSpace(bootOut) == "1",
		})
	}
	return out, nil
}

// FindFreeEvenPort returns the first free even port in [start, end) (emulator uses port and port+1).
func FindFreeEvenPort(start, end int) (int, error) {
	if start%2 != 0 {
		start++
	}
	for p := start; p < end; p += 2 {
		if isPortFree(p) && isPortFree(p+1) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free even port found in %d..%d", start, end)
}

func isPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"
)

const simulatorBootMarker = "Waiting for device to boot..."

// Host process names of the simulator app: Xcode 6 and Xcode 7+.
var simulatorProcessNames = []string{"iOS Simulator", "Simulator"}

// SimulatorController manages named iOS simulator instances through xcrun
// and instruments. Boot state is always re-read from simctl.
type SimulatorController struct {
	env      Env
	runner   Runner
	registry *Registry
}

func NewSimulatorController(env Env, runner Runner) *SimulatorController {
	env = env.WithDefaults()
	return &SimulatorController{env: env, runner: runner, registry: NewRegistry(env, runner)}
}

func (c *SimulatorController) simctl(args ...string) Command {
	return Command{Name: c.env.Xcrun, Args: append([]string{"simctl"}, args...), Timeout: simctlTimeout}
}

// Create registers a new instance and returns the UUID simctl assigned.
// Tool failures are returned with simctl's own output; there is no retry.
func (c *SimulatorController) Create(name, deviceType, osVersion string) (uuid string, err error) {
	_, span := startSpan(c.env, "devctl.Simulator.Create",
		attribute.String("name", name),
		attribute.String("device_type", deviceType),
		attribute.String("os_version", osVersion),
	)
	defer endSpan(span, &err)

	cmd := c.simctl("create", name, deviceType, runtimeVersion(osVersion))
	cmd.Strict = true
	res, err := c.runner.Run(cmd)
	if err != nil {
		return "", err
	}
	uuid = lastLine(res.Output)
	logEvent(c.env, "simulator created", "name", name, "uuid", uuid)
	return uuid, nil
}

// runtimeVersion turns plain versions such as "9" or "v9.0" into the
// major.minor form simctl expects. Anything else (runtime identifiers,
// "iOS 10.3") is passed through for simctl to judge.
func runtimeVersion(osVersion string) string {
	v, err := semver.NewVersion(osVersion)
	if err != nil || v.Prerelease() != "" || v.Metadata() != "" {
		return osVersion
	}
	if v.Patch() != 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	}
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// Start launches the named simulator through instruments and, with
// waitForReady, waits for simctl to report a booted device.
func (c *SimulatorController) Start(name string, timeout time.Duration, waitForReady bool) (err error) {
	_, span := startSpan(c.env, "devctl.Simulator.Start",
		attribute.String("name", name),
		attribute.String("timeout", timeout.String()),
	)
	defer endSpan(span, &err)
	logEvent(c.env, "simulator start requested", "name", name)

	res, err := c.runner.Run(Command{Name: c.env.Instruments, Args: []string{"-w", name}, Timeout: timeout})
	var timeoutErr *CommandTimeoutError
	if err != nil && !errors.As(err, &timeoutErr) {
		return err
	}
	if !strings.Contains(res.Output, simulatorBootMarker) {
		return &SimulatorLaunchError{Name: name, Output: res.Output}
	}
	if !waitForReady {
		return nil
	}
	if !c.WaitForBoot(timeout) {
		return &SimulatorBootTimeoutError{Name: name, Timeout: timeout}
	}
	logEvent(c.env, "simulator started", "name", name)
	return nil
}

// WaitForBoot polls simctl until some simulator is Booted. Timing out is not an error.
func (c *SimulatorController) WaitForBoot(timeout time.Duration) bool {
	return PollUntil(c.env.clock(), func() bool {
		raw, err := c.registry.SimulatorListing()
		return err == nil && strings.Contains(raw, string(BootBooted))
	}, c.env.SimulatorPollInterval, timeout)
}

// GetIDByName returns the UUID of the first booted instance whose row mentions name.
func (c *SimulatorController) GetIDByName(name string) (string, error) {
	raw, err := c.registry.SimulatorListing()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(raw, "\n") {
		if !strings.Contains(line, name) || !strings.Contains(line, string(BootBooted)) {
			continue
		}
		id, ok := SimulatorIDFromLine(line)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnparsableSimulatorRow, strings.TrimSpace(line))
		}
		return id, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSimulatorNotFound, name)
}

func (c *SimulatorController) List() ([]SimulatorInstance, error) {
	return c.registry.Simulators()
}

func (c *SimulatorController) IsRunning(name string) (bool, error) {
	_, err := c.GetIDByName(name)
	if errors.Is(err, ErrSimulatorNotFound) {
		return false, nil
	}
	return err == nil, err
}

// StopAll force-kills the simulator host app under its old and new names.
func (c *SimulatorController) StopAll() {
	logEvent(c.env, "stop all simulators")
	for _, name := range simulatorProcessNames {
		KillByName(c.runner, name)
	}
}

// Delete removes the named instance whatever its boot state.
func (c *SimulatorController) Delete(name string) error {
	_, err := c.runner.Run(c.simctl("delete", name))
	if err == nil {
		logEvent(c.env, "simulator deleted", "name", name)
	}
	return err
}

// EnsureAvailable returns the UUID of a booted instance called name,
// creating it (when deviceType is given) and booting it if needed.
func (c *SimulatorController) EnsureAvailable(name, deviceType, osVersion string) (id string, err error) {
	_, span := startSpan(c.env, "devctl.Simulator.EnsureAvailable", attribute.String("name", name))
	defer endSpan(span, &err)

	id, err = c.GetIDByName(name)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrSimulatorNotFound) {
		return "", err
	}
	sims, err := c.List()
	if err != nil {
		return "", err
	}
	exists := false
	for _, s := range sims {
		if s.Name == name {
			exists = true
			break
		}
	}
	if !exists {
		if deviceType == "" {
			return "", fmt.Errorf("simulator %q does not exist and no device type was given", name)
		}
		if _, err := c.Create(name, deviceType, osVersion); err != nil {
			return "", err
		}
	}
	if err := c.Start(name, c.env.SimulatorBootTimeout, true); err != nil {
		return "", err
	}
	return c.GetIDByName(name)
}

// AppContainer returns the host path of an installed app's bundle.
func (c *SimulatorController) AppContainer(id, bundleID string) (string, error) {
	cmd := c.simctl("get_app_container", id, bundleID)
	cmd.Strict = true
	res, err := c.runner.Run(cmd)
	if err != nil {
		return "", err
	}
	return lastLine(res.Output), nil
}

// CatAppFile reads a file from an app installed on simulator id, or on the
// default simulator when id is empty.
func (c *SimulatorController) CatAppFile(id, bundleID, path string) (string, error) {
	if id == "" {
		var err error
		if id, err = c.GetIDByName(c.env.DefaultSimulatorName); err != nil {
			return "", err
		}
	}
	dir, err := c.AppContainer(id, bundleID)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

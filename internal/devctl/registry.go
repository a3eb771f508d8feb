// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const simctlTimeout = 60 * time.Second

// Registry answers "what is connected right now". Nothing is cached.
type Registry struct {
	env    Env
	runner Runner
	bridge *Bridge
	cli    *MobileCLI
}

func NewRegistry(env Env, runner Runner) *Registry {
	return &Registry{
		env:    env,
		runner: runner,
		bridge: NewBridge(env, runner),
		cli:    NewMobileCLI(env, runner),
	}
}

// ListDevices returns the online devices of a platform in tool order.
//
// For Android an "offline" entry anywhere in the bridge listing restarts the
// bridge server, whichever device it belongs to.
func (r *Registry) ListDevices(platform Platform) (devices []Device, err error) {
	_, span := startSpan(r.env, "devctl.Registry.ListDevices", attribute.String("platform", string(platform)))
	defer endSpan(span, &err)

	switch platform {
	case PlatformAndroid:
		raw, err := r.bridge.Devices()
		if err != nil {
			return nil, err
		}
		online, unhealthy := ParseBridgeDevices(raw)
		if unhealthy {
			logEvent(r.env, "bridge reports offline device", "raw", strings.TrimSpace(raw))
			if err := r.bridge.Restart(); err != nil {
				logEvent(r.env, "bridge restart failed", "error", err)
			}
		}
		devices = online
	case PlatformIOS:
		raw, err := r.cli.Devices(PlatformIOS)
		if err != nil {
			return nil, err
		}
		for _, d := range ParseCLIDevices(raw, PlatformIOS) {
			if d.State == StateOnline && d.Kind == KindPhysical {
				devices = append(devices, d)
			}
		}
		sims, err := r.Simulators()
		if err != nil {
			return nil, err
		}
		for _, s := range sims {
			if s.State == BootBooted {
				devices = append(devices, Device{
					ID:       s.UUID,
					Name:     s.Name,
					Platform: PlatformIOS,
					Kind:     KindSimulator,
					State:    StateOnline,
				})
			}
		}
	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	span.SetAttributes(attribute.Int("count", len(devices)))
	return devices, nil
}

// GetOne returns the first online device of a platform.
func (r *Registry) GetOne(platform Platform) (Device, bool, error) {
	devices, err := r.ListDevices(platform)
	if err != nil || len(devices) == 0 {
		return Device{}, false, err
	}
	return devices[0], true, nil
}

// SimulatorListing returns the raw `simctl list devices` output.
func (r *Registry) SimulatorListing() (string, error) {
	res, err := r.runner.Run(Command{Name: r.env.Xcrun, Args: []string{"simctl", "list", "devices"}, Timeout: simctlTimeout})
	return res.Output, err
}

func (r *Registry) Simulators() ([]SimulatorInstance, error) {
	raw, err := r.SimulatorListing()
	if err != nil {
		return nil, err
	}
	return ParseSimulatorList(raw), nil
}

// CLIListsDevice reports whether the mobile CLI's own device listing mentions id.
func (r *Registry) CLIListsDevice(id string) (bool, error) {
	raw, err := r.cli.Devices("")
	if err != nil {
		return false, err
	}
	return strings.Contains(raw, id), nil
}

// EmulatorConnected reports whether the mobile CLI sees a connected emulator.
func (r *Registry) EmulatorConnected() (bool, error) {
	raw, err := r.cli.Devices("")
	if err != nil {
		return false, err
	}
	return CLIReportsConnectedEmulator(raw), nil
}

func (r *Registry) Bridge() *Bridge { return r.bridge }

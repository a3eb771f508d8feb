// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devharness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forkbombeu/devharness/internal/devctl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Manager serialises device lifecycle operations for one test run. There is
// one shared emulator and one shared simulator per host, so every method that
// talks to a device, the adb server or simctl holds the manager lock for its
// whole duration. Listings are included: an Android listing restarts the adb
// server when it sees an offline device.
//
// RunCLI, WaitForLog, BuildCLI, KillCLI, AppID and FindFreePort never touch
// device state and run without the lock, so a log wait does not block
// other callers.
type Manager struct {
	mu sync.Mutex

	env       devctl.Env
	runner    devctl.Runner
	registry  *devctl.Registry
	emulators *devctl.EmulatorController
	sims      *devctl.SimulatorController
	cli       *devctl.MobileCLI
}

// New creates a Manager with an environment detected from ANDROID_HOME and DEVHARNESS_* variables.
func New() *Manager {
	return newManager(devctl.Detect(), nil)
}

// NewWithCorrelationID creates a Manager whose logs and spans carry correlationID.
func NewWithCorrelationID(correlationID string) *Manager {
	return NewWithContextAndCorrelationID(context.Background(), correlationID)
}

// NewWithContext creates a Manager whose spans are parented to ctx.
func NewWithContext(ctx context.Context) *Manager {
	return NewWithContextAndCorrelationID(ctx, "")
}

func NewWithContextAndCorrelationID(ctx context.Context, correlationID string) *Manager {
	env := devctl.Detect()
	if ctx == nil {
		ctx = context.Background()
	}
	env.Context = ctx
	env.CorrelationID = correlationID
	return newManager(env, nil)
}

// NewWithEnv creates a Manager from explicit configuration. Zero fields fall
// back to detected defaults.
func NewWithEnv(e Environment) *Manager {
	ctx := e.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return newManager(devctl.Env{
		SDKRoot:              e.SDKRoot,
		ADB:                  e.ADBBin,
		Emulator:             e.EmulatorBin,
		CLI:                  e.CLIBin,
		Xcrun:                e.XcrunBin,
		Instruments:          e.InstrumentsBin,
		DefaultEmulatorImage: e.DefaultEmulatorImage,
		DefaultSimulatorName: e.DefaultSimulatorName,
		DefaultPort:          e.DefaultPort,
		EmulatorBootTimeout:  e.EmulatorBootTimeout,
		SimulatorBootTimeout: e.SimulatorBootTimeout,
		CLILogDir:            e.CLILogDir,
		CorrelationID:        e.CorrelationID,
		Context:              ctx,
	}, nil)
}

// NewFromConfig loads configuration through devctl.LoadEnv (config file plus
// DEVHARNESS_* variables).
func NewFromConfig(path string) (*Manager, error) {
	env, err := devctl.LoadEnv(path)
	if err != nil {
		return nil, err
	}
	return newManager(env, nil), nil
}

func newManager(env devctl.Env, runner devctl.Runner) *Manager {
	env = env.WithDefaults()
	if runner == nil {
		runner = devctl.NewExecRunner(env)
	}
	return &Manager{
		env:       env,
		runner:    runner,
		registry:  devctl.NewRegistry(env, runner),
		emulators: devctl.NewEmulatorController(env, runner),
		sims:      devctl.NewSimulatorController(env, runner),
		cli:       devctl.NewMobileCLI(env, runner),
	}
}

// Environment holds tool paths and defaults.
type Environment struct {
	SDKRoot              string        // ANDROID_HOME / ANDROID_SDK_ROOT
	ADBBin               string        // default: $SDK/platform-tools/adb
	EmulatorBin          string        // default: $SDK/emulator/emulator
	CLIBin               string        // mobile CLI under test (default: tns)
	XcrunBin             string        // default: xcrun
	InstrumentsBin       string        // default: instruments
	DefaultEmulatorImage string        // default: Api19
	DefaultSimulatorName string        // default: iPhone 6s 90
	DefaultPort          int           // default: 5554
	EmulatorBootTimeout  time.Duration // default: 300s
	SimulatorBootTimeout time.Duration // default: 300s
	CLILogDir            string        // default: os.TempDir()
	CorrelationID        string
	Context              context.Context
}

// Device is an online device as reported by the platform tools.
type Device = devctl.Device

type Platform = devctl.Platform

const (
	Android = devctl.PlatformAndroid
	IOS     = devctl.PlatformIOS
)

// StartEmulatorOptions contains options for starting an emulator.
type StartEmulatorOptions struct {
	Image        string        // AVD name (default: Environment.DefaultEmulatorImage)
	Port         int           // even console port in 5554-5800 (default: 5554)
	Timeout      time.Duration // boot timeout (default: 300s)
	WaitForReady bool
}

// CreateSimulatorOptions contains options for creating a simulator.
type CreateSimulatorOptions struct {
	Name       string // required
	DeviceType string // e.g. "iPhone 6s"
	OSVersion  string // e.g. "9.0"
}

// WatchOptions configures WaitForLog.
type WatchOptions struct {
	MustContain    []string
	MustNotContain []string
	Timeout        time.Duration // default: 120s
}

func (m *Manager) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", m.env.CorrelationID))
	}
	ctx := m.env.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return otel.Tracer("devharness").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Devices lists the online devices of a platform.
func (m *Manager) Devices(platform Platform) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.ListDevices(platform)
}

// RestartBridge bounces the adb server.
func (m *Manager) RestartBridge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Bridge().Restart()
}

// EnsureEmulator boots the default emulator unless one is already connected.
// It reports whether one was already running.
func (m *Manager) EnsureEmulator() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, span := m.startSpan("devharness.EnsureEmulator")
	defer span.End()
	return m.emulators.EnsureAvailable()
}

// StartEmulator starts an emulator and returns its serial (emulator-<port>).
func (m *Manager) StartEmulator(opts StartEmulatorOptions) (string, error) {
	if opts.Image == "" {
		opts.Image = m.env.DefaultEmulatorImage
	}
	if opts.Port == 0 {
		opts.Port = m.env.DefaultPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = m.env.EmulatorBootTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, span := m.startSpan("devharness.StartEmulator",
		attribute.String("image", opts.Image),
		attribute.Int("port", opts.Port),
	)
	defer span.End()
	session, err := m.emulators.Start(opts.Image, opts.Port, opts.Timeout, opts.WaitForReady)
	if session == nil {
		return "", err
	}
	return session.Serial, err
}

// WaitForEmulator waits until the mobile CLI lists id.
func (m *Manager) WaitForEmulator(id string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emulators.WaitForDevice(id, timeout)
}

// StopEmulator stops one emulator by serial.
func (m *Manager) StopEmulator(serial string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emulators.Stop(serial)
}

// StopAllEmulators force-kills every emulator process on the host.
func (m *Manager) StopAllEmulators() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emulators.StopAll()
}

// RunningEmulators lists emulators the bridge currently reports.
func (m *Manager) RunningEmulators() ([]devctl.RunningEmulator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emulators.Running()
}

// EmulatorState is the controller's view of the emulator it manages.
func (m *Manager) EmulatorState() devctl.EmulatorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emulators.State()
}

// CreateSimulator creates a simulator and returns its UUID.
func (m *Manager) CreateSimulator(opts CreateSimulatorOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sims.Create(opts.Name, opts.DeviceType, opts.OSVersion)
}

// StartSimulator launches a simulator by name.
func (m *Manager) StartSimulator(name string, timeout time.Duration, waitForReady bool) error {
	if name == "" {
		name = m.env.DefaultSimulatorName
	}
	if timeout == 0 {
		timeout = m.env.SimulatorBootTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sims.Start(name, timeout, waitForReady)
}

// EnsureSimulator returns the id of a booted simulator, creating and booting it if needed.
func (m *Manager) EnsureSimulator(opts CreateSimulatorOptions) (string, error) {
	if opts.Name == "" {
		opts.Name = m.env.DefaultSimulatorName
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, span := m.startSpan("devharness.EnsureSimulator", attribute.String("name", opts.Name))
	defer span.End()
	return m.sims.EnsureAvailable(opts.Name, opts.DeviceType, opts.OSVersion)
}

func (m *Manager) SimulatorID(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sims.GetIDByName(name)
}

func (m *Manager) Simulators() ([]devctl.SimulatorInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sims.List()
}

// StopAllSimulators force-kills the simulator host app.
func (m *Manager) StopAllSimulators() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sims.StopAll()
}

// DeleteSimulator removes a simulator by name, booted or not.
func (m *Manager) DeleteSimulator(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sims.Delete(name)
}

// RunCLI starts `<cli> run <platform> args...` detached. The caller owns the
// returned process and must stop it.
func (m *Manager) RunCLI(platform Platform, args ...string) (*devctl.Process, error) {
	return m.cli.Run(platform, args...)
}

// WaitForLog waits on the process's output for the given markers.
func (m *Manager) WaitForLog(p *devctl.Process, opts WatchOptions) error {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	return devctl.WaitFor(m.env, p.Log, devctl.WatchOptions{
		MustContain:    opts.MustContain,
		MustNotContain: opts.MustNotContain,
		Timeout:        opts.Timeout,
	})
}

// FindFreePort finds a free even port pair for an emulator (uses port and port+1).
func (m *Manager) FindFreePort(start, end int) (int, error) {
	return devctl.FindFreeEvenPort(start, end)
}

// InstallApp installs (or reinstalls) an apk on an Android device.
func (m *Manager) InstallApp(serial, apk string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, span := m.startSpan("devharness.InstallApp",
		attribute.String("serial", serial),
		attribute.String("apk", apk),
	)
	defer span.End()
	return m.registry.Bridge().Install(serial, apk)
}

// UninstallApps removes third-party packages whose id starts with prefix.
// An empty prefix removes every third-party package.
func (m *Manager) UninstallApps(serial, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Bridge().UninstallByPrefix(serial, prefix)
}

// AppID reads the package id of an apk with aapt.
func (m *Manager) AppID(apk string) (string, error) {
	return m.registry.Bridge().PackageID(apk)
}

// AppFile reads a file that an installed app wrote. On Android device is a
// serial and path is relative to the app's files/ dir; on iOS device is a
// simulator UUID (empty means the default simulator) and path is relative to
// the app container.
func (m *Manager) AppFile(platform Platform, device, app, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch platform {
	case Android:
		return m.registry.Bridge().CatAppFile(device, app, path)
	case IOS:
		return m.sims.CatAppFile(device, app, path)
	}
	return "", fmt.Errorf("unsupported platform %q", platform)
}

// WaitForAppPath polls until path exists in an Android app's files/ dir.
func (m *Manager) WaitForAppPath(serial, pkg, path string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Bridge().PathExists(serial, pkg, path, timeout)
}

// WaitForAppPathGone polls until path is removed from an Android app's files/ dir.
func (m *Manager) WaitForAppPathGone(serial, pkg, path string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.Bridge().PathMissing(serial, pkg, path, timeout)
}

// BuildCLI runs `<cli> build <platform> args...` and returns its output. A
// build without a success marker fails with a *devctl.CommandError.
func (m *Manager) BuildCLI(platform Platform, timeout time.Duration, args ...string) (string, error) {
	_, span := m.startSpan("devharness.BuildCLI", attribute.String("platform", string(platform)))
	defer span.End()
	res, err := m.cli.Build(platform, timeout, args...)
	return res.Output, err
}

// KillCLI force-kills leftover processes of the mobile CLI.
func (m *Manager) KillCLI() {
	m.cli.Kill()
}

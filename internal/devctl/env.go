// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// ErrMissingSDKRoot is returned by Validate when no Android SDK root is configured.
var ErrMissingSDKRoot = errors.New("android sdk root not set (ANDROID_HOME or ANDROID_SDK_ROOT)")

type Env struct {
	SDKRoot     string // ANDROID_HOME / ANDROID_SDK_ROOT
	ADB         string // $SDK/platform-tools/adb
	Emulator    string // $SDK/emulator/emulator
	CLI         string // DEVHARNESS_CLI (mobile CLI under test, default tns)
	Xcrun       string // xcrun
	Instruments string // instruments

	DefaultEmulatorImage  string // DEVHARNESS_EMULATOR_IMAGE
	DefaultSimulatorName  string // DEVHARNESS_SIMULATOR_NAME
	DefaultPort           int    // DEVHARNESS_EMULATOR_PORT
	EmulatorBootTimeout   time.Duration
	SimulatorBootTimeout  time.Duration
	CommandLogLevel       CommandLogLevel
	CLILogDir             string // where live CLI runs are logged (default os.TempDir())
	BridgeWatchdog        time.Duration
	EmulatorPollInterval  time.Duration
	SimulatorPollInterval time.Duration

	// CorrelationID is used to tie logs to a specific test run.
	CorrelationID string
	// Context is used to parent OpenTelemetry spans.
	Context context.Context
	// Clock drives every sleep and elapsed-time measurement; nil means wall clock.
	Clock Clock
}

func Detect() Env {
	sdk := getenv("ANDROID_HOME", os.Getenv("ANDROID_SDK_ROOT"))
	env := Env{
		SDKRoot:               sdk,
		ADB:                   "adb",
		Emulator:              "emulator",
		CLI:                   getenv("DEVHARNESS_CLI", "tns"),
		Xcrun:                 "xcrun",
		Instruments:           "instruments",
		DefaultEmulatorImage:  getenv("DEVHARNESS_EMULATOR_IMAGE", "Api19"),
		DefaultSimulatorName:  getenv("DEVHARNESS_SIMULATOR_NAME", "iPhone 6s 90"),
		DefaultPort:           5554,
		EmulatorBootTimeout:   300 * time.Second,
		SimulatorBootTimeout:  300 * time.Second,
		CommandLogLevel:       LogCommandOnly,
		CLILogDir:             os.TempDir(),
		BridgeWatchdog:        120 * time.Second,
		EmulatorPollInterval:  5 * time.Second,
		SimulatorPollInterval: 2 * time.Second,
		CorrelationID:         os.Getenv("DEVHARNESS_CORRELATION_ID"),
		Context:               context.Background(),
	}
	if sdk != "" {
		env.ADB = sdkTool(sdk, "platform-tools", "adb")
		env.Emulator = sdkTool(sdk, "emulator", "emulator")
	}
	return env
}

// Validate reports configuration problems that no amount of polling can recover from.
func (e Env) Validate() error {
	if e.SDKRoot == "" {
		return ErrMissingSDKRoot
	}
	if _, err := os.Stat(e.SDKRoot); err != nil {
		return errors.Join(ErrMissingSDKRoot, err)
	}
	return nil
}

func (e Env) clock() Clock {
	if e.Clock == nil {
		return realClock{}
	}
	return e.Clock
}

// WithDefaults fills zero fields from Detect().
func (e Env) WithDefaults() Env {
	d := Detect()
	if e.ADB == "" {
		e.ADB = d.ADB
	}
	if e.Emulator == "" {
		e.Emulator = d.Emulator
	}
	if e.CLI == "" {
		e.CLI = d.CLI
	}
	if e.Xcrun == "" {
		e.Xcrun = d.Xcrun
	}
	if e.Instruments == "" {
		e.Instruments = d.Instruments
	}
	if e.DefaultEmulatorImage == "" {
		e.DefaultEmulatorImage = d.DefaultEmulatorImage
	}
	if e.DefaultSimulatorName == "" {
		e.DefaultSimulatorName = d.DefaultSimulatorName
	}
	if e.DefaultPort == 0 {
		e.DefaultPort = d.DefaultPort
	}
	if e.EmulatorBootTimeout == 0 {
		e.EmulatorBootTimeout = d.EmulatorBootTimeout
	}
	if e.SimulatorBootTimeout == 0 {
		e.SimulatorBootTimeout = d.SimulatorBootTimeout
	}
	if e.CLILogDir == "" {
		e.CLILogDir = d.CLILogDir
	}
	if e.BridgeWatchdog == 0 {
		e.BridgeWatchdog = d.BridgeWatchdog
	}
	if e.EmulatorPollInterval == 0 {
		e.EmulatorPollInterval = d.EmulatorPollInterval
	}
	if e.SimulatorPollInterval == 0 {
		e.SimulatorPollInterval = d.SimulatorPollInterval
	}
	if e.Context == nil {
		e.Context = context.Background()
	}
	return e
}

func sdkTool(sdk string, parts ...string) string {
	p := filepath.Join(append([]string{sdk}, parts...)...)
	if runtime.GOOS == "windows" {
		p += ".exe"
	}
	return p
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

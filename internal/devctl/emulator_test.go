// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const connectedEmulatorRow = "│ 1 │ Nexus 5 │ Android │ emulator-5554 │ Emulator │ Connected │\n"

func TestWaitForDeviceRestartsBridgeExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	runner := &fakeRunner{}
	runner.reply("tns device", "No emulators or devices found.\n")
	ctl := NewEmulatorController(testEnv(t, clock), runner)

	start := clock.Now()
	found := ctl.WaitForDevice("emulator-5554", 300*time.Second)

	assert.False(t, found)
	assert.Equal(t, 1, runner.count("adb kill-server"), "bridge restarted exactly once")
	assert.Equal(t, 1, runner.count("adb start-server"))
	elapsed := clock.Now().Sub(start)
	assert.Greater(t, elapsed, 300*time.Second)
	assert.LessOrEqual(t, elapsed, 305*time.Second)
}

func TestWaitForDeviceNoRestartBeforeWatchdog(t *testing.T) {
	clock := newFakeClock()
	runner := &fakeRunner{}
	polls := 0
	runner.on("tns device", func(Command) (Result, error) {
		polls++
		if polls < 10 {
			return Result{Output: "Searching for devices...\n"}, nil
		}
		return Result{Output: connectedEmulatorRow}, nil
	})
	ctl := NewEmulatorController(testEnv(t, clock), runner)

	require.True(t, ctl.WaitForDevice("emulator-5554", 300*time.Second))
	assert.Equal(t, 0, runner.count("kill-server"))
	assert.Equal(t, 10, polls)
}

func TestWaitForDeviceFoundAfterRestart(t *testing.T) {
	clock := newFakeClock()
	runner := &fakeRunner{}
	restarted := false
	runner.on("kill-server", func(Command) (Result, error) {
		restarted = true
		return Result{}, nil
	})
	runner.on("tns device", func(Command) (Result, error) {
		if restarted {
			return Result{Output: connectedEmulatorRow}, nil
		}
		return Result{}, nil
	})
	ctl := NewEmulatorController(testEnv(t, clock), runner)

	require.True(t, ctl.WaitForDevice("emulator-5554", 300*time.Second))
	assert.Equal(t, 1, runner.count("kill-server"))
	assert.Less(t, clock.Now().Sub(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)), 140*time.Second)
}

func TestStartValidatesPort(t *testing.T) {
	ctl := NewEmulatorController(testEnv(t, newFakeClock()), &fakeRunner{})
	for _, port := range []int{5555, 5552, 5802} {
		_, err := ctl.Start("Api19", port, time.Minute, false)
		assert.ErrorIs(t, err, ErrInvalidPort, "port %d", port)
	}
}

func TestStartRejectsPortOwnedBySession(t *testing.T) {
	runner := &fakeRunner{}
	ctl := NewEmulatorController(testEnv(t, newFakeClock()), runner)

	s, err := ctl.Start("Api19", 5554, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, "emulator-5554", s.Serial)
	assert.Equal(t, EmulatorBooting, ctl.State())

	_, err = ctl.Start("Api21", 5554, time.Minute, false)
	assert.ErrorIs(t, err, ErrPortInUse)
	require.Len(t, runner.started, 1)

	args := runner.started[0].Command.Args
	assert.Equal(t, []string{"-avd", "Api19", "-port", "5554", "-wipe-data"}, args[:5])
}

func TestStartWaitsForReadiness(t *testing.T) {
	clock := newFakeClock()
	runner := &fakeRunner{}
	runner.reply("tns device", connectedEmulatorRow)
	ctl := NewEmulatorController(testEnv(t, clock), runner)

	s, err := ctl.Start("Api19", 5554, time.Minute, true)
	require.NoError(t, err)
	assert.Equal(t, EmulatorReady, ctl.State())
	got, ok := ctl.Session(5554)
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestStartBootTimeout(t *testing.T) {
	clock := newFakeClock()
	ctl := NewEmulatorController(testEnv(t, clock), &fakeRunner{})

	_, err := ctl.Start("Api19", 5556, 30*time.Second, true)
	var bootErr *EmulatorBootTimeoutError
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, "emulator-5556", bootErr.Serial)
	assert.Equal(t, 30*time.Second, bootErr.Timeout)
}

func TestEnsureAvailableIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	runner := &fakeRunner{}
	booted := false
	runner.on("tns device", func(Command) (Result, error) {
		if booted {
			return Result{Output: connectedEmulatorRow}, nil
		}
		return Result{}, nil
	})
	ctl := NewEmulatorController(testEnv(t, clock), runner)

	// the fake emulator "boots" as soon as it is started
	bootingRunner := &startHook{fakeRunner: runner, onStart: func() { booted = true }}
	ctl.runner = bootingRunner

	already, err := ctl.EnsureAvailable()
	require.NoError(t, err)
	assert.False(t, already)
	assert.Equal(t, EmulatorReady, ctl.State())

	already, err = ctl.EnsureAvailable()
	require.NoError(t, err)
	assert.True(t, already)
	assert.Len(t, runner.started, 1, "second call must not start another emulator")
}

func TestEnsureAvailableKillsStaleEmulatorsFirst(t *testing.T) {
	clock := newFakeClock()
	runner := &fakeRunner{}
	ctl := NewEmulatorController(testEnv(t, clock), runner)
	ctl.env.EmulatorBootTimeout = 10 * time.Second

	_, err := ctl.EnsureAvailable()
	assert.True(t, errors.As(err, new(*EmulatorBootTimeoutError)))
	for _, name := range emulatorProcessNames {
		assert.Equal(t, 1, runner.exact(killByNameCommand(name).String()), name)
	}
}

func TestStopAllRestartsOfflineBridge(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("adb devices", "List of devices attached\nemulator-5554\toffline\n")
	ctl := NewEmulatorController(testEnv(t, newFakeClock()), runner)

	ctl.StopAll()
	assert.Equal(t, EmulatorStopped, ctl.State())
	assert.Equal(t, 1, runner.count("adb kill-server"))
}

func TestStopBySerial(t *testing.T) {
	runner := &fakeRunner{}
	ctl := NewEmulatorController(testEnv(t, newFakeClock()), runner)
	_, err := ctl.Start("Api19", 5554, time.Minute, false)
	require.NoError(t, err)

	require.NoError(t, ctl.Stop("emulator-5554"))
	assert.Equal(t, 1, runner.count("adb -s emulator-5554 emu kill"))
	_, ok := ctl.Session(5554)
	assert.False(t, ok)
	assert.Equal(t, EmulatorStopped, ctl.State())

	assert.Error(t, ctl.Stop("5554"))
}

func TestRunningReadsNameAndBootFlag(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("adb devices", "List of devices attached\nemulator-5554\tdevice\nHT4A1\tdevice\n")
	runner.reply("emu avd name", "Api19\r\nOK\r\n")
	runner.reply("getprop sys.boot_completed", "1\n")
	ctl := NewEmulatorController(testEnv(t, newFakeClock()), runner)

	running, err := ctl.Running()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, RunningEmulator{Serial: "emulator-5554", Name: "Api19", Port: 5554, Booted: true}, running[0])
}

func TestWaitForDeviceSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	env := testEnv(t, newFakeClock())
	env.CorrelationID = "corr-789"
	runner := &fakeRunner{}
	runner.reply("tns device", connectedEmulatorRow)
	NewEmulatorController(env, runner).WaitForDevice("emulator-5554", time.Minute)

	var found bool
	for _, span := range recorder.Ended() {
		if span.Name() != "devctl.Emulator.WaitForDevice" {
			continue
		}
		found = true
		attrs := map[string]any{}
		for _, attr := range span.Attributes() {
			attrs[string(attr.Key)] = attr.Value.AsInterface()
		}
		assert.Equal(t, "corr-789", attrs["correlation_id"])
		assert.Equal(t, "emulator-5554", attrs["device"])
		assert.Equal(t, true, attrs["found"])
		assert.Equal(t, int64(1), attrs["attempts"])
	}
	assert.True(t, found, "WaitForDevice span not recorded")
}

// startHook runs onStart whenever a process is started.
type startHook struct {
	*fakeRunner
	onStart func()
}

func (h *startHook) Start(c Command) (*Process, error) {
	p, err := h.fakeRunner.Start(c)
	h.onStart()
	return p, err
}

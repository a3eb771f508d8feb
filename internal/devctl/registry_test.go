// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDevicesAndroidRestartsOnOffline(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("adb devices", "emulator-5554\tdevice\nemulator-5556\toffline\n")
	reg := NewRegistry(testEnv(t, newFakeClock()), runner)

	devices, err := reg.ListDevices(PlatformAndroid)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "emulator-5554", devices[0].ID)
	assert.Equal(t, 1, runner.count("adb kill-server"))
	assert.Equal(t, 1, runner.count("adb start-server"))
}

func TestListDevicesAndroidHealthy(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("adb devices", "List of devices attached\nemulator-5554\tdevice\nZX1G22\tunauthorized\n")
	reg := NewRegistry(testEnv(t, newFakeClock()), runner)

	devices, err := reg.ListDevices(PlatformAndroid)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 0, runner.count("kill-server"))
}

func TestListDevicesIOSMergesPhysicalAndBootedSimulators(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("tns device ios", cliDeviceTable)
	runner.reply("simctl list devices", simctlList)
	reg := NewRegistry(testEnv(t, newFakeClock()), runner)

	devices, err := reg.ListDevices(PlatformIOS)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "3a7c0f2e9b1d4c5a8e6f7d0c1b2a3e4f5d6c7b8a", devices[0].ID)
	assert.Equal(t, KindPhysical, devices[0].Kind)
	assert.Equal(t, Device{ID: "ABCD-1234-EF", Name: "iPhone 6s 90", Platform: PlatformIOS, Kind: KindSimulator, State: StateOnline}, devices[1])
}

func TestListDevicesUnknownPlatform(t *testing.T) {
	reg := NewRegistry(testEnv(t, newFakeClock()), &fakeRunner{})
	_, err := reg.ListDevices("windows")
	assert.Error(t, err)
}

func TestGetOne(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("adb devices", "")
	reg := NewRegistry(testEnv(t, newFakeClock()), runner)

	_, ok, err := reg.GetOne(PlatformAndroid)
	require.NoError(t, err)
	assert.False(t, ok)

	runner2 := &fakeRunner{}
	runner2.reply("adb devices", "0a1b2c\tdevice\nemulator-5554\tdevice\n")
	d, ok, err := NewRegistry(testEnv(t, newFakeClock()), runner2).GetOne(PlatformAndroid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0a1b2c", d.ID)
}

func TestDevicesAreNeverCached(t *testing.T) {
	runner := &fakeRunner{}
	reg := NewRegistry(testEnv(t, newFakeClock()), runner)
	_, _ = reg.ListDevices(PlatformAndroid)
	_, _ = reg.ListDevices(PlatformAndroid)
	assert.Equal(t, 2, runner.count("adb devices"))
}

func TestEmulatorConnected(t *testing.T) {
	runner := &fakeRunner{}
	runner.reply("tns device", connectedEmulatorRow)
	reg := NewRegistry(testEnv(t, newFakeClock()), runner)

	ok, err := reg.EmulatorConnected()
	require.NoError(t, err)
	assert.True(t, ok)
	listed, err := reg.CLIListsDevice("emulator-5554")
	require.NoError(t, err)
	assert.True(t, listed)
}

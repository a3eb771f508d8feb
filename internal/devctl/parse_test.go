// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBridgeDevices(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantIDs   []string
		unhealthy bool
	}{
		{
			name:      "online and offline emulator",
			raw:       "emulator-5554\tdevice\nemulator-5556\toffline\n",
			wantIDs:   []string{"emulator-5554"},
			unhealthy: true,
		},
		{
			name:    "header and physical device",
			raw:     "List of devices attached\n0a1b2c3d\tdevice\nemulator-5554\tdevice\n\n",
			wantIDs: []string{"0a1b2c3d", "emulator-5554"},
		},
		{
			name:    "unauthorized is excluded but not unhealthy",
			raw:     "List of devices attached\nZX1G22\tunauthorized\n",
			wantIDs: nil,
		},
		{
			name:    "daemon start noise",
			raw:     "* daemon not running; starting now at tcp:5037\n* daemon started successfully\nList of devices attached\n",
			wantIDs: nil,
		},
		{
			name:    "empty",
			raw:     "",
			wantIDs: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			online, unhealthy := ParseBridgeDevices(tt.raw)
			var ids []string
			for _, d := range online {
				ids = append(ids, d.ID)
				assert.Equal(t, PlatformAndroid, d.Platform)
				assert.Equal(t, StateOnline, d.State)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.unhealthy, unhealthy)
		})
	}
}

func TestParseBridgeDevicesKinds(t *testing.T) {
	online, _ := ParseBridgeDevices("emulator-5554\tdevice\nHT4A1JT00123\tdevice\n")
	require.Len(t, online, 2)
	assert.Equal(t, KindEmulator, online[0].Kind)
	assert.Equal(t, KindPhysical, online[1].Kind)
}

const cliDeviceTable = `
Connected devices & emulators
Searching for devices...
┌───┬──────────────┬──────────┬──────────────────────────────────────────┬──────────┬───────────┐
│ # │ Device Name  │ Platform │ Device Identifier                        │ Type     │ Status    │
│ 1 │ iPhone       │ iOS      │ 3a7c0f2e9b1d4c5a8e6f7d0c1b2a3e4f5d6c7b8a │ Device   │ Connected │
│ 2 │ iPhone 6s 90 │ iOS      │ ABCD-1234-EF                             │ Emulator │ Connected │
│ 3 │ Nexus 5      │ Android  │ emulator-5554                            │ Emulator │ Connected │
│ 4 │ Galaxy       │ Android  │ R58M12ABCDE                              │ Device   │ Unauthorized │
└───┴──────────────┴──────────┴──────────────────────────────────────────┴──────────┴───────────┘
`

func TestParseCLIDevices(t *testing.T) {
	all := ParseCLIDevices(cliDeviceTable, "")
	require.Len(t, all, 4)
	assert.Equal(t, "iPhone", all[0].Name)
	assert.Equal(t, KindPhysical, all[0].Kind)
	assert.Equal(t, StateOnline, all[0].State)
	assert.Equal(t, KindEmulator, all[2].Kind)
	assert.Equal(t, "emulator-5554", all[2].ID)
	assert.Equal(t, StateOffline, all[3].State)

	ios := ParseCLIDevices(cliDeviceTable, PlatformIOS)
	require.Len(t, ios, 2)
	for _, d := range ios {
		assert.Equal(t, PlatformIOS, d.Platform)
	}
}

func TestParseCLIDevicesPipeTable(t *testing.T) {
	raw := "| # | Device Name | Platform | Device Identifier | Type | Status |\n" +
		"| 1 | Nexus 5 | Android | 0a1b2c | Device | Connected |\n"
	devices := ParseCLIDevices(raw, PlatformAndroid)
	require.Len(t, devices, 1)
	assert.Equal(t, "0a1b2c", devices[0].ID)
}

func TestCLIReportsConnectedEmulator(t *testing.T) {
	assert.True(t, CLIReportsConnectedEmulator(cliDeviceTable))
	assert.False(t, CLIReportsConnectedEmulator("│ 1 │ iPhone │ iOS │ 3a7c │ Device │ Connected │\n"))
	// both markers must be on the same line
	assert.False(t, CLIReportsConnectedEmulator("Emulator\nConnected\n"))
}

const simctlList = `== Devices ==
-- iOS 8.4 --
    iPhone 5 (1111-2222) (Shutdown)
-- iOS 9.0 --
    iPhone 6s 90 (ABCD-1234-EF) (Booted)
    iPad Air (5555-6666) (Shutdown)
-- Unavailable: com.apple.CoreSimulator.SimRuntime.iOS-7-1 --
`

func TestParseSimulatorList(t *testing.T) {
	sims := ParseSimulatorList(simctlList)
	require.Len(t, sims, 3)
	assert.Equal(t, SimulatorInstance{Name: "iPhone 5", OSVersion: "8.4", UUID: "1111-2222", State: BootShutdown}, sims[0])
	assert.Equal(t, SimulatorInstance{Name: "iPhone 6s 90", OSVersion: "9.0", UUID: "ABCD-1234-EF", State: BootBooted}, sims[1])
	assert.Equal(t, "iPad Air", sims[2].Name)
}

func TestSimulatorIDFromLine(t *testing.T) {
	id, ok := SimulatorIDFromLine("iPhone 6s 90 (ABCD-1234-EF) (Booted)")
	require.True(t, ok)
	assert.Equal(t, "ABCD-1234-EF", id)

	_, ok = SimulatorIDFromLine("iPhone 6s 90 Booted")
	assert.False(t, ok)
}

func TestFindBetween(t *testing.T) {
	got, ok := FindBetween("package: name='org.nativescript.app' versionCode='1'", "name='", "'")
	require.True(t, ok)
	assert.Equal(t, "org.nativescript.app", got)

	_, ok = FindBetween("abc", "(", ")")
	assert.False(t, ok)
	_, ok = FindBetween("a (b", "(", ")")
	assert.False(t, ok)
}

func TestParsePackages(t *testing.T) {
	raw := "package:org.nativescript.TestApp\r\npackage:com.example.other\n\nnot-a-package\n"
	assert.Equal(t, []string{"org.nativescript.TestApp", "com.example.other"}, ParsePackages(raw))
}

func TestParseBadgingPackage(t *testing.T) {
	raw := "package: name='org.nativescript.TestApp' versionCode='1' versionName='1.0'\nsdkVersion:'17'\n"
	assert.Equal(t, "org.nativescript.TestApp", ParseBadgingPackage(raw))
	assert.Equal(t, "", ParseBadgingPackage("ERROR: dump failed"))
}

func TestParseAVDName(t *testing.T) {
	assert.Equal(t, "Api19", ParseAVDName("Api19\r\nOK\r\n"))
	assert.Equal(t, "Api19", ParseAVDName("Api19\n"))
	assert.Equal(t, "", ParseAVDName("OK\n"))
}

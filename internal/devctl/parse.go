// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"strconv"
	"strings"
)

// Text scraping of tool output lives here, away from control flow: tool
// output format changes are the usual source of breakage.

// ParseBridgeDevices parses `adb devices` output ("<id>\t<state>" rows) and
// returns the online entries in tool order. unhealthy is true when the word
// "offline" appears anywhere in raw, for any device.
func ParseBridgeDevices(raw string) (online []Device, unhealthy bool) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 2 || f[1] != "device" {
			continue
		}
		kind := KindPhysical
		if strings.HasPrefix(f[0], "emulator-") {
			kind = KindEmulator
		}
		online = append(online, Device{ID: f[0], Platform: PlatformAndroid, Kind: kind, State: StateOnline})
	}
	return online, strings.Contains(raw, "offline")
}

// ParseCLIDevices parses the table printed by the mobile CLI's `device`
// command:
//
//	│ # │ Device Name │ Platform │ Device Identifier │ Type │ Status │
//	│ 1 │ Nexus 5 │ Android │ 0a1b2c │ Device │ Connected │
//
// Rows for other platforms are dropped when platform is non-empty.
func ParseCLIDevices(raw string, platform Platform) []Device {
	var out []Device
	for _, line := range strings.Split(raw, "\n") {
		cells := tableCells(line)
		if len(cells) < 6 {
			continue
		}
		if _, err := strconv.Atoi(cells[0]); err != nil {
			continue
		}
		p, err := ParsePlatform(cells[2])
		if err != nil || (platform != "" && p != platform) {
			continue
		}
		d := Device{ID: cells[3], Name: cells[1], Platform: p, Kind: KindPhysical, State: StateUnknown}
		switch strings.ToLower(cells[4]) {
		case "emulator":
			d.Kind = KindEmulator
		case "simulator":
			d.Kind = KindSimulator
		}
		switch strings.ToLower(cells[5]) {
		case "connected":
			d.State = StateOnline
		case "offline", "unauthorized", "disconnected":
			d.State = StateOffline
		}
		out = append(out, d)
	}
	return out
}

func tableCells(line string) []string {
	line = strings.ReplaceAll(line, "│", "|")
	if !strings.Contains(line, "|") {
		return nil
	}
	var cells []string
	for _, c := range strings.Split(line, "|") {
		c = strings.TrimSpace(c)
		if c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}

// CLIReportsConnectedEmulator is true when a single line of the CLI's device
// listing mentions both an emulator and the Connected marker.
func CLIReportsConnectedEmulator(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		if strings.Contains(strings.ToLower(line), "emulator") && strings.Contains(line, "Connected") {
			return true
		}
	}
	return false
}

// ParseSimulatorList parses `xcrun simctl list devices`:
//
//	-- iOS 9.0 --
//	    iPhone 6s 90 (ABCD-1234-EF) (Booted)
func ParseSimulatorList(raw string) []SimulatorInstance {
	var out []SimulatorInstance
	osVersion := ""
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "--") && strings.HasSuffix(line, "--") {
			header := strings.TrimSpace(strings.Trim(line, "-"))
			osVersion = strings.TrimSpace(strings.TrimPrefix(header, "iOS"))
			continue
		}
		open := strings.Index(line, " (")
		if open <= 0 || !strings.HasSuffix(line, ")") {
			continue
		}
		id, ok := SimulatorIDFromLine(line)
		if !ok {
			continue
		}
		state := BootShutdown
		if strings.Contains(line, "(Booted)") {
			state = BootBooted
		}
		out = append(out, SimulatorInstance{
			Name:      line[:open],
			OSVersion: osVersion,
			UUID:      id,
			State:     state,
		})
	}
	return out
}

// SimulatorIDFromLine extracts the text between the first "(" and the ")"
// following it. Names that themselves contain parentheses break this.
func SimulatorIDFromLine(line string) (string, bool) {
	return FindBetween(line, "(", ")")
}

func FindBetween(s, first, last string) (string, bool) {
	start := strings.Index(s, first)
	if start == -1 {
		return "", false
	}
	start += len(first)
	end := strings.Index(s[start:], last)
	if end == -1 {
		return "", false
	}
	return s[start : start+end], true
}

// ParsePackages returns the ids from `pm list packages` ("package:<id>" rows).
func ParsePackages(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if id, ok := strings.CutPrefix(line, "package:"); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// ParseBadgingPackage returns the package name from `aapt dump badging`.
func ParseBadgingPackage(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(strings.TrimSpace(line), "package:") {
			continue
		}
		if parts := strings.Split(line, "'"); len(parts) > 1 {
			return parts[1]
		}
	}
	return ""
}

// ParseAVDName reads the console reply to `adb emu avd name` ("<name>\nOK").
func ParseAVDName(raw string) string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if strings.TrimSpace(lines[len(lines)-1]) == "OK" && len(lines) > 1 {
		lines = lines[:len(lines)-1]
	}
	name := strings.TrimSpace(lines[0])
	if name == "OK" {
		return ""
	}
	return name
}

// lastLine returns the last non-empty trimmed line of out.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"fmt"
	"strings"
)

type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "android":
		return PlatformAndroid, nil
	case "ios":
		return PlatformIOS, nil
	}
	return "", fmt.Errorf("unknown platform %q (android, ios)", s)
}

type Kind string

const (
	KindPhysical  Kind = "physical"
	KindEmulator  Kind = "emulator"
	KindSimulator Kind = "simulator"
)

type ConnectionState string

const (
	StateOnline  ConnectionState = "online"
	StateOffline ConnectionState = "offline"
	StateUnknown ConnectionState = "unknown"
)

// Device is a live view of something the platform tools report. It is never
// cached: callers re-query instead of holding on to it across scenarios.
type Device struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Platform Platform        `json:"platform"`
	Kind     Kind            `json:"kind"`
	State    ConnectionState `json:"state"`
}

type BootState string

const (
	BootShutdown BootState = "Shutdown"
	BootBooted   BootState = "Booted"
)

type SimulatorInstance struct {
	Name       string    `json:"name"`
	DeviceType string    `json:"device_type,omitempty"`
	OSVersion  string    `json:"os_version,omitempty"`
	UUID       string    `json:"uuid"`
	State      BootState `json:"state"`
}

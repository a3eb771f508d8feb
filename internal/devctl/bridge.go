// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

const (
	bridgeTimeout    = 60 * time.Second
	pathPollInterval = time.Second
)

// Bridge wraps the adb commands the harness needs.
type Bridge struct {
	env    Env
	runner Runner
}

func NewBridge(env Env, runner Runner) *Bridge {
	return &Bridge{env: env, runner: runner}
}

func (b *Bridge) adb(args ...string) Command {
	return Command{Name: b.env.ADB, Args: args, Timeout: bridgeTimeout}
}

func (b *Bridge) onDevice(serial string, args ...string) Command {
	return b.adb(append([]string{"-s", serial}, args...)...)
}

// Devices returns the raw `adb devices` output.
func (b *Bridge) Devices() (string, error) {
	res, err := b.runner.Run(b.adb("devices"))
	return res.Output, err
}

// Restart bounces the adb server: kill-server, start-server, devices.
func (b *Bridge) Restart() (err error) {
	_, span := startSpan(b.env, "devctl.Bridge.Restart")
	defer endSpan(span, &err)
	logEvent(b.env, "bridge restart")
	for _, args := range [][]string{{"kill-server"}, {"start-server"}, {"devices"}} {
		if _, err := b.runner.Run(b.adb(args...)); err != nil {
			return fmt.Errorf("adb %s: %w", args[0], err)
		}
	}
	return nil
}

// RestartIfOffline restarts the server when the raw listing mentions an offline device.
func (b *Bridge) RestartIfOffline() (bool, error) {
	raw, err := b.Devices()
	if err != nil {
		return false, err
	}
	if _, unhealthy := ParseBridgeDevices(raw); !unhealthy {
		return false, nil
	}
	return true, b.Restart()
}

func (b *Bridge) Shell(serial string, args ...string) (string, error) {
	res, err := b.runner.Run(b.onDevice(serial, append([]string{"shell"}, args...)...))
	return res.Output, err
}

// EmuKill asks an emulator console to shut the emulator down.
func (b *Bridge) EmuKill(serial string) error {
	_, err := b.runner.Run(b.onDevice(serial, "emu", "kill"))
	return err
}

func (b *Bridge) Install(serial, apk string) (err error) {
	_, span := startSpan(b.env, "devctl.Bridge.Install",
		attribute.String("serial", serial),
		attribute.String("apk", apk),
	)
	defer endSpan(span, &err)
	res, err := b.runner.Run(b.onDevice(serial, "install", "-r", apk))
	if err != nil {
		return err
	}
	if !strings.Contains(res.Output, "Success") {
		return fmt.Errorf("failed to install %s on %s\n%s", apk, serial, res.Output)
	}
	logEvent(b.env, "apk installed", "serial", serial, "apk", apk)
	return nil
}

func (b *Bridge) Uninstall(serial, pkg string) error {
	out, err := b.Shell(serial, "pm", "uninstall", pkg)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return fmt.Errorf("failed to uninstall %s from %s\n%s", pkg, serial, out)
	}
	return nil
}

func (b *Bridge) ListThirdPartyPackages(serial string) ([]string, error) {
	out, err := b.Shell(serial, "pm", "list", "packages", "-3")
	if err != nil {
		return nil, err
	}
	return ParsePackages(out), nil
}

// UninstallByPrefix removes every third-party package whose id starts with
// prefix; an empty prefix removes them all.
func (b *Bridge) UninstallByPrefix(serial, prefix string) error {
	pkgs, err := b.ListThirdPartyPackages(serial)
	if err != nil {
		return err
	}
	var errs []error
	for _, pkg := range pkgs {
		if !strings.HasPrefix(pkg, prefix) {
			continue
		}
		if err := b.Uninstall(serial, pkg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PackageID reads the package name of an apk with aapt from $SDK/build-tools.
func (b *Bridge) PackageID(apk string) (string, error) {
	aapt, err := findAapt(b.env.SDKRoot)
	if err != nil {
		return "", err
	}
	res, err := b.runner.Run(Command{Name: aapt, Args: []string{"dump", "badging", apk}, Timeout: bridgeTimeout})
	if err != nil {
		return "", err
	}
	id := ParseBadgingPackage(res.Output)
	if id == "" {
		return "", fmt.Errorf("no package id in aapt output for %s\n%s", apk, res.Output)
	}
	return id, nil
}

func findAapt(sdk string) (string, error) {
	if sdk == "" {
		return "", ErrMissingSDKRoot
	}
	found := ""
	root := filepath.Join(sdk, "build-tools")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && (d.Name() == "aapt" || d.Name() == "aapt.exe") {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search aapt: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("aapt not found under %s", root)
	}
	return found, nil
}

// CatAppFile prints a file from the private files/ dir of a debuggable app.
func (b *Bridge) CatAppFile(serial, pkg, path string) (string, error) {
	return b.Shell(serial, "run-as", pkg, "cat", "files/"+path)
}

// PathExists polls until path shows up in the app's files/ dir or timeout elapses.
func (b *Bridge) PathExists(serial, pkg, path string, timeout time.Duration) bool {
	return PollUntil(b.env.clock(), func() bool { return b.pathPresent(serial, pkg, path) }, pathPollInterval, timeout)
}

// PathMissing polls until path is gone from the app's files/ dir or timeout elapses.
func (b *Bridge) PathMissing(serial, pkg, path string, timeout time.Duration) bool {
	return PollUntil(b.env.clock(), func() bool { return !b.pathPresent(serial, pkg, path) }, pathPollInterval, timeout)
}

func (b *Bridge) pathPresent(serial, pkg, path string) bool {
	out, err := b.Shell(serial, "run-as", pkg, "ls", "files/"+path)
	if err != nil {
		return false
	}
	return !strings.Contains(out, "No such file")
}

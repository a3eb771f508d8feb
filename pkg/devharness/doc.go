// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

/*
Package devharness drives the devices an end-to-end test suite for a mobile
CLI runs against: Android emulators and physical devices through adb, iOS
simulators through xcrun simctl and instruments.

# Quick Start

	import "github.com/forkbombeu/devharness/pkg/devharness"

	func main() {
		mgr := devharness.NewWithCorrelationID("run-42")

		// Boot the default emulator unless one is already connected
		if _, err := mgr.EnsureEmulator(); err != nil {
			log.Fatal(err)
		}

		// Start the CLI under test and wait for its output
		proc, _ := mgr.RunCLI(devharness.Android, "--path", "./app")
		defer proc.Stop(5 * time.Second)
		err := mgr.WaitForLog(proc, devharness.WatchOptions{
			MustContain:    []string{"Successfully synced application"},
			MustNotContain: []string{"Unable to apply changes"},
		})
	}

# Waiting

Every wait is a fixed-interval sleep-then-check loop with a timeout. A wait
that times out reports false (device waits) or a *devctl.WatchTimeoutError
(log waits); nothing is retried behind the caller's back, except that an
emulator wait restarts the adb server once when the device has not shown up
after two minutes.

Device listings are never cached. Call Devices again instead of holding on
to a result across test scenarios.

# Environment Configuration

By default, the manager detects its configuration from environment variables:
  - ANDROID_HOME or ANDROID_SDK_ROOT
  - DEVHARNESS_CLI (mobile CLI under test, default tns)
  - DEVHARNESS_EMULATOR_IMAGE (default Api19)
  - DEVHARNESS_SIMULATOR_NAME (default "iPhone 6s 90")
  - DEVHARNESS_CORRELATION_ID

Use NewWithEnv() to override them, or NewFromConfig() to read a
devharness.yaml file.

# Thread Safety

There is one shared emulator and one shared simulator per host. Every
Manager method that talks to a device, the adb server or simctl takes the
manager's lock, listings included, since an Android listing restarts the adb
server when it sees an offline device. Concurrent callers are serialised.
RunCLI, WaitForLog, BuildCLI, KillCLI, AppID and FindFreePort run without the
lock. Separate Managers do not coordinate.

# License

AGPL-3.0-only

Copyright (C) 2025 Forkbomb B.V.
*/
package devharness

// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package devctl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadEnv layers an optional config file and DEVHARNESS_* variables over Detect().
// An empty path looks for devharness.{yaml,json,toml} in the working directory.
func LoadEnv(path string) (Env, error) {
	base := Detect()

	v := viper.New()
	v.SetEnvPrefix("DEVHARNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sdk_root", base.SDKRoot)
	v.SetDefault("cli", base.CLI)
	v.SetDefault("xcrun", base.Xcrun)
	v.SetDefault("instruments", base.Instruments)
	v.SetDefault("emulator_image", base.DefaultEmulatorImage)
	v.SetDefault("simulator_name", base.DefaultSimulatorName)
	v.SetDefault("emulator_port", base.DefaultPort)
	v.SetDefault("emulator_boot_timeout", base.EmulatorBootTimeout)
	v.SetDefault("simulator_boot_timeout", base.SimulatorBootTimeout)
	v.SetDefault("bridge_watchdog", base.BridgeWatchdog)
	v.SetDefault("command_log", "command")
	v.SetDefault("cli_log_dir", base.CLILogDir)
	v.SetDefault("correlation_id", base.CorrelationID)
	if err := v.BindEnv("sdk_root", "DEVHARNESS_SDK_ROOT", "ANDROID_HOME", "ANDROID_SDK_ROOT"); err != nil {
		return Env{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Env{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("devharness")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Env{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	level, err := ParseCommandLogLevel(v.GetString("command_log"))
	if err != nil {
		return Env{}, err
	}

	env := base
	env.SDKRoot = v.GetString("sdk_root")
	env.CLI = v.GetString("cli")
	env.Xcrun = v.GetString("xcrun")
	env.Instruments = v.GetString("instruments")
	env.DefaultEmulatorImage = v.GetString("emulator_image")
	env.DefaultSimulatorName = v.GetString("simulator_name")
	env.DefaultPort = v.GetInt("emulator_port")
	env.EmulatorBootTimeout = v.GetDuration("emulator_boot_timeout")
	env.SimulatorBootTimeout = v.GetDuration("simulator_boot_timeout")
	env.BridgeWatchdog = v.GetDuration("bridge_watchdog")
	env.CommandLogLevel = level
	env.CLILogDir = v.GetString("cli_log_dir")
	env.CorrelationID = v.GetString("correlation_id")
	if env.SDKRoot != "" {
		env.ADB = sdkTool(env.SDKRoot, "platform-tools", "adb")
		env.Emulator = sdkTool(env.SDKRoot, "emulator", "emulator")
	}
	if adb := v.GetString("adb"); adb != "" {
		env.ADB = adb
	}
	if emu := v.GetString("emulator"); emu != "" {
		env.Emulator = emu
	}
	return env, nil
}

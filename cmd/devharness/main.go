// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	core "github.com/forkbombeu/devharness/internal/devctl"
)

var version = "dev"

func main() {
	var (
		env        core.Env
		runner     core.Runner
		configPath string
		logFormat  string
		logLevel   string
		commandLog string
		shutdown   = func(context.Context) error { return nil }
	)

	root := &cobra.Command{
		Use:           "devharness",
		Short:         "Device harness for mobile CLI end-to-end tests (adb, emulator, simctl)",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			logger, err := newLogger(os.Stderr, logFormat, logLevel)
			if err != nil {
				return err
			}
			core.SetLogger(logger)

			env, err = core.LoadEnv(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("command-log") {
				if env.CommandLogLevel, err = core.ParseCommandLogLevel(commandLog); err != nil {
					return err
				}
			}
			if env.CorrelationID == "" {
				env.CorrelationID = uuid.New().String()
			}
			env.Context = cmd.Context()
			env = env.WithDefaults()

			if shutdown, err = setupTracing(cmd.Context()); err != nil {
				return fmt.Errorf("tracing: %w", err)
			}
			runner = core.NewExecRunner(env)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return shutdown(context.Background())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./devharness.{yaml,json,toml} if present)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&commandLog, "command-log", "command", "external command logging (full, command, silent)")

	// version
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	// devices
	var devPlatform string
	var devJSON bool
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List online devices for a platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := core.ParsePlatform(devPlatform)
			if err != nil {
				return err
			}
			if platform == core.PlatformAndroid {
				if err := env.Validate(); err != nil {
					return err
				}
			}
			devices, err := core.NewRegistry(env, runner).ListDevices(platform)
			if err != nil {
				return err
			}
			if devJSON {
				return printJSON(devices)
			}
			if len(devices) == 0 {
				fmt.Println("(no devices)")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%-40s %-10s %-8s %s\n", d.ID, d.Kind, d.Platform, stateLabel(string(d.State)))
			}
			return nil
		},
	}
	devicesCmd.Flags().StringVar(&devPlatform, "platform", "android", "platform (android, ios)")
	devicesCmd.Flags().BoolVar(&devJSON, "json", false, "output JSON")
	root.AddCommand(devicesCmd)

	// bridge
	bridgeCmd := &cobra.Command{Use: "bridge", Short: "adb server maintenance"}
	bridgeCmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Restart the adb server (kill-server, start-server, devices)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := env.Validate(); err != nil {
				return err
			}
			if err := core.NewBridge(env, runner).Restart(); err != nil {
				return err
			}
			success("adb server restarted")
			return nil
		},
	})
	root.AddCommand(bridgeCmd)

	root.AddCommand(emulatorCommand(&env, &runner))
	root.AddCommand(simulatorCommand(&env, &runner))
	root.AddCommand(watchCommand(&env, &runner))
	root.AddCommand(appCommand(&env, &runner))
	root.AddCommand(cliCommand(&env, &runner))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, paint(badStyle, "error: ")+err.Error())
		os.Exit(1)
	}
}

func emulatorCommand(env *core.Env, runner *core.Runner) *cobra.Command {
	emuCmd := &cobra.Command{
		Use:   "emulator",
		Short: "Start, stop and wait for Android emulators",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// cobra only runs the nearest persistent pre-run
			if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
				return err
			}
			return env.Validate()
		},
	}

	// start
	var image string
	var port int
	var timeout time.Duration
	var wait bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start an emulator image with wiped user data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if image == "" {
				image = env.DefaultEmulatorImage
			}
			if port == 0 {
				port = env.DefaultPort
			}
			started := time.Now()
			s, err := core.NewEmulatorController(*env, *runner).Start(image, port, timeout, wait)
			if err != nil {
				return err
			}
			state := "booting"
			if wait {
				state = "ready"
			}
			fmt.Printf("Started %s on %s (pid %d, log: %s) %s in %s\n", image, s.Serial, s.Process.Pid, s.LogPath, stateLabel(state), since(started))
			return nil
		},
	}
	startCmd.Flags().StringVar(&image, "image", "", "AVD name (default: $DEVHARNESS_EMULATOR_IMAGE or Api19)")
	startCmd.Flags().IntVar(&port, "port", 0, "even console port in 5554-5800 (default: 5554)")
	startCmd.Flags().DurationVar(&timeout, "timeout", 300*time.Second, "boot timeout")
	startCmd.Flags().BoolVar(&wait, "wait", true, "wait until the mobile CLI lists the emulator")
	emuCmd.AddCommand(startCmd)

	// ensure
	emuCmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Boot the default emulator unless one is already connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			already, err := core.NewEmulatorController(*env, *runner).EnsureAvailable()
			if err != nil {
				return err
			}
			if already {
				fmt.Println("Emulator already running")
				return nil
			}
			success("Emulator %s ready in %s", env.DefaultEmulatorImage, since(started))
			return nil
		},
	})

	// wait
	var waitTimeout time.Duration
	waitCmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until the mobile CLI lists a device id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			if !core.NewEmulatorController(*env, *runner).WaitForDevice(args[0], waitTimeout) {
				return fmt.Errorf("%s not listed after %s", args[0], since(started))
			}
			success("%s listed after %s", args[0], since(started))
			return nil
		},
	}
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 300*time.Second, "wait timeout")
	emuCmd.AddCommand(waitCmd)

	// stop
	var all bool
	stopCmd := &cobra.Command{
		Use:   "stop [SERIAL]",
		Short: "Stop an emulator by serial, or every emulator process with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl := core.NewEmulatorController(*env, *runner)
			if all {
				ctl.StopAll()
				success("Stopped all emulators")
				return nil
			}
			if len(args) == 0 {
				return errors.New("use SERIAL or --all")
			}
			if err := ctl.Stop(args[0]); err != nil {
				return err
			}
			success("Stopped %s", args[0])
			return nil
		},
	}
	stopCmd.Flags().BoolVar(&all, "all", false, "kill every emulator process on the host")
	emuCmd.AddCommand(stopCmd)

	// ps
	var psJSON bool
	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "List running emulators with AVD name, serial, port and boot state",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, err := core.NewEmulatorController(*env, *runner).Running()
			if err != nil {
				return err
			}
			if psJSON {
				return printJSON(running)
			}
			if len(running) == 0 {
				fmt.Println("(no emulators)")
				return nil
			}
			for _, r := range running {
				state := "booting"
				if r.Booted {
					state = "ready"
				}
				fmt.Printf("%-18s %-14s port=%-5d %s\n", r.Name, r.Serial, r.Port, stateLabel(state))
			}
			return nil
		},
	}
	psCmd.Flags().BoolVar(&psJSON, "json", false, "output JSON")
	emuCmd.AddCommand(psCmd)

	return emuCmd
}

func simulatorCommand(env *core.Env, runner *core.Runner) *cobra.Command {
	simCmd := &cobra.Command{
		Use:   "simulator",
		Short: "Create, boot and remove iOS simulators",
	}
	ctl := func() *core.SimulatorController { return core.NewSimulatorController(*env, *runner) }

	// create
	var deviceType, osVersion string
	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a simulator and print its UUID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ctl().Create(args[0], deviceType, osVersion)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	createCmd.Flags().StringVar(&deviceType, "type", "iPhone 6s", "device type")
	createCmd.Flags().StringVar(&osVersion, "os", "9.0", "iOS version")
	simCmd.AddCommand(createCmd)

	// start
	var timeout time.Duration
	var wait bool
	startCmd := &cobra.Command{
		Use:   "start [NAME]",
		Short: "Launch a simulator through instruments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := env.DefaultSimulatorName
			if len(args) == 1 {
				name = args[0]
			}
			started := time.Now()
			if err := ctl().Start(name, timeout, wait); err != nil {
				return err
			}
			success("Started %s in %s", name, since(started))
			return nil
		},
	}
	startCmd.Flags().DurationVar(&timeout, "timeout", 300*time.Second, "boot timeout")
	startCmd.Flags().BoolVar(&wait, "wait", true, "wait for simctl to report Booted")
	simCmd.AddCommand(startCmd)

	// ensure
	var ensureType, ensureOS string
	ensureCmd := &cobra.Command{
		Use:   "ensure [NAME]",
		Short: "Print the UUID of a booted simulator, creating and booting it if needed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := env.DefaultSimulatorName
			if len(args) == 1 {
				name = args[0]
			}
			id, err := ctl().EnsureAvailable(name, ensureType, ensureOS)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	ensureCmd.Flags().StringVar(&ensureType, "type", "", "device type used when the simulator must be created")
	ensureCmd.Flags().StringVar(&ensureOS, "os", "9.0", "iOS version used when the simulator must be created")
	simCmd.AddCommand(ensureCmd)

	// stop
	simCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Kill the simulator app",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl().StopAll()
			success("Stopped simulators")
			return nil
		},
	})

	// delete
	simCmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a simulator, booted or not",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctl().Delete(args[0])
		},
	})

	// id
	simCmd.AddCommand(&cobra.Command{
		Use:   "id NAME",
		Short: "Print the UUID of a booted simulator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ctl().GetIDByName(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})

	// list
	var listJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List simulators with OS version and boot state",
		RunE: func(cmd *cobra.Command, args []string) error {
			sims, err := ctl().List()
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(sims)
			}
			for _, s := range sims {
				fmt.Printf("%-24s iOS %-6s %s %s\n", s.Name, s.OSVersion, s.UUID, stateLabel(string(s.State)))
			}
			return nil
		},
	}
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output JSON")
	simCmd.AddCommand(listCmd)

	return simCmd
}

func watchCommand(env *core.Env, runner *core.Runner) *cobra.Command {
	var (
		logPath   string
		markers   string
		platform  string
		expect    []string
		forbid    []string
		timeout   time.Duration
		interval  time.Duration
		stopGrace time.Duration
		keepAlive bool
	)
	cmd := &cobra.Command{
		Use:   "watch [-- CLI_RUN_ARGS...]",
		Short: "Wait for markers in a log file, or in the output of `<cli> run <platform>`",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := core.WatchOptions{Timeout: timeout, PollInterval: interval}
			if markers != "" {
				loaded, err := core.LoadMarkers(markers)
				if err != nil {
					return err
				}
				opts = loaded
				if cmd.Flags().Changed("timeout") || opts.Timeout == 0 {
					opts.Timeout = timeout
				}
				if cmd.Flags().Changed("interval") || opts.PollInterval == 0 {
					opts.PollInterval = interval
				}
			}
			opts.MustContain = append(opts.MustContain, expect...)
			opts.MustNotContain = append(opts.MustNotContain, forbid...)
			if len(opts.MustContain) == 0 {
				return errors.New("nothing to wait for: use --expect or --markers")
			}

			var stream *core.LogStream
			if logPath != "" {
				s, err := core.OpenLogFile(logPath)
				if err != nil {
					return err
				}
				stream = s
			} else {
				p, err := core.ParsePlatform(platform)
				if err != nil {
					return err
				}
				proc, err := core.NewMobileCLI(*env, *runner).Run(p, args...)
				if err != nil {
					return err
				}
				if !keepAlive {
					defer func() { _ = proc.Stop(stopGrace) }()
				}
				fmt.Fprintf(os.Stderr, "%s pid %d, log %s\n", proc.Command.String(), proc.Pid, proc.LogPath)
				stream = proc.Log
			}

			started := time.Now()
			if err := core.WaitFor(*env, stream, opts); err != nil {
				return err
			}
			success("All %d markers seen in %s", len(opts.MustContain), since(started))
			return nil
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "", "follow this log file instead of starting the CLI")
	cmd.Flags().StringVar(&markers, "markers", "", "YAML file with expect/forbid/timeout")
	cmd.Flags().StringVar(&platform, "platform", "android", "platform passed to `<cli> run`")
	cmd.Flags().StringSliceVar(&expect, "expect", nil, "text that must appear (repeatable)")
	cmd.Flags().StringSliceVar(&forbid, "forbid", nil, "text that must not appear (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 120*time.Second, "wait timeout")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	cmd.Flags().DurationVar(&stopGrace, "stop-grace", 5*time.Second, "grace period before the CLI is killed")
	cmd.Flags().BoolVar(&keepAlive, "keep", false, "leave the CLI running after the wait")
	return cmd
}

func appCommand(env *core.Env, runner *core.Runner) *cobra.Command {
	appCmd := &cobra.Command{
		Use:   "app",
		Short: "Install, remove and inspect the app under test",
	}
	bridge := func() *core.Bridge { return core.NewBridge(*env, *runner) }
	android := func(cmd *cobra.Command, args []string) error {
		if err := cmd.Root().PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return env.Validate()
	}

	// install
	appCmd.AddCommand(&cobra.Command{
		Use:               "install SERIAL APK",
		Short:             "Install or reinstall an apk",
		Args:              cobra.ExactArgs(2),
		PersistentPreRunE: android,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bridge().Install(args[0], args[1]); err != nil {
				return err
			}
			success("Installed %s on %s", args[1], args[0])
			return nil
		},
	})

	// uninstall
	var prefix string
	uninstallCmd := &cobra.Command{
		Use:               "uninstall SERIAL",
		Short:             "Remove third-party packages, optionally only those matching --prefix",
		Args:              cobra.ExactArgs(1),
		PersistentPreRunE: android,
		RunE: func(cmd *cobra.Command, args []string) error {
			return bridge().UninstallByPrefix(args[0], prefix)
		},
	}
	uninstallCmd.Flags().StringVar(&prefix, "prefix", "", "package id prefix (default: every third-party package)")
	appCmd.AddCommand(uninstallCmd)

	// id
	appCmd.AddCommand(&cobra.Command{
		Use:               "id APK",
		Short:             "Print the package id of an apk (aapt dump badging)",
		Args:              cobra.ExactArgs(1),
		PersistentPreRunE: android,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := bridge().PackageID(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	})

	// cat
	var catPlatform string
	catCmd := &cobra.Command{
		Use:   "cat DEVICE APP PATH",
		Short: "Print a file written by the app (Android: files/ dir, iOS: app container)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := core.ParsePlatform(catPlatform)
			if err != nil {
				return err
			}
			var out string
			if platform == core.PlatformIOS {
				out, err = core.NewSimulatorController(*env, *runner).CatAppFile(args[0], args[1], args[2])
			} else {
				out, err = bridge().CatAppFile(args[0], args[1], args[2])
			}
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	catCmd.Flags().StringVar(&catPlatform, "platform", "android", "platform (android, ios)")
	appCmd.AddCommand(catCmd)

	// wait
	var gone bool
	var waitTimeout time.Duration
	waitCmd := &cobra.Command{
		Use:               "wait SERIAL PACKAGE PATH",
		Short:             "Wait until a file shows up (or with --gone, disappears) in the app's files/ dir",
		Args:              cobra.ExactArgs(3),
		PersistentPreRunE: android,
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			b := bridge()
			var ok bool
			if gone {
				ok = b.PathMissing(args[0], args[1], args[2], waitTimeout)
			} else {
				ok = b.PathExists(args[0], args[1], args[2], waitTimeout)
			}
			if !ok {
				return fmt.Errorf("%s not in the expected state after %s", args[2], since(started))
			}
			success("%s settled in %s", args[2], since(started))
			return nil
		},
	}
	waitCmd.Flags().BoolVar(&gone, "gone", false, "wait for the file to be removed")
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 60*time.Second, "wait timeout")
	appCmd.AddCommand(waitCmd)

	return appCmd
}

func cliCommand(env *core.Env, runner *core.Runner) *cobra.Command {
	cliCmd := &cobra.Command{
		Use:   "cli",
		Short: "Drive the mobile CLI under test",
	}

	// build
	var timeout time.Duration
	buildCmd := &cobra.Command{
		Use:   "build PLATFORM [-- ARGS...]",
		Short: "Run `<cli> build <platform>` and require a success marker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			platform, err := core.ParsePlatform(args[0])
			if err != nil {
				return err
			}
			started := time.Now()
			res, err := core.NewMobileCLI(*env, *runner).Build(platform, timeout, args[1:]...)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, paint(dimStyle, lastOutputLine(res.Output)))
			success("Built %s in %s", platform, since(started))
			return nil
		},
	}
	buildCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "build timeout")
	cliCmd.AddCommand(buildCmd)

	// kill
	cliCmd.AddCommand(&cobra.Command{
		Use:   "kill",
		Short: "Force-kill leftover CLI processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			core.NewMobileCLI(*env, *runner).Kill()
			success("Killed %s processes", env.CLI)
			return nil
		},
	})

	return cliCmd
}

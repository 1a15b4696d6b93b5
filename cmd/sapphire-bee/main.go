// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/docker"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/process"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

// app carries the persistent flags and the collaborators commands use.
type app struct {
	configPath string
	verbose    bool

	stdout io.Writer
	stderr io.Writer

	// runner executes docker; tests substitute a fake.
	runner docker.Runner

	// isTerminal reports whether stdout is an interactive terminal.
	isTerminal func() bool
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdout:     stdout,
		stderr:     stderr,
		runner:     docker.CLI{},
		isTerminal: func() bool { return stdoutIsTerminal(stdout) },
	}
	return a.rootCommand()
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sapphire-bee",
		Short:         "Network-isolated sandbox for a coding agent",
		Long:          "sapphire-bee renders, runs and verifies a sandboxed agent stack whose only network path is an allowlisted DNS filter and a fleet of SNI proxies.",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetVersionTemplate("sapphire-bee {{.Version}}\n")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default: $"+config.EnvironmentVariable+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log at debug level")
	root.PersistentPreRun = func(*cobra.Command, []string) {
		level := slog.LevelInfo
		if a.verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})))
	}

	root.AddCommand(
		a.renderCommand(),
		a.upCommand(),
		a.downCommand(),
		a.verifyCommand(),
		a.probeCommand(),
		a.tokenCommand(),
		a.configCommand(),
		a.versionCommand(),
	)
	return root
}

// loadConfig reads --config, or the file named by SAPPHIRE_CONFIG, and
// validates it.
func (a *app) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if a.configPath != "" {
		cfg, err = config.LoadFile(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version, toolchain and platform",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("sapphire-bee " + version.Full())
		},
	}
}

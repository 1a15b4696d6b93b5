// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/process"
	"github.com/SapphireBeehiveStudios/sapphire-bee/sandbox"
)

// probeOptions are the probe command's flags.
type probeOptions struct {
	offline   bool
	uid       int
	workspace string
	proxies   []string
	external  []string
}

// environment applies the flags that were set over the reference
// agent's expectations.
func (o probeOptions) environment(flags *pflag.FlagSet) sandbox.ProbeEnvironment {
	environment := sandbox.DefaultProbeEnvironment(o.offline)
	if flags.Changed("uid") {
		environment.UID = o.uid
	}
	if o.workspace != "" {
		environment.Workspace = o.workspace
	}
	if len(o.proxies) > 0 {
		environment.ProxyAddresses = o.proxies
	}
	if len(o.external) > 0 {
		environment.ExternalAddresses = o.external
	}
	return environment
}

func (a *app) probeCommand() *cobra.Command {
	var options probeOptions
	command := &cobra.Command{
		Use:   "probe",
		Short: "Run the containment probes from inside the agent (exit 2 on failure)",
		Long: "probe attempts the escapes the sandbox must prevent: running as root, regaining privileges, " +
			"writing outside the workspace, reading host secrets and reaching the network other than through a proxy. " +
			"It needs no config file and is meant to run inside the agent container.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			environment := options.environment(cmd.Flags())
			if environment.UID <= 0 {
				return fmt.Errorf("--uid %d: the agent must run as a non-root uid", environment.UID)
			}

			runner := sandbox.NewProbeRunner(sandbox.Probes(environment))
			runner.RunAll(cmd.Context())
			runner.PrintResults(cmd.OutOrStdout())
			if runner.HasFailures() {
				_, failed := runner.Summary()
				return &process.ExitError{Code: 2, Err: fmt.Errorf("%d containment probes failed", failed)}
			}
			return nil
		},
	}
	options.register(command.Flags())
	return command
}

func (o *probeOptions) register(flags *pflag.FlagSet) {
	flags.BoolVar(&o.offline, "offline", false, "expect no network interfaces at all")
	flags.IntVar(&o.uid, "uid", 0, "uid the agent must run as (default: the uid of agent.user in the reference config)")
	flags.StringVar(&o.workspace, "workspace", "", "workspace path that must be writable (default /project)")
	flags.StringSliceVar(&o.proxies, "proxy", nil, "proxy address:port that must be reachable, repeatable")
	flags.StringSliceVar(&o.external, "external", nil, "external address:port that must be unreachable, repeatable (default 8.8.8.8:80, 1.1.1.1:443, 8.8.8.8:53)")
}

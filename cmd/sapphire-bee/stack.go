// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SapphireBeehiveStudios/sapphire-bee/compose"
	"github.com/SapphireBeehiveStudios/sapphire-bee/inspect"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/process"
	"github.com/SapphireBeehiveStudios/sapphire-bee/stack"
)

// declare loads the config and builds its declaration. A non-empty mode
// overrides the configured one, and a non-empty output the configured
// output directory; both pass through the same validation.
func (a *app) declare(mode, output string) (*stack.Declaration, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if mode != "" {
		cfg.Mode = mode
	}
	if output != "" {
		cfg.Project.OutputDirectory = output
	}
	return stack.Declare(cfg)
}

func (a *app) orchestrator() *compose.Orchestrator {
	return &compose.Orchestrator{Runner: a.runner}
}

func (a *app) renderCommand() *cobra.Command {
	var mode, output string
	command := &cobra.Command{
		Use:   "render",
		Short: "Write the compose files and allowlist for the configured mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			declaration, err := a.declare(mode, output)
			if err != nil {
				return err
			}
			paths, err := compose.WriteFiles(declaration)
			if err != nil {
				return err
			}
			for _, path := range paths {
				cmd.Println(path)
			}
			return nil
		},
	}
	command.Flags().StringVar(&mode, "mode", "", "override the configured mode (networked or offline)")
	command.Flags().StringVarP(&output, "output", "o", "", "output directory outside the workspace (default: project.output_directory)")
	return command
}

func (a *app) upCommand() *cobra.Command {
	var mode, output string
	command := &cobra.Command{
		Use:   "up",
		Short: "Render and start the stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			declaration, err := a.declare(mode, output)
			if err != nil {
				return err
			}
			return a.orchestrator().Up(cmd.Context(), declaration)
		},
	}
	command.Flags().StringVar(&mode, "mode", "", "override the configured mode (networked or offline)")
	command.Flags().StringVarP(&output, "output", "o", "", "output directory outside the workspace (default: project.output_directory)")
	return command
}

func (a *app) downCommand() *cobra.Command {
	var mode, output string
	command := &cobra.Command{
		Use:   "down",
		Short: "Stop and remove the stack; succeeds if it is not running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			declaration, err := a.declare(mode, output)
			if err != nil {
				return err
			}
			return a.orchestrator().Down(cmd.Context(), declaration)
		},
	}
	command.Flags().StringVar(&mode, "mode", "", "override the configured mode (networked or offline)")
	command.Flags().StringVarP(&output, "output", "o", "", "output directory outside the workspace (default: project.output_directory)")
	return command
}

func (a *app) verifyCommand() *cobra.Command {
	var mode string
	command := &cobra.Command{
		Use:   "verify",
		Short: "Check the running stack against its declaration (exit 2 on failure)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			declaration, err := a.declare(mode, "")
			if err != nil {
				return err
			}
			containers, err := inspect.DockerInspector{Runner: a.runner}.Inspect(cmd.Context(), declaration.Project)
			if err != nil {
				return err
			}
			report := inspect.Verify(declaration, containers)
			report.Print(cmd.OutOrStdout())
			if !report.Passed() {
				return &process.ExitError{
					Code: 2,
					Err:  fmt.Errorf("stack %s failed %d checks", declaration.Project, len(report.Failures())),
				}
			}
			return nil
		},
	}
	command.Flags().StringVar(&mode, "mode", "", "override the configured mode (networked or offline)")
	return command
}

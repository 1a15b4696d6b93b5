// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
	"github.com/SapphireBeehiveStudios/sapphire-bee/stack"
)

func (a *app) configCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file format",
	}
	command.AddCommand(
		&cobra.Command{
			Use:   "schema",
			Short: "Print the JSON Schema of the config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				schema, err := config.Schema()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the config and the stack it declares",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				declaration, err := stack.Declare(cfg)
				if err != nil {
					return err
				}
				cmd.Printf("%s: %s mode, %d services\n", declaration.Project, declaration.Mode, len(declaration.Services))
				return nil
			},
		},
	)
	return command
}

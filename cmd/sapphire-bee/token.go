// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/githubapp"
)

// TokenVariable is the agent environment variable the token is
// delivered in.
const TokenVariable = "GITHUB_PERSONAL_ACCESS_TOKEN"

func (a *app) tokenCommand() *cobra.Command {
	var envFile string
	var allowTerminal bool
	command := &cobra.Command{
		Use:   "token",
		Short: "Mint a repository-scoped GitHub installation token for the agent",
		Long: "token exchanges the configured GitHub App key for a one-hour installation token limited to " +
			"github.repositories and github.permissions, and writes it as " + TokenVariable + "=... " +
			"to --env-file (mode 0600) or to stdout.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile == "" && !allowTerminal && a.isTerminal() {
				return fmt.Errorf("refusing to write a token to a terminal; use --env-file or --print")
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			issuer, err := githubapp.LoadIssuer(cfg.GitHub)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(cmd.Context(), githubapp.ScopeFromConfig(cfg.GitHub))
			if err != nil {
				return err
			}
			slog.Info("installation token issued",
				"token", token,
				"expires_in", token.ExpiresIn(time.Now()).Round(time.Second).String(),
			)

			line := TokenVariable + "=" + token.Value + "\n"
			if envFile == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), line)
				return err
			}
			return writeEnvFile(envFile, line)
		},
	}
	command.Flags().StringVar(&envFile, "env-file", "", "write the token to this file, created with mode 0600")
	command.Flags().BoolVar(&allowTerminal, "print", false, "allow writing the token to an interactive terminal")
	return command
}

// writeEnvFile replaces path with content, owner read/write only.
func writeEnvFile(path, content string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if err := file.Chmod(0o600); err != nil {
		file.Close()
		return fmt.Errorf("restricting %s: %w", path, err)
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}

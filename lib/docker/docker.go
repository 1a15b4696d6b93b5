// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package docker runs the docker CLI. Callers that need to be tested
// without a container engine depend on [Runner] and substitute a fake.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes one docker invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// CLI is a [Runner] backed by the docker binary.
type CLI struct {
	// Binary defaults to "docker" resolved through PATH.
	Binary string

	// Directory is the working directory for every invocation. Empty
	// means the current directory.
	Directory string
}

// CommandError is a docker invocation that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("docker %s: exit status %d (stderr: %s)",
		strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

// Run executes docker with args. A non-zero exit is returned as a
// *CommandError carrying the trimmed stderr.
func (c CLI) Run(ctx context.Context, args ...string) ([]byte, error) {
	binary := c.Binary
	if binary == "" {
		binary = "docker"
	}
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, binary, args...)
	command.Dir = c.Directory
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return stdout.Bytes(), &CommandError{
				Args:     args,
				ExitCode: exitError.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return nil, fmt.Errorf("docker %s: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

// StderrContains reports whether err is a *CommandError whose stderr
// contains substring, compared case-insensitively.
func StderrContains(err error, substring string) bool {
	var commandError *CommandError
	if !errors.As(err, &commandError) {
		return false
	}
	return strings.Contains(strings.ToLower(commandError.Stderr), strings.ToLower(substring))
}

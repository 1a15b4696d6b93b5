// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/docker"
	"github.com/SapphireBeehiveStudios/sapphire-bee/stack"
)

// Orchestrator brings declared stacks up and down with docker compose.
// It satisfies stack.Orchestrator.
type Orchestrator struct {
	// Runner executes docker. Defaults to docker.CLI{}.
	Runner docker.Runner

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

var _ stack.Orchestrator = (*Orchestrator)(nil)

// Up renders declaration and starts it detached. Containers that are
// already running with an unchanged definition are left alone.
func (o *Orchestrator) Up(ctx context.Context, declaration *stack.Declaration) error {
	files, err := WriteFiles(declaration)
	if err != nil {
		return err
	}
	args := append(o.projectArgs(declaration, files), "up", "--detach", "--remove-orphans")
	if _, err := o.runner().Run(ctx, args...); err != nil {
		return fmt.Errorf("compose up %s: %w", declaration.Project, err)
	}
	o.logger().Info("stack up",
		"project", declaration.Project,
		"mode", declaration.Mode.String(),
		"services", len(declaration.Services),
	)
	return nil
}

// Down stops and removes the stack's containers and networks. Tearing
// down a stack that is not running succeeds, and compose files missing
// from the output directory are rendered first.
func (o *Orchestrator) Down(ctx context.Context, declaration *stack.Declaration) error {
	files, err := o.existingFiles(declaration)
	if err != nil {
		return err
	}
	args := append(o.projectArgs(declaration, files), "down", "--remove-orphans")
	if _, err := o.runner().Run(ctx, args...); err != nil {
		if docker.StderrContains(err, "no such project") || docker.StderrContains(err, "no resource found") {
			o.logger().Info("stack already down", "project", declaration.Project)
			return nil
		}
		return fmt.Errorf("compose down %s: %w", declaration.Project, err)
	}
	o.logger().Info("stack down", "project", declaration.Project)
	return nil
}

func (o *Orchestrator) existingFiles(declaration *stack.Declaration) ([]string, error) {
	var paths []string
	for _, name := range Files(declaration) {
		path := filepath.Join(declaration.OutputDirectory, name)
		if _, err := os.Stat(path); err != nil {
			return WriteFiles(declaration)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (o *Orchestrator) projectArgs(declaration *stack.Declaration, files []string) []string {
	args := []string{"compose", "--project-name", declaration.Project}
	for _, file := range files {
		args = append(args, "--file", file)
	}
	return args
}

func (o *Orchestrator) runner() docker.Runner {
	if o.Runner == nil {
		return docker.CLI{}
	}
	return o.Runner
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

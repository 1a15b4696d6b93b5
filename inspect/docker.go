// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package inspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/docker"
)

// ProjectLabel is set by compose on every container of a project.
const ProjectLabel = "com.docker.compose.project"

// DockerInspector reads containers through the docker CLI.
type DockerInspector struct {
	// Runner defaults to docker.CLI{}.
	Runner docker.Runner
}

// Inspect returns every container, running or stopped, of the compose
// project. A project with no containers yields an empty list.
func (i DockerInspector) Inspect(ctx context.Context, project string) ([]Container, error) {
	runner := i.Runner
	if runner == nil {
		runner = docker.CLI{}
	}
	listing, err := runner.Run(ctx, "ps", "--all", "--quiet",
		"--filter", "label="+ProjectLabel+"="+project)
	if err != nil {
		return nil, fmt.Errorf("inspect: listing containers of %s: %w", project, err)
	}
	ids := strings.Fields(string(listing))
	if len(ids) == 0 {
		return nil, nil
	}
	output, err := runner.Run(ctx, append([]string{"inspect"}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	return Parse(output)
}

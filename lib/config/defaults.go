// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"time"
)

// Reference deployment values.
const (
	DefaultInternalSegment = "sandbox_net"
	DefaultEgressSegment   = "egress_net"
	DefaultInternalSubnet  = "10.100.1.0/24"
	DefaultEgressSubnet    = "10.100.2.0/24"
	DefaultDNSFilter       = "10.100.1.2"
	DefaultAgentAddress    = "10.100.1.100"
	DefaultUser            = "1000:1000"
	DefaultWorkingDir      = "/project"
)

// DefaultProjectName is the project name when the config sets none.
const DefaultProjectName = "sapphire-bee"

// DefaultOutputDirectory is where project's stack is rendered unless
// project.output_directory says otherwise: a per-project directory under
// $XDG_STATE_HOME (or ~/.local/state), never inside a workspace.
func DefaultOutputDirectory(project string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, ".local", "state")
		} else {
			base = os.TempDir()
		}
	}
	return filepath.Join(base, "sapphire-bee", project)
}

// Default returns the reference deployment configuration. LoadFile
// decodes the config file over this value.
func Default() *Config {
	return &Config{
		Mode: "networked",
		Project: ProjectConfig{
			Name:            DefaultProjectName,
			Workspace:       ".",
			OutputDirectory: DefaultOutputDirectory(DefaultProjectName),
		},
		Network: NetworkConfig{
			Internal: SegmentConfig{
				Name:    DefaultInternalSegment,
				Subnet:  DefaultInternalSubnet,
				Gateway: "10.100.1.1",
			},
			Egress: SegmentConfig{
				Name:    DefaultEgressSegment,
				Subnet:  DefaultEgressSubnet,
				Gateway: "10.100.2.1",
			},
			DNSFilterAddress: DefaultDNSFilter,
			AgentAddress:     DefaultAgentAddress,
		},
		DNS: DNSConfig{
			Image:         "ghcr.io/sapphirebeehivestudios/sapphire-dnsfilter:latest",
			ListenAddress: ":53",
			TTL:           Duration(5 * time.Second),
		},
		Proxy: ProxyConfig{
			Image:          "ghcr.io/sapphirebeehivestudios/sapphire-proxy:latest",
			DialAttempts:   2,
			ConnectTimeout: Duration(10 * time.Second),
			DialBackoff:    Duration(250 * time.Millisecond),
			IdleTimeout:    Duration(5 * time.Minute),
			MaxConnections: 256,
		},
		Agent: AgentConfig{
			Image:            "ghcr.io/sapphirebeehivestudios/sapphire-agent:latest",
			User:             DefaultUser,
			WorkingDirectory: DefaultWorkingDir,
			Environment: []string{
				"ANTHROPIC_API_KEY",
				"CLAUDE_CODE_OAUTH_TOKEN",
				"GITHUB_PERSONAL_ACCESS_TOKEN",
			},
		},
		Hardening: HardeningConfig{
			Memory: "2GiB",
			CPUs:   2,
			Pids:   256,
			Tmpfs: []TmpfsConfig{
				{Path: "/tmp", Size: "512MiB", Mode: "1777"},
				{Path: "/home/claude", Size: "256MiB", Mode: "0700"},
			},
		},
		Allowlist: []HostEntry{
			{Address: "10.100.1.10", Hostnames: []string{"github.com", "www.github.com"}},
			{Address: "10.100.1.11", Hostnames: []string{"raw.githubusercontent.com"}},
			{Address: "10.100.1.12", Hostnames: []string{"codeload.github.com"}},
			{Address: "10.100.1.13", Hostnames: []string{"docs.godotengine.org"}},
			{Address: "10.100.1.14", Hostnames: []string{"api.anthropic.com"}},
			{Address: "10.100.1.15", Hostnames: []string{"api.github.com"}},
		},
	}
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable [Load] reads the config path from.
const EnvironmentVariable = "SAPPHIRE_CONFIG"

// Config is the master configuration for one sandboxed agent stack.
type Config struct {
	// Mode is "networked" (allowlisted egress through the proxy fleet)
	// or "offline" (no network attachment at all). Case-insensitive.
	Mode string `yaml:"mode" json:"mode" validate:"required" jsonschema:"enum=networked,enum=offline,enum=NETWORKED,enum=OFFLINE"`

	// Project identifies the stack and the host workspace it exposes.
	Project ProjectConfig `yaml:"project" json:"project"`

	// Network configures the two segments and static addresses.
	Network NetworkConfig `yaml:"network" json:"network"`

	// DNS configures the allowlist resolver.
	DNS DNSConfig `yaml:"dns" json:"dns"`

	// Proxy configures every proxy fleet member.
	Proxy ProxyConfig `yaml:"proxy" json:"proxy"`

	// Agent configures the sandboxed agent container.
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Hardening sets the resource ceilings and scratch mounts applied to
	// the agent. The non-negotiable rules (non-root, read-only root,
	// no capabilities, no-new-privileges) are not configurable.
	Hardening HardeningConfig `yaml:"hardening" json:"hardening"`

	// Allowlist is the complete set of reachable destinations. When
	// AllowlistFile is set it replaces this list entirely.
	Allowlist []HostEntry `yaml:"allowlist" json:"allowlist" validate:"dive"`

	// AllowlistFile is an optional path to a hosts-style allowlist file.
	AllowlistFile string `yaml:"allowlist_file,omitempty" json:"allowlist_file,omitempty"`

	// GitHub configures the short-lived credential exchange. Optional.
	GitHub *GitHubConfig `yaml:"github,omitempty" json:"github,omitempty"`
}

// ProjectConfig identifies the stack.
type ProjectConfig struct {
	// Name is the compose project name: lower-case letters, digits,
	// hyphens and underscores.
	Name string `yaml:"name" json:"name" validate:"required,max=63"`

	// Workspace is the host directory bind-mounted read-write into the
	// agent. It is the only host path the agent can see.
	Workspace string `yaml:"workspace" json:"workspace" validate:"required"`

	// OutputDirectory is where rendered compose files and the allowlist
	// are written. It must lie outside Workspace. Defaults to
	// [DefaultOutputDirectory] for the project name.
	OutputDirectory string `yaml:"output_directory" json:"output_directory" validate:"required"`
}

// NetworkConfig configures the segments and static addresses.
type NetworkConfig struct {
	// Internal is the agent-facing segment. It has no route out.
	Internal SegmentConfig `yaml:"internal" json:"internal"`

	// Egress is the internet-routable segment proxies dial out on.
	Egress SegmentConfig `yaml:"egress" json:"egress"`

	// DNSFilterAddress is the filter's static address on Internal and the
	// agent's only resolver.
	DNSFilterAddress string `yaml:"dns_filter_address" json:"dns_filter_address" validate:"required,ipv4"`

	// AgentAddress is the agent's static address on Internal.
	AgentAddress string `yaml:"agent_address" json:"agent_address" validate:"required,ipv4"`
}

// SegmentConfig describes one network segment.
type SegmentConfig struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Subnet  string `yaml:"subnet" json:"subnet" validate:"required,cidrv4"`
	Gateway string `yaml:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,ipv4"`
}

// DNSConfig configures the allowlist resolver.
type DNSConfig struct {
	Image         string   `yaml:"image" json:"image" validate:"required"`
	ListenAddress string   `yaml:"listen_address" json:"listen_address" validate:"required,hostname_port"`
	TTL           Duration `yaml:"ttl" json:"ttl"`

	// AuditLog is a file path for per-query audit records inside the
	// filter container. Empty means stderr.
	AuditLog string `yaml:"audit_log,omitempty" json:"audit_log,omitempty"`
}

// ProxyConfig configures every proxy fleet member.
type ProxyConfig struct {
	Image          string   `yaml:"image" json:"image" validate:"required"`
	DialAttempts   int      `yaml:"dial_attempts" json:"dial_attempts" validate:"min=1,max=5"`
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
	DialBackoff    Duration `yaml:"dial_backoff" json:"dial_backoff"`
	IdleTimeout    Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxConnections int      `yaml:"max_connections" json:"max_connections" validate:"min=1,max=65535"`
}

// AgentConfig configures the agent container.
type AgentConfig struct {
	Image string `yaml:"image" json:"image" validate:"required"`

	// User is the numeric "uid:gid" the agent runs as. Root is rejected
	// by the hardening profile.
	User string `yaml:"user" json:"user" validate:"required"`

	// WorkingDirectory is where the workspace is mounted.
	WorkingDirectory string `yaml:"working_directory" json:"working_directory" validate:"required,startswith=/"`

	// Environment lists the names of host variables passed through to
	// the agent. Only names are stored; values are resolved by the
	// orchestrator at start.
	Environment []string `yaml:"environment" json:"environment" validate:"dive,required"`

	// Command overrides the image entrypoint arguments.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
}

// HardeningConfig sets the agent's resource ceilings.
type HardeningConfig struct {
	// Memory is the memory ceiling with an IEC or SI suffix, e.g. "2GiB".
	Memory string `yaml:"memory" json:"memory" validate:"required"`

	// CPUs is the CPU ceiling in cores.
	CPUs float64 `yaml:"cpus" json:"cpus" validate:"gt=0,lte=4"`

	// Pids is the process count ceiling.
	Pids int64 `yaml:"pids" json:"pids" validate:"min=1,max=512"`

	// Tmpfs lists the writable scratch mounts.
	Tmpfs []TmpfsConfig `yaml:"tmpfs" json:"tmpfs" validate:"dive"`
}

// TmpfsConfig describes one size-capped scratch mount.
type TmpfsConfig struct {
	Path string `yaml:"path" json:"path" validate:"required,startswith=/"`
	Size string `yaml:"size" json:"size" validate:"required"`

	// Mode is the octal permission mode, e.g. "1777".
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty" validate:"omitempty,numeric,max=4"`
}

// HostEntry is one allowlist line: a fixed internal address, the
// hostnames that resolve to it, and the origin its proxy forwards to.
type HostEntry struct {
	Address   string   `yaml:"address" json:"address" validate:"required,ipv4"`
	Hostnames []string `yaml:"hostnames" json:"hostnames" validate:"required,min=1,dive,required"`

	// Upstream defaults to the first hostname.
	Upstream string `yaml:"upstream,omitempty" json:"upstream,omitempty"`
}

// GitHubConfig configures GitHub App installation token exchange.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id" json:"app_id" validate:"required,gt=0"`
	InstallationID int64  `yaml:"installation_id" json:"installation_id" validate:"required,gt=0"`
	PrivateKeyFile string `yaml:"private_key_file" json:"private_key_file" validate:"required"`
	APIURL         string `yaml:"api_url,omitempty" json:"api_url,omitempty" validate:"omitempty,url"`

	// Repositories restricts the token to these repository names.
	Repositories []string `yaml:"repositories,omitempty" json:"repositories,omitempty"`

	// Permissions restricts the token, e.g. {"contents": "write"}.
	Permissions map[string]string `yaml:"permissions,omitempty" json:"permissions,omitempty" validate:"dive,oneof=read write"`
}

// Load loads configuration from the SAPPHIRE_CONFIG environment
// variable. There is no fallback: an unset variable is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your sapphire.yaml config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, merged over [Default]. The
// result is not validated; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	defaultOutput := cfg.Project.OutputDirectory
	if err := cfg.decode(path, data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.Project.OutputDirectory == defaultOutput {
		cfg.Project.OutputDirectory = DefaultOutputDirectory(cfg.Project.Name)
	}

	// Compose resolves relative paths against the first compose file's
	// directory, so everything is made absolute here.
	baseDirectory, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config directory: %w", err)
	}
	cfg.expandVariables(baseDirectory)
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		return decoder.Decode(c)
	default:
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

// expandVariables expands ${VAR} patterns in path fields and resolves
// relative paths against the config file's directory.
func (c *Config) expandVariables(baseDirectory string) {
	vars := map[string]string{
		"HOME":       os.Getenv("HOME"),
		"CONFIG_DIR": baseDirectory,
	}
	resolve := func(path string) string {
		path = expandVars(path, vars)
		if path == "" {
			return ""
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDirectory, path)
		}
		return filepath.Clean(path)
	}

	c.Project.Workspace = resolve(c.Project.Workspace)
	c.Project.OutputDirectory = resolve(c.Project.OutputDirectory)
	c.AllowlistFile = resolve(c.AllowlistFile)
	if c.GitHub != nil {
		c.GitHub.PrivateKeyFile = resolve(c.GitHub.PrivateKeyFile)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. The provided vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

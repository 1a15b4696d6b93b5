// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package stack

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"strconv"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
	"github.com/SapphireBeehiveStudios/sapphire-bee/sandbox"
	"github.com/SapphireBeehiveStudios/sapphire-bee/topology"
)

// Paths shared between the rendered stack and the daemons.
const (
	// AllowlistFile is the rendered allowlist's name next to the compose
	// files.
	AllowlistFile = "hosts.allowlist"

	// AllowlistMountPath is where the filter and proxies read it.
	AllowlistMountPath = "/etc/sapphire/hosts.allowlist"
)

// serviceUser is the unprivileged identity of the filter and proxies.
const serviceUser = "65532:65532"

// Service is one container of the declared stack.
type Service struct {
	Name      string
	Role      topology.Role
	Container sandbox.ContainerSpec

	// Attachments and DNS are empty for an offline agent.
	Attachments []topology.Attachment
	DNS         []netip.Addr

	Sysctls   map[string]string
	Restart   string
	DependsOn []string
}

// Declaration is the complete, validated description of one stack.
type Declaration struct {
	Project string
	Mode    RuntimeMode

	// OutputDirectory receives the rendered compose files and allowlist.
	// It is absolute and outside the agent workspace.
	OutputDirectory string

	// Plan and Allowlist are nil in offline mode.
	Plan      *topology.Plan
	Allowlist *allowlist.Snapshot

	// Services lists the filter, then the proxies, then the agent.
	// Offline declarations contain the agent only.
	Services []Service

	// Policy is the hardening profile the agent was built with.
	Policy sandbox.HardeningPolicy
}

// Service returns the service called name.
func (d *Declaration) Service(name string) (Service, bool) {
	for _, service := range d.Services {
		if service.Name == name {
			return service, true
		}
	}
	return Service{}, false
}

// Agent returns the agent service.
func (d *Declaration) Agent() Service {
	agent, _ := d.Service(topology.AgentNode)
	return agent
}

// Declare validates cfg and builds the stack declaration. In offline
// mode the agent gets network_mode none and nothing else is declared;
// the hardening profile is identical in both modes.
func Declare(cfg *config.Config) (*Declaration, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode, err := ParseRuntimeMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	policy, err := sandbox.PolicyFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	outputDirectory, err := filepath.Abs(cfg.Project.OutputDirectory)
	if err != nil {
		return nil, fmt.Errorf("project.output_directory: %w", err)
	}
	if err := sandbox.CheckControlPlanePaths(policy.WorkspaceSource, controlPlanePaths(cfg, outputDirectory)...); err != nil {
		return nil, err
	}

	declaration := &Declaration{
		Project:         cfg.Project.Name,
		Mode:            mode,
		OutputDirectory: outputDirectory,
		Policy:          policy,
	}

	agentSpec := sandbox.ContainerSpec{
		Name:        topology.AgentNode,
		Image:       cfg.Agent.Image,
		Command:     cfg.Agent.Command,
		Environment: cfg.Agent.Environment,
	}

	if mode == Offline {
		agentSpec.NetworkMode = "none"
		hardened, err := sandbox.Apply(policy, agentSpec)
		if err != nil {
			return nil, err
		}
		declaration.Services = []Service{{
			Name:      topology.AgentNode,
			Role:      topology.RoleAgent,
			Container: hardened,
		}}
		return declaration, nil
	}

	snapshot, err := cfg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}
	if snapshot.Len() == 0 {
		return nil, fmt.Errorf("allowlist: networked mode needs at least one entry")
	}
	plan, err := buildPlan(cfg, snapshot)
	if err != nil {
		return nil, err
	}
	declaration.Plan = plan
	declaration.Allowlist = snapshot

	filterNode, _ := plan.Node(topology.DNSFilterNode)
	declaration.Services = append(declaration.Services, Service{
		Name:        filterNode.Name,
		Role:        topology.RoleDNSFilter,
		Container:   serviceContainer(filterNode.Name, cfg.DNS.Image, filterCommand(cfg), outputDirectory),
		Attachments: filterNode.Attachments,
		Sysctls:     unprivilegedPorts(),
		Restart:     "unless-stopped",
	})

	dependencies := []string{filterNode.Name}
	for _, node := range plan.NodesWithRole(topology.RoleProxy) {
		declaration.Services = append(declaration.Services, Service{
			Name:        node.Name,
			Role:        topology.RoleProxy,
			Container:   serviceContainer(node.Name, cfg.Proxy.Image, proxyCommand(cfg, node.Route.Address), outputDirectory),
			Attachments: node.Attachments,
			Sysctls:     unprivilegedPorts(),
			Restart:     "unless-stopped",
		})
		dependencies = append(dependencies, node.Name)
	}

	agentNode, _ := plan.Node(topology.AgentNode)
	hardened, err := sandbox.Apply(policy, agentSpec)
	if err != nil {
		return nil, err
	}
	declaration.Services = append(declaration.Services, Service{
		Name:        agentNode.Name,
		Role:        topology.RoleAgent,
		Container:   hardened,
		Attachments: agentNode.Attachments,
		DNS:         agentNode.Resolvers,
		DependsOn:   dependencies,
	})
	return declaration, nil
}

func buildPlan(cfg *config.Config, snapshot *allowlist.Snapshot) (*topology.Plan, error) {
	internal, err := segment(cfg.Network.Internal, true)
	if err != nil {
		return nil, err
	}
	egress, err := segment(cfg.Network.Egress, false)
	if err != nil {
		return nil, err
	}
	filterAddress, err := netip.ParseAddr(cfg.Network.DNSFilterAddress)
	if err != nil {
		return nil, fmt.Errorf("network.dns_filter_address: %w", err)
	}
	agentAddress, err := netip.ParseAddr(cfg.Network.AgentAddress)
	if err != nil {
		return nil, fmt.Errorf("network.agent_address: %w", err)
	}

	plan := topology.Build(topology.Settings{
		Internal:         internal,
		Egress:           egress,
		DNSFilterAddress: filterAddress,
		AgentAddress:     agentAddress,
		Routes:           snapshot.Routes(),
	})
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func segment(settings config.SegmentConfig, internal bool) (topology.Segment, error) {
	subnet, err := netip.ParsePrefix(settings.Subnet)
	if err != nil {
		return topology.Segment{}, fmt.Errorf("network %s subnet: %w", settings.Name, err)
	}
	result := topology.Segment{Name: settings.Name, Subnet: subnet, Internal: internal}
	if settings.Gateway != "" {
		if result.Gateway, err = netip.ParseAddr(settings.Gateway); err != nil {
			return topology.Segment{}, fmt.Errorf("network %s gateway: %w", settings.Name, err)
		}
	}
	return result, nil
}

// controlPlanePaths lists the host paths the agent must not be able to
// write: anything that feeds the filter, the proxies or the token issuer.
func controlPlanePaths(cfg *config.Config, outputDirectory string) []sandbox.HostPath {
	paths := []sandbox.HostPath{
		{Name: "project.output_directory", Path: outputDirectory},
		{Name: "allowlist_file", Path: cfg.AllowlistFile},
	}
	if cfg.GitHub != nil {
		paths = append(paths, sandbox.HostPath{Name: "github.private_key_file", Path: cfg.GitHub.PrivateKeyFile})
	}
	return paths
}

// serviceContainer is the fixed profile of the filter and proxies: an
// unprivileged user, no capabilities and a read-only root, reading the
// rendered allowlist in outputDirectory through a read-only bind mount.
func serviceContainer(name, image string, command []string, outputDirectory string) sandbox.ContainerSpec {
	return sandbox.ContainerSpec{
		Name:           name,
		Image:          image,
		Command:        command,
		User:           serviceUser,
		ReadOnlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{sandbox.NoNewPrivileges},
		MemoryBytes:    256 << 20,
		CPUs:           1,
		PidsLimit:      256,
		Mounts: []sandbox.Mount{{
			Type:     sandbox.MountBind,
			Source:   filepath.Join(outputDirectory, AllowlistFile),
			Target:   AllowlistMountPath,
			ReadOnly: true,
		}},
	}
}

// unprivilegedPorts lets a non-root service bind 53, 80 and 443 without
// CAP_NET_BIND_SERVICE.
func unprivilegedPorts() map[string]string {
	return map[string]string{"net.ipv4.ip_unprivileged_port_start": "0"}
}

func filterCommand(cfg *config.Config) []string {
	command := []string{
		"--allowlist", AllowlistMountPath,
		"--listen", cfg.DNS.ListenAddress,
		"--ttl", cfg.DNS.TTL.String(),
	}
	if cfg.DNS.AuditLog != "" {
		command = append(command, "--audit-log", cfg.DNS.AuditLog)
	}
	return command
}

func proxyCommand(cfg *config.Config, address netip.Addr) []string {
	return []string{
		"--allowlist", AllowlistMountPath,
		"--route", address.String(),
		"--dial-attempts", strconv.Itoa(cfg.Proxy.DialAttempts),
		"--connect-timeout", cfg.Proxy.ConnectTimeout.String(),
		"--dial-backoff", cfg.Proxy.DialBackoff.String(),
		"--idle-timeout", cfg.Proxy.IdleTimeout.String(),
		"--max-connections", strconv.Itoa(cfg.Proxy.MaxConnections),
	}
}

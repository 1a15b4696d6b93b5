// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
	"github.com/SapphireBeehiveStudios/sapphire-bee/sandbox"
	"github.com/SapphireBeehiveStudios/sapphire-bee/stack"
)

// Rendered file names.
const (
	BaseFile    = "compose.base.yml"
	DirectFile  = "compose.direct.yml"
	OfflineFile = "compose.offline.yml"
)

// header is written at the top of every rendered file.
const header = "# Generated by sapphire-bee render. Do not edit.\n"

type composeFile struct {
	Name     string                    `yaml:"name"`
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks,omitempty"`
}

type composeService struct {
	Image       string                       `yaml:"image"`
	Command     []string                     `yaml:"command,omitempty"`
	User        string                       `yaml:"user,omitempty"`
	WorkingDir  string                       `yaml:"working_dir,omitempty"`
	ReadOnly    bool                         `yaml:"read_only"`
	CapDrop     []string                     `yaml:"cap_drop,omitempty"`
	SecurityOpt []string                     `yaml:"security_opt,omitempty"`
	MemLimit    int64                        `yaml:"mem_limit,omitempty"`
	CPUs        float64                      `yaml:"cpus,omitempty"`
	PidsLimit   int64                        `yaml:"pids_limit,omitempty"`
	Tmpfs       []string                     `yaml:"tmpfs,omitempty"`
	Volumes     []composeVolume              `yaml:"volumes,omitempty"`
	Environment []string                     `yaml:"environment,omitempty"`
	NetworkMode string                       `yaml:"network_mode,omitempty"`
	Networks    map[string]composeAttachment `yaml:"networks,omitempty"`
	DNS         []string                     `yaml:"dns,omitempty"`
	Sysctls     map[string]string            `yaml:"sysctls,omitempty"`
	Restart     string                       `yaml:"restart,omitempty"`
	DependsOn   []string                     `yaml:"depends_on,omitempty"`
}

type composeVolume struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty"`
}

type composeAttachment struct {
	IPv4Address string `yaml:"ipv4_address,omitempty"`
}

type composeNetwork struct {
	Driver   string      `yaml:"driver"`
	Internal bool        `yaml:"internal,omitempty"`
	IPAM     composeIPAM `yaml:"ipam"`
}

type composeIPAM struct {
	Config []composeSubnet `yaml:"config"`
}

type composeSubnet struct {
	Subnet  string `yaml:"subnet"`
	Gateway string `yaml:"gateway,omitempty"`
}

// Files returns the compose files that make up declaration's stack, in
// the order they are passed to docker compose.
func Files(declaration *stack.Declaration) []string {
	if declaration.Mode == stack.Offline {
		return []string{OfflineFile}
	}
	return []string{BaseFile, DirectFile}
}

// Render produces every file for declaration keyed by name: the compose
// files from [Files] and, in networked mode, the allowlist. Environment
// variables are rendered as ${NAME} references, never values.
func Render(declaration *stack.Declaration) (map[string][]byte, error) {
	files := make(map[string][]byte)

	if declaration.Mode == stack.Offline {
		agent := declaration.Agent()
		data, err := encode(composeFile{
			Name:     declaration.Project,
			Services: map[string]composeService{agent.Name: service(agent)},
		})
		if err != nil {
			return nil, err
		}
		files[OfflineFile] = data
		return files, nil
	}

	if declaration.Plan == nil || declaration.Allowlist == nil {
		return nil, fmt.Errorf("compose: networked declaration has no plan")
	}

	base := composeFile{
		Name:     declaration.Project,
		Services: make(map[string]composeService),
		Networks: map[string]composeNetwork{},
	}
	for _, segment := range []struct {
		name, subnet, gateway string
		internal              bool
	}{
		{declaration.Plan.Internal.Name, declaration.Plan.Internal.Subnet.String(), addressOrEmpty(declaration.Plan.Internal.Gateway), true},
		{declaration.Plan.Egress.Name, declaration.Plan.Egress.Subnet.String(), addressOrEmpty(declaration.Plan.Egress.Gateway), false},
	} {
		base.Networks[segment.name] = composeNetwork{
			Driver:   "bridge",
			Internal: segment.internal,
			IPAM:     composeIPAM{Config: []composeSubnet{{Subnet: segment.subnet, Gateway: segment.gateway}}},
		}
	}

	direct := composeFile{
		Name:     declaration.Project,
		Services: make(map[string]composeService),
	}
	for _, entry := range declaration.Services {
		if entry.Name == declaration.Agent().Name {
			direct.Services[entry.Name] = service(entry)
			continue
		}
		base.Services[entry.Name] = service(entry)
	}

	var err error
	if files[BaseFile], err = encode(base); err != nil {
		return nil, err
	}
	if files[DirectFile], err = encode(direct); err != nil {
		return nil, err
	}
	files[stack.AllowlistFile] = allowlist.Format(declaration.Allowlist)
	return files, nil
}

// WriteFiles renders declaration into its OutputDirectory, creating it
// if needed, and returns the paths of the compose files from [Files].
// The directory is also the bind source of the allowlist, so it cannot
// be chosen separately.
func WriteFiles(declaration *stack.Declaration) ([]string, error) {
	directory := declaration.OutputDirectory
	if directory == "" {
		return nil, fmt.Errorf("compose: declaration has no output directory")
	}
	files, err := Render(declaration)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("compose: creating %s: %w", directory, err)
	}
	for name, data := range files {
		path := filepath.Join(directory, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("compose: writing %s: %w", path, err)
		}
	}
	var paths []string
	for _, name := range Files(declaration) {
		paths = append(paths, filepath.Join(directory, name))
	}
	return paths, nil
}

func service(entry stack.Service) composeService {
	container := entry.Container
	rendered := composeService{
		Image:       container.Image,
		Command:     container.Command,
		User:        container.User,
		WorkingDir:  container.WorkingDirectory,
		ReadOnly:    container.ReadOnlyRootfs,
		CapDrop:     container.CapDrop,
		SecurityOpt: container.SecurityOpt,
		MemLimit:    container.MemoryBytes,
		CPUs:        container.CPUs,
		PidsLimit:   container.PidsLimit,
		NetworkMode: container.NetworkMode,
		Sysctls:     entry.Sysctls,
		Restart:     entry.Restart,
		DependsOn:   entry.DependsOn,
	}
	for _, name := range container.Environment {
		rendered.Environment = append(rendered.Environment, name+"=${"+name+"}")
	}
	for _, mount := range container.Mounts {
		switch mount.Type {
		case sandbox.MountTmpfs:
			rendered.Tmpfs = append(rendered.Tmpfs, tmpfsOption(mount))
		default:
			rendered.Volumes = append(rendered.Volumes, composeVolume{
				Type:     mount.Type,
				Source:   mount.Source,
				Target:   mount.Target,
				ReadOnly: mount.ReadOnly,
			})
		}
	}
	if len(entry.Attachments) > 0 {
		rendered.Networks = make(map[string]composeAttachment)
		for _, attachment := range entry.Attachments {
			rendered.Networks[attachment.Segment] = composeAttachment{IPv4Address: addressOrEmpty(attachment.Address)}
		}
	}
	for _, resolver := range entry.DNS {
		rendered.DNS = append(rendered.DNS, resolver.String())
	}
	return rendered
}

// tmpfsOption formats a tmpfs mount in compose short syntax, e.g.
// "/tmp:size=536870912,mode=1777".
func tmpfsOption(mount sandbox.Mount) string {
	option := mount.Target + ":size=" + strconv.FormatInt(mount.SizeBytes, 10)
	if mount.Mode != 0 {
		option += ",mode=" + strconv.FormatUint(uint64(mount.Mode), 8)
	}
	return option
}

func addressOrEmpty(address netip.Addr) string {
	if !address.IsValid() {
		return ""
	}
	return address.String()
}

func encode(file composeFile) ([]byte, error) {
	var buffer bytes.Buffer
	buffer.WriteString(header)
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	if err := encoder.Encode(file); err != nil {
		return nil, fmt.Errorf("compose: encoding: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("compose: encoding: %w", err)
	}
	return buffer.Bytes(), nil
}

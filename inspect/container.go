// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package inspect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Label compose sets to the service name on every container it creates.
const ServiceLabel = "com.docker.compose.service"

// Container is the subset of one docker inspect record that verification
// reads.
type Container struct {
	ID      string
	Name    string
	Service string

	User             string
	WorkingDirectory string

	ReadOnlyRootfs bool
	Privileged     bool
	CapAdd         []string
	CapDrop        []string
	SecurityOpt    []string
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	NetworkMode    string
	DNS            []string

	Mounts   []Mount
	Tmpfs    map[string]string
	Networks map[string]Network
}

// Mount is one entry of the container's Mounts list.
type Mount struct {
	Type        string
	Source      string
	Destination string
	ReadWrite   bool
}

// Network is the container's attachment to one network.
type Network struct {
	// StaticAddress is the address requested in the IPAM config. Address
	// is the one actually assigned.
	StaticAddress string
	Address       string
}

// NetworkNames returns the attached network names in sorted order.
func (c Container) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type inspectRecord struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		User       string            `json:"User"`
		WorkingDir string            `json:"WorkingDir"`
		Labels     map[string]string `json:"Labels"`
	} `json:"Config"`
	HostConfig struct {
		ReadonlyRootfs bool              `json:"ReadonlyRootfs"`
		Privileged     bool              `json:"Privileged"`
		CapAdd         []string          `json:"CapAdd"`
		CapDrop        []string          `json:"CapDrop"`
		SecurityOpt    []string          `json:"SecurityOpt"`
		Memory         int64             `json:"Memory"`
		NanoCpus       int64             `json:"NanoCpus"`
		PidsLimit      *int64            `json:"PidsLimit"`
		NetworkMode    string            `json:"NetworkMode"`
		DNS            []string          `json:"Dns"`
		Tmpfs          map[string]string `json:"Tmpfs"`
	} `json:"HostConfig"`
	Mounts []struct {
		Type        string `json:"Type"`
		Source      string `json:"Source"`
		Destination string `json:"Destination"`
		RW          bool   `json:"RW"`
	} `json:"Mounts"`
	NetworkSettings struct {
		Networks map[string]struct {
			IPAMConfig *struct {
				IPv4Address string `json:"IPv4Address"`
			} `json:"IPAMConfig"`
			IPAddress string `json:"IPAddress"`
		} `json:"Networks"`
	} `json:"NetworkSettings"`
}

// Parse decodes docker inspect output, a JSON array of records. Fields
// outside the verified subset are ignored.
func Parse(data []byte) ([]Container, error) {
	var records []inspectRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("inspect: decoding docker inspect output: %w", err)
	}
	containers := make([]Container, 0, len(records))
	for _, record := range records {
		container := Container{
			ID:               record.ID,
			Name:             strings.TrimPrefix(record.Name, "/"),
			Service:          record.Config.Labels[ServiceLabel],
			User:             record.Config.User,
			WorkingDirectory: record.Config.WorkingDir,
			ReadOnlyRootfs:   record.HostConfig.ReadonlyRootfs,
			Privileged:       record.HostConfig.Privileged,
			CapAdd:           record.HostConfig.CapAdd,
			CapDrop:          record.HostConfig.CapDrop,
			SecurityOpt:      record.HostConfig.SecurityOpt,
			MemoryBytes:      record.HostConfig.Memory,
			NanoCPUs:         record.HostConfig.NanoCpus,
			NetworkMode:      record.HostConfig.NetworkMode,
			DNS:              record.HostConfig.DNS,
			Tmpfs:            record.HostConfig.Tmpfs,
			Networks:         make(map[string]Network),
		}
		if record.HostConfig.PidsLimit != nil {
			container.PidsLimit = *record.HostConfig.PidsLimit
		}
		if container.Service == "" {
			container.Service = container.Name
		}
		for _, mount := range record.Mounts {
			container.Mounts = append(container.Mounts, Mount{
				Type:        mount.Type,
				Source:      mount.Source,
				Destination: mount.Destination,
				ReadWrite:   mount.RW,
			})
		}
		for name, network := range record.NetworkSettings.Networks {
			attachment := Network{Address: network.IPAddress}
			if network.IPAMConfig != nil {
				attachment.StaticAddress = network.IPAMConfig.IPv4Address
			}
			container.Networks[name] = attachment
		}
		containers = append(containers, container)
	}
	return containers, nil
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/config"
)

// Probe is one conformance check run inside the agent container. Run
// returns nil when the sandbox holds and an error describing the breach
// otherwise.
type Probe struct {
	Name        string
	Description string
	Category    string // "identity", "privilege", "filesystem", "network"
	Severity    string // "critical", "high", "medium"
	Run         func(ctx context.Context) error
}

// ProbeResult holds the outcome of one probe.
type ProbeResult struct {
	Probe  *Probe
	Passed bool
	Error  string
}

// ProbeEnvironment describes the sandbox the probes should find.
type ProbeEnvironment struct {
	// Offline selects the offline expectations: no interface but
	// loopback, and no proxy to reach.
	Offline bool

	// UID is the expected user id.
	UID int

	// Workspace and Scratch must be writable.
	Workspace string
	Scratch   []string

	// ProxyAddresses are host:port pairs that must accept TCP
	// connections in networked mode.
	ProxyAddresses []string

	// ExternalAddresses must be unreachable in both modes.
	ExternalAddresses []string

	// DeniedHostname must not resolve in networked mode.
	DeniedHostname string

	// StatusPath is the process status file, normally /proc/self/status.
	StatusPath string
}

// DefaultProbeEnvironment matches the reference agent container.
func DefaultProbeEnvironment(offline bool) ProbeEnvironment {
	uid, _, _ := config.ParseUser(config.DefaultUser)
	environment := ProbeEnvironment{
		Offline:           offline,
		UID:               uid,
		Workspace:         config.DefaultWorkingDir,
		Scratch:           []string{"/tmp"},
		ExternalAddresses: []string{"8.8.8.8:80", "1.1.1.1:443", "8.8.8.8:53"},
		DeniedHostname:    "example.org",
		StatusPath:        "/proc/self/status",
	}
	if !offline {
		environment.ProxyAddresses = []string{"10.100.1.10:443"}
	}
	return environment
}

// Probes returns the conformance battery for environment.
func Probes(environment ProbeEnvironment) []Probe {
	probes := []Probe{
		{
			Name:        "identity-uid",
			Description: "Agent runs as the configured non-root uid",
			Category:    "identity",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				uid := os.Geteuid()
				if uid == 0 {
					return fmt.Errorf("running as root")
				}
				if uid != environment.UID {
					return fmt.Errorf("running as uid %d, want %d", uid, environment.UID)
				}
				return nil
			},
		},
		{
			Name:        "privilege-no-new-privs",
			Description: "NoNewPrivs is set",
			Category:    "privilege",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				status, err := readStatus(environment.StatusPath)
				if err != nil {
					return err
				}
				return checkNoNewPrivs(status)
			},
		},
		{
			Name:        "privilege-capabilities",
			Description: "Inheritable, permitted and effective capability sets are empty",
			Category:    "privilege",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				status, err := readStatus(environment.StatusPath)
				if err != nil {
					return err
				}
				return checkCapabilities(status)
			},
		},
		{
			Name:        "filesystem-readonly-root",
			Description: "Root filesystem rejects writes",
			Category:    "filesystem",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				for _, directory := range []string{"/", "/etc", "/usr", "/var"} {
					if err := tryWrite(directory); err == nil {
						return fmt.Errorf("write to %s succeeded", directory)
					}
				}
				return nil
			},
		},
		{
			Name:        "filesystem-workspace-write",
			Description: "Workspace and scratch mounts are writable",
			Category:    "filesystem",
			Severity:    "high",
			Run: func(ctx context.Context) error {
				for _, directory := range append([]string{environment.Workspace}, environment.Scratch...) {
					if err := tryWrite(directory); err != nil {
						return fmt.Errorf("write to %s blocked (should succeed): %w", directory, err)
					}
				}
				return nil
			},
		},
		{
			Name:        "filesystem-host-secrets",
			Description: "No engine socket or credential store is visible",
			Category:    "filesystem",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				home, _ := os.UserHomeDir()
				candidates := append([]string(nil), engineSockets...)
				for _, store := range credentialStores {
					if home != "" {
						candidates = append(candidates, filepath.Join(home, store))
					}
					candidates = append(candidates, filepath.Join(environment.Workspace, "..", store))
				}
				for _, candidate := range candidates {
					if _, err := os.Stat(candidate); err == nil {
						return fmt.Errorf("%s is visible", candidate)
					}
				}
				return nil
			},
		},
		{
			Name:        "network-external",
			Description: "Direct TCP to the internet is blocked",
			Category:    "network",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				for _, address := range environment.ExternalAddresses {
					if err := tryDial(ctx, address, 3*time.Second); err == nil {
						return fmt.Errorf("direct connection to %s succeeded", address)
					}
				}
				return nil
			},
		},
	}

	if environment.Offline {
		probes = append(probes, Probe{
			Name:        "network-interfaces",
			Description: "No interface other than loopback is up",
			Category:    "network",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				interfaces, err := net.Interfaces()
				if err != nil {
					return fmt.Errorf("listing interfaces: %w", err)
				}
				if names := nonLoopbackInterfaces(interfaces); len(names) > 0 {
					return fmt.Errorf("interfaces up: %s", strings.Join(names, ", "))
				}
				return nil
			},
		})
		return probes
	}

	return append(probes,
		Probe{
			Name:        "network-proxy",
			Description: "Proxy fleet members accept connections",
			Category:    "network",
			Severity:    "high",
			Run: func(ctx context.Context) error {
				for _, address := range environment.ProxyAddresses {
					if err := tryDial(ctx, address, 5*time.Second); err != nil {
						return fmt.Errorf("proxy %s unreachable: %w", address, err)
					}
				}
				return nil
			},
		},
		Probe{
			Name:        "network-dns-denied",
			Description: "Unlisted hostnames do not resolve",
			Category:    "network",
			Severity:    "critical",
			Run: func(ctx context.Context) error {
				if environment.DeniedHostname == "" {
					return nil
				}
				addresses, err := net.DefaultResolver.LookupHost(ctx, environment.DeniedHostname)
				if err == nil {
					return fmt.Errorf("%s resolved to %v", environment.DeniedHostname, addresses)
				}
				return nil
			},
		},
	)
}

// ProbeRunner runs a probe battery.
type ProbeRunner struct {
	probes  []Probe
	results []ProbeResult
}

// NewProbeRunner creates a runner for probes.
func NewProbeRunner(probes []Probe) *ProbeRunner {
	return &ProbeRunner{probes: probes}
}

// RunAll runs every probe, each bounded to 10 seconds.
func (r *ProbeRunner) RunAll(ctx context.Context) []ProbeResult {
	r.results = make([]ProbeResult, 0, len(r.probes))
	for i := range r.probes {
		probe := &r.probes[i]
		result := ProbeResult{Probe: probe, Passed: true}

		probeContext, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := probe.Run(probeContext)
		cancel()

		if err != nil {
			result.Passed = false
			result.Error = err.Error()
		}
		r.results = append(r.results, result)
	}
	return r.results
}

// Summary counts passed and failed probes from the last run.
func (r *ProbeRunner) Summary() (passed, failed int) {
	for _, result := range r.results {
		if result.Passed {
			passed++
		} else {
			failed++
		}
	}
	return
}

// HasFailures reports whether any probe in the last run failed.
func (r *ProbeRunner) HasFailures() bool {
	_, failed := r.Summary()
	return failed > 0
}

// PrintResults writes the last run's results to w.
func (r *ProbeRunner) PrintResults(w io.Writer) {
	for _, result := range r.results {
		status := "[PASS]"
		if !result.Passed {
			status = "[FAIL]"
		}
		fmt.Fprintf(w, "%s %s: %s\n", status, result.Probe.Name, result.Probe.Description)
		if !result.Passed {
			fmt.Fprintf(w, "       %s\n", result.Error)
		}
	}

	passed, failed := r.Summary()
	fmt.Fprintf(w, "\n%d/%d probes passed", passed, passed+failed)
	if failed == 0 {
		fmt.Fprintf(w, " - sandbox conforms\n")
	} else {
		fmt.Fprintf(w, " - %d violations\n", failed)
	}
}

// readStatus parses a /proc/<pid>/status file into its key/value pairs.
func readStatus(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading process status: %w", err)
	}
	defer file.Close()
	return parseStatus(file)
}

func parseStatus(reader io.Reader) (map[string]string, error) {
	status := make(map[string]string)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		status[key] = strings.TrimSpace(value)
	}
	return status, scanner.Err()
}

func checkNoNewPrivs(status map[string]string) error {
	value, ok := status["NoNewPrivs"]
	if !ok {
		return errors.New("NoNewPrivs missing from process status")
	}
	if value != "1" {
		return fmt.Errorf("NoNewPrivs is %s, want 1", value)
	}
	return nil
}

func checkCapabilities(status map[string]string) error {
	for _, key := range []string{"CapInh", "CapPrm", "CapEff"} {
		value, ok := status[key]
		if !ok {
			return fmt.Errorf("%s missing from process status", key)
		}
		if strings.Trim(value, "0") != "" {
			return fmt.Errorf("%s is %s, want all zero", key, value)
		}
	}
	return nil
}

// tryWrite creates and removes a file in directory.
func tryWrite(directory string) error {
	file, err := os.CreateTemp(directory, ".sapphire-probe-")
	if err != nil {
		return err
	}
	name := file.Name()
	file.Close()
	return os.Remove(name)
}

func tryDial(ctx context.Context, address string, timeout time.Duration) error {
	dialer := net.Dialer{Timeout: timeout}
	connection, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return connection.Close()
}

// nonLoopbackInterfaces names the interfaces that are up and not
// loopback.
func nonLoopbackInterfaces(interfaces []net.Interface) []string {
	var names []string
	for _, networkInterface := range interfaces {
		if networkInterface.Flags&net.FlagUp == 0 || networkInterface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, networkInterface.Name)
	}
	return names
}

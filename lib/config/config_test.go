// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/testutil"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	return testutil.WriteFile(t, name, content)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}

	snapshot, err := cfg.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(snapshot.Routes()); got != 6 {
		t.Errorf("default routes = %d, want 6", got)
	}
	if entry, ok := snapshot.Lookup("www.github.com"); !ok || entry.Address.String() != "10.100.1.10" {
		t.Errorf("www.github.com = %+v, %v", entry, ok)
	}
	memory, err := cfg.MemoryBytes()
	if err != nil || memory != 2<<30 {
		t.Errorf("MemoryBytes = %d, %v; want 2GiB", memory, err)
	}
}

func TestLoad_RequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SAPPHIRE_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "SAPPHIRE_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, "sapphire.yaml", `
mode: offline
project:
  name: demo
  workspace: /srv/demo
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Mode != "offline" {
		t.Errorf("mode = %q, want offline", cfg.Mode)
	}
	if cfg.Project.Workspace != "/srv/demo" {
		t.Errorf("workspace = %q", cfg.Project.Workspace)
	}
	// Untouched sections keep their defaults.
	if cfg.Network.DNSFilterAddress != DefaultDNSFilter {
		t.Errorf("dns_filter_address = %q, want default", cfg.Network.DNSFilterAddress)
	}
}

func TestLoadFile_YAMLOverridesAllowlist(t *testing.T) {
	path := writeConfig(t, "sapphire.yaml", `
dns:
  ttl: 10s
proxy:
  idle_timeout: 1m
allowlist:
  - address: 10.100.1.10
    hostnames: [github.com]
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.DNS.TTL.Std() != 10*time.Second {
		t.Errorf("ttl = %s", cfg.DNS.TTL)
	}
	if cfg.Proxy.IdleTimeout.Std() != time.Minute {
		t.Errorf("idle_timeout = %s", cfg.Proxy.IdleTimeout)
	}
	snapshot, err := cfg.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.Len() != 1 {
		t.Errorf("allowlist replaced, want 1 hostname, got %d", snapshot.Len())
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	path := writeConfig(t, "sapphire.jsonc", `{
  // JSON with comments
  "mode": "NETWORKED",
  "dns": {"ttl": "30s"},
  "hardening": {"memory": "1GiB", "cpus": 1, "pids": 128, "tmpfs": [
    {"path": "/tmp", "size": "64MiB"},
  ]},
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.DNS.TTL.Std() != 30*time.Second {
		t.Errorf("ttl = %s", cfg.DNS.TTL)
	}
	if cfg.Hardening.Pids != 128 || len(cfg.Hardening.Tmpfs) != 1 {
		t.Errorf("hardening = %+v", cfg.Hardening)
	}
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	for _, test := range []struct{ name, content string }{
		{"sapphire.yaml", "dns:\n  forwarders: [8.8.8.8]\n"},
		{"sapphire.json", `{"dns": {"forwarders": ["8.8.8.8"]}}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := LoadFile(writeConfig(t, test.name, test.content)); err == nil {
				t.Fatal("expected unknown key to be rejected")
			}
		})
	}
}

func TestLoadFile_ExpandsPaths(t *testing.T) {
	t.Setenv("SAPPHIRE_TEST_ROOT", "/data")
	path := writeConfig(t, "sapphire.yaml", `
project:
  workspace: ${SAPPHIRE_TEST_ROOT}/work
  output_directory: rendered
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project.Workspace != "/data/work" {
		t.Errorf("workspace = %q", cfg.Project.Workspace)
	}
	if want := filepath.Join(filepath.Dir(path), "rendered"); cfg.Project.OutputDirectory != want {
		t.Errorf("output_directory = %q, want %q", cfg.Project.OutputDirectory, want)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Mode = "bridged"
	cfg.Network.DNSFilterAddress = "not-an-ip"
	cfg.Hardening.Pids = 4096
	cfg.Hardening.Memory = "lots"
	cfg.DNS.TTL = Duration(5 * time.Minute)
	cfg.Agent.Environment = []string{"API_KEY=sk-secret"}
	cfg.Allowlist = append(cfg.Allowlist, HostEntry{Address: "10.100.1.10", Hostnames: []string{"evil.example.org"}})

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	message := err.Error()
	for _, want := range []string{
		"mode",
		"network.dns_filter_address",
		"hardening.pids",
		"hardening.memory",
		"dns.ttl",
		"agent.environment",
		"already bound",
	} {
		if !strings.Contains(message, want) {
			t.Errorf("error does not mention %q:\n%s", want, message)
		}
	}
}

func TestParseUser(t *testing.T) {
	tests := []struct {
		input    string
		uid, gid int
		wantErr  bool
	}{
		{"1000:1000", 1000, 1000, false},
		{"1000", 1000, 1000, false},
		{"1000:50", 1000, 50, false},
		{"claude", 0, 0, true},
		{"1000:staff", 0, 0, true},
		{"-1", 0, 0, true},
	}
	for _, test := range tests {
		uid, gid, err := ParseUser(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseUser(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if !test.wantErr && (uid != test.uid || gid != test.gid) {
			t.Errorf("ParseUser(%q) = %d:%d, want %d:%d", test.input, uid, gid, test.uid, test.gid)
		}
	}
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %s", data)
	}
	for _, key := range []string{"mode", "network", "dns", "proxy", "hardening", "allowlist"} {
		if _, ok := properties[key]; !ok {
			t.Errorf("schema missing property %q", key)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	path := writeConfig(t, "sapphire.yaml", string(data))
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reloading marshaled default: %v\n%s", err, data)
	}
	if cfg.Proxy.DialBackoff.Std() != 250*time.Millisecond {
		t.Errorf("dial_backoff = %s", cfg.Proxy.DialBackoff)
	}
}

func TestLoadFile_RelativeConfigPathResolvesAbsolute(t *testing.T) {
	directory := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(directory, "state"))
	if err := os.WriteFile(filepath.Join(directory, "sapphire.yaml"), []byte("project:\n  name: demo\n  workspace: .\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(directory)

	cfg, err := LoadFile("sapphire.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(cfg.Project.Workspace) {
		t.Fatalf("workspace = %q, want an absolute path", cfg.Project.Workspace)
	}
	if same, err := sameFile(cfg.Project.Workspace, directory); err != nil || !same {
		t.Errorf("workspace = %q, want %q (%v)", cfg.Project.Workspace, directory, err)
	}
	if want := filepath.Join(directory, "state", "sapphire-bee", "demo"); cfg.Project.OutputDirectory != want {
		t.Errorf("output_directory = %q, want %q", cfg.Project.OutputDirectory, want)
	}
}

func TestDefaultOutputDirectory(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/var/lib/state")
	if got := DefaultOutputDirectory("demo"); got != "/var/lib/state/sapphire-bee/demo" {
		t.Errorf("with XDG_STATE_HOME = %q", got)
	}
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("HOME", "/home/dev")
	if got := DefaultOutputDirectory("demo"); got != "/home/dev/.local/state/sapphire-bee/demo" {
		t.Errorf("from HOME = %q", got)
	}
}

func sameFile(a, b string) (bool, error) {
	first, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	second, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(first, second), nil
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SapphireBeehiveStudios/sapphire-bee/compose"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/process"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRunner) Run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(args, " "))
	return nil, nil
}

type harness struct {
	stdout, stderr bytes.Buffer
	runner         fakeRunner
	terminal       bool
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()
	a := &app{
		stdout:     &h.stdout,
		stderr:     &h.stderr,
		runner:     &h.runner,
		isTerminal: func() bool { return h.terminal },
	}
	root := a.rootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func writeConfig(t *testing.T, extra string) (path, directory string) {
	t.Helper()
	directory = t.TempDir()
	workspace := filepath.Join(directory, "workspace")
	require.NoError(t, os.Mkdir(workspace, 0o755))
	path = filepath.Join(directory, "sapphire.yaml")
	content := fmt.Sprintf("mode: networked\nproject:\n  name: godot-game\n  workspace: %s\n  output_directory: %s\n%s",
		workspace, filepath.Join(directory, "out"), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, directory
}

func TestRender(t *testing.T) {
	configPath, directory := writeConfig(t, "")
	h := &harness{}
	require.NoError(t, h.run(t, "render", "--config", configPath))
	assert.Contains(t, h.stdout.String(), filepath.Join(directory, "out", compose.BaseFile))
	for _, name := range []string{compose.BaseFile, compose.DirectFile, "hosts.allowlist"} {
		_, err := os.Stat(filepath.Join(directory, "out", name))
		assert.NoError(t, err, name)
	}

	offlineOutput := filepath.Join(directory, "offline")
	h = &harness{}
	require.NoError(t, h.run(t, "render", "-c", configPath, "--mode", "offline", "-o", offlineOutput))
	data, err := os.ReadFile(filepath.Join(offlineOutput, compose.OfflineFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "network_mode: none")

	inside := filepath.Join(directory, "workspace", ".sapphire")
	h = &harness{}
	assert.ErrorContains(t, h.run(t, "render", "-c", configPath, "-o", inside), "inside the agent workspace")
	_, err = os.Stat(inside)
	assert.True(t, os.IsNotExist(err), "nothing may be written into the workspace")
}

func TestRenderRelativeConfigDefaults(t *testing.T) {
	directory := t.TempDir()
	state := t.TempDir()
	t.Setenv("XDG_STATE_HOME", state)
	require.NoError(t, os.WriteFile(filepath.Join(directory, "sapphire.yaml"), []byte("project:\n  name: godot-game\n"), 0o644))
	t.Chdir(directory)

	h := &harness{}
	require.NoError(t, h.run(t, "render", "-c", "sapphire.yaml"))

	output := filepath.Join(state, "sapphire-bee", "godot-game")
	assert.Contains(t, h.stdout.String(), filepath.Join(output, compose.BaseFile))
	base, err := os.ReadFile(filepath.Join(output, compose.BaseFile))
	require.NoError(t, err)
	assert.Contains(t, string(base), "source: "+filepath.Join(output, "hosts.allowlist"))
	direct, err := os.ReadFile(filepath.Join(output, compose.DirectFile))
	require.NoError(t, err)
	assert.Contains(t, string(direct), "source: "+directory+"\n", "workspace must be rendered as an absolute path")
}

func TestUpDownAreIdempotent(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	h := &harness{}
	require.NoError(t, h.run(t, "up", "-c", configPath))
	require.NoError(t, h.run(t, "down", "-c", configPath))
	require.NoError(t, h.run(t, "down", "-c", configPath))
	require.Len(t, h.runner.calls, 3)
	assert.Contains(t, h.runner.calls[0], "up --detach")
	assert.Contains(t, h.runner.calls[2], "down --remove-orphans")
}

func TestVerifyFailsWithExitStatusTwo(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	h := &harness{}
	err := h.run(t, "verify", "-c", configPath)
	var exitError *process.ExitError
	require.True(t, errors.As(err, &exitError), "error %v", err)
	assert.Equal(t, 2, exitError.Code)
	assert.Contains(t, h.stdout.String(), "[FAIL] agent: running")
}

func TestConfigCommands(t *testing.T) {
	configPath, _ := writeConfig(t, "")
	h := &harness{}
	require.NoError(t, h.run(t, "config", "validate", "-c", configPath))
	assert.Equal(t, "godot-game: networked mode, 8 services\n", h.stdout.String())

	h = &harness{}
	require.NoError(t, h.run(t, "config", "schema"))
	var schema map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &schema))
	assert.Equal(t, "Sapphire Bee configuration", schema["title"])

	badPath, _ := writeConfig(t, "hardening:\n  memory: 8GiB\n")
	h = &harness{}
	assert.Error(t, h.run(t, "config", "validate", "-c", badPath))
}

func TestVersion(t *testing.T) {
	h := &harness{}
	require.NoError(t, h.run(t, "version"))
	assert.True(t, strings.HasPrefix(h.stdout.String(), "sapphire-bee "))
}

func TestToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"token": "ghs_agenttoken", "expires_at": "2099-01-01T00:00:00Z"}`)
	}))
	defer server.Close()

	configPath, directory := writeConfig(t, "")
	keyPath := filepath.Join(directory, "app.pem")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))
	githubSection := fmt.Sprintf("github:\n  app_id: 1\n  installation_id: 2\n  private_key_file: %s\n  api_url: %s\n  repositories: [godot-game]\n", keyPath, server.URL)
	configData, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, append(configData, githubSection...), 0o644))

	envFile := filepath.Join(directory, "agent.env")
	h := &harness{}
	require.NoError(t, h.run(t, "token", "-c", configPath, "--env-file", envFile))
	data, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Equal(t, "GITHUB_PERSONAL_ACCESS_TOKEN=ghs_agenttoken\n", string(data))
	info, err := os.Stat(envFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.NotContains(t, h.stderr.String(), "ghs_agenttoken", "token leaked into logs")

	h = &harness{terminal: true}
	assert.ErrorContains(t, h.run(t, "token", "-c", configPath), "terminal")

	h = &harness{}
	require.NoError(t, h.run(t, "token", "-c", configPath))
	assert.Equal(t, "GITHUB_PERSONAL_ACCESS_TOKEN=ghs_agenttoken\n", h.stdout.String())

	noGitHub, _ := writeConfig(t, "")
	h = &harness{}
	assert.ErrorContains(t, h.run(t, "token", "-c", noGitHub, "--env-file", envFile), "github")
}

func TestProbeEnvironmentFlags(t *testing.T) {
	parse := func(args ...string) (probeOptions, *pflag.FlagSet) {
		t.Helper()
		var options probeOptions
		flags := pflag.NewFlagSet("probe", pflag.ContinueOnError)
		options.register(flags)
		require.NoError(t, flags.Parse(args))
		return options, flags
	}

	options, flags := parse()
	environment := options.environment(flags)
	assert.Equal(t, 1000, environment.UID)
	assert.Contains(t, environment.ExternalAddresses, "8.8.8.8:80")
	assert.Equal(t, []string{"10.100.1.10:443"}, environment.ProxyAddresses)

	options, flags = parse("--uid", "1001", "--offline", "--external", "203.0.113.7:80", "--external", "9.9.9.9:53")
	environment = options.environment(flags)
	assert.Equal(t, 1001, environment.UID)
	assert.True(t, environment.Offline)
	assert.Empty(t, environment.ProxyAddresses)
	assert.Equal(t, []string{"203.0.113.7:80", "9.9.9.9:53"}, environment.ExternalAddresses)
}

func TestProbeRejectsRootUID(t *testing.T) {
	h := &harness{}
	assert.ErrorContains(t, h.run(t, "probe", "--uid", "0"), "non-root uid")
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeBinary writes a shell script standing in for docker.
func fakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docker")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunReturnsStdout(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	cli := CLI{Binary: fakeBinary(t, `echo "$@"`)}
	output, err := cli.Run(context.Background(), "compose", "ps")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(output)) != "compose ps" {
		t.Errorf("output = %q", output)
	}
}

func TestRunReportsExitStatus(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	cli := CLI{Binary: fakeBinary(t, "echo 'Error: No such object: agent' >&2\nexit 3\n")}
	_, err := cli.Run(context.Background(), "inspect", "agent")
	var commandError *CommandError
	if !errors.As(err, &commandError) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if commandError.ExitCode != 3 || commandError.Stderr != "Error: No such object: agent" {
		t.Errorf("CommandError = %+v", commandError)
	}
	if !StderrContains(err, "no such object") {
		t.Error("StderrContains should match case-insensitively")
	}
	if StderrContains(errors.New("no such object"), "no such object") {
		t.Error("StderrContains matched a plain error")
	}
}

func TestRunMissingBinary(t *testing.T) {
	cli := CLI{Binary: filepath.Join(t.TempDir(), "absent")}
	_, err := cli.Run(context.Background(), "version")
	if err == nil {
		t.Fatal("missing binary should fail")
	}
	var commandError *CommandError
	if errors.As(err, &commandError) {
		t.Error("missing binary is not an exit status")
	}
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Enforce hardens the calling process: it sets PR_SET_NO_NEW_PRIVS, so
// no later exec can gain privileges, and lowers the open-file and
// process rlimits to limits. It never raises a limit. The DNS filter and
// proxy binaries call it at startup.
func Enforce(limits ProcessLimits) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("sandbox: setting no_new_privs: %w", err)
	}
	if err := lowerRlimit(unix.RLIMIT_NOFILE, limits.OpenFiles); err != nil {
		return fmt.Errorf("sandbox: lowering RLIMIT_NOFILE: %w", err)
	}
	if err := lowerRlimit(unix.RLIMIT_NPROC, limits.Processes); err != nil {
		return fmt.Errorf("sandbox: lowering RLIMIT_NPROC: %w", err)
	}
	return nil
}

func lowerRlimit(resource int, ceiling uint64) error {
	if ceiling == 0 {
		return nil
	}
	var current unix.Rlimit
	if err := unix.Getrlimit(resource, &current); err != nil {
		return err
	}
	lowered := clampRlimit(current.Cur, current.Max, ceiling)
	if lowered.Cur == current.Cur && lowered.Max == current.Max {
		return nil
	}
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: lowered.Cur, Max: lowered.Max})
}

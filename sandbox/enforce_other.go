// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package sandbox

import "errors"

// Enforce is only supported on Linux.
func Enforce(limits ProcessLimits) error {
	return errors.New("sandbox: in-process hardening requires linux")
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package stack

import (
	"fmt"
	"strings"
)

// RuntimeMode selects whether the agent has allowlisted egress or none.
type RuntimeMode string

const (
	// Networked attaches the agent to the internal segment behind the
	// DNS filter and proxy fleet.
	Networked RuntimeMode = "networked"

	// Offline gives the agent no network attachment at all and starts
	// neither the filter nor the fleet.
	Offline RuntimeMode = "offline"
)

// ParseRuntimeMode parses a mode name case-insensitively. Anything other
// than networked or offline is an error; there is no default.
func ParseRuntimeMode(value string) (RuntimeMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(Networked):
		return Networked, nil
	case string(Offline):
		return Offline, nil
	}
	return "", fmt.Errorf("stack: unknown runtime mode %q (want networked or offline)", value)
}

func (m RuntimeMode) String() string {
	return string(m)
}

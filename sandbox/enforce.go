// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

// ProcessLimits are the rlimits applied by [Enforce]. Zero leaves a
// limit unchanged.
type ProcessLimits struct {
	OpenFiles uint64
	Processes uint64
}

// DefaultProcessLimits suit a DNS filter or proxy member: enough
// descriptors for the connection cap on both ports and a modest thread
// count.
var DefaultProcessLimits = ProcessLimits{
	OpenFiles: 4096,
	Processes: 512,
}

type rlimitPair struct {
	Cur, Max uint64
}

// clampRlimit lowers the soft and hard limits to at most ceiling.
func clampRlimit(soft, hard, ceiling uint64) rlimitPair {
	return rlimitPair{Cur: min(soft, ceiling), Max: min(hard, ceiling)}
}

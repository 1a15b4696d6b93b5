// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox defines the runtime hardening profile of the agent
// container and checks that a running agent actually conforms to it.
//
// [Apply] takes a [HardeningPolicy] and an engine-neutral
// [ContainerSpec] and returns the hardened spec: numeric non-root user,
// read-only root filesystem, every capability dropped,
// no-new-privileges, memory, CPU and pids ceilings, size-capped tmpfs
// scratch mounts, and exactly one read-write bind mount for the
// workspace. Apply only ever tightens a spec. Anything in the input that
// would weaken the profile, such as an added capability or a bind mount
// of the engine socket, comes back as a [*PolicyViolation] listing every
// broken rule. [ValidateHardened] performs the same checks on a spec
// without changing it.
//
// [Probes] is the conformance battery run inside the agent by
// "sapphire-bee probe": identity, capability sets and NoNewPrivs from
// /proc/self/status, filesystem writability, absence of host secrets,
// and network reachability for the selected mode. [ProbeRunner] runs it
// and prints the results.
//
// [Enforce] applies the in-process part of the profile (no_new_privs and
// rlimits) to the DNS filter and proxy binaries themselves.
package sandbox

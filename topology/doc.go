// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package topology declares the two network segments of a sandboxed
// agent stack and the static attachments of every node on them.
//
// The internal segment (sandbox_net) has no route out of the host. The
// agent and the DNS filter attach to it only. The egress segment
// (egress_net) is routable. Proxy fleet members are the only nodes
// attached to both, which makes them the single path from the agent to
// the internet.
//
// [Build] derives a [Plan] from the segment settings and the allowlist
// routes. [Plan.Validate] checks the plan before anything is started,
// and [CheckDualHomed] checks the same property against the attachments
// a container engine reports for a running stack.
package topology

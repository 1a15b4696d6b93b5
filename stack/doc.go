// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package stack turns the master configuration into a [Declaration] of
// every container in a sandboxed agent stack and defines how a
// declaration is started and stopped.
//
// [Declare] is the single entry point from configuration. In networked
// mode the declaration holds the validated topology plan, the allowlist
// snapshot, a DNS filter service, one proxy service per route and the
// hardened agent. In offline mode it holds only the agent, with network
// mode none; the hardening profile does not change between modes.
//
// [Orchestrator] is implemented by the compose package for deployed
// stacks. [Local] runs the filter and the fleet in-process for
// development and tests.
package stack

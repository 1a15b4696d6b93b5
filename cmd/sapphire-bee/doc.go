// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Sapphire-bee is the operator CLI for a sandboxed agent stack. It
// renders the compose files for the configured mode, brings the stack up
// and down, verifies a running stack against its declaration, runs the
// containment probes inside the agent, and mints short-lived GitHub
// tokens for the agent's environment.
package main

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package compose renders a stack declaration into docker compose files
// and drives docker compose to bring the stack up and down.
//
// A networked stack is split in two: compose.base.yml holds the two
// networks, the DNS filter and the proxies, and compose.direct.yml holds
// the agent. An offline stack is the single file compose.offline.yml
// with the agent on network_mode none. Credentials appear only as
// ${NAME} references resolved by compose from the caller's environment.
package compose

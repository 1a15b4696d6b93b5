// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package inspect verifies a running stack against its declaration by
// reading docker inspect records: network attachments and static
// addresses, dual-homing, the agent's identity, privileges, resource
// limits and mounts, and the absence of any network in offline mode.
package inspect

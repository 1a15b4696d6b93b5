// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Sapphire-proxy runs the proxy fleet members for one or more allowlist
// routes. Each member listens on its route's fixed address, forwards TLS
// by SNI and plain HTTP by Host, and refuses any other destination.
package main

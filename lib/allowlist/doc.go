// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package allowlist holds the immutable set of hostnames a sandboxed agent
// may reach.
//
// An [Entry] binds one hostname to one internal address and one upstream
// origin. Hostnames match exactly and case-insensitively; listing an apex
// never covers its subdomains, and there is no wildcard syntax. Several
// hostnames may share an internal address when they name the same upstream
// (github.com and www.github.com both terminate at the same proxy). The
// shared address is described by a [Route], and an address bound to two
// different upstreams is rejected at load time.
//
// A [Snapshot] is the validated, read-only form handed to the DNS filter and
// the proxy fleet at startup. It is never mutated after construction; a
// reload builds a new Snapshot and swaps it in whole. [Snapshot.Digest] is a
// BLAKE3 hash over the canonical encoding so that the table a component is
// serving can be compared against the one the orchestrator distributed.
//
// The on-disk format ([Parse], [Format]) follows the hosts file layout:
//
//	# address    hostname [hostname...]   [upstream=origin]
//	10.100.1.10  github.com www.github.com
//	10.100.1.14  api.anthropic.com
package allowlist

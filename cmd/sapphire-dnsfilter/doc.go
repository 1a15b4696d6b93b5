// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Sapphire-dnsfilter is the allowlist resolver of a networked stack. It
// answers A queries for listed hostnames with the route's proxy address
// and NXDOMAIN for everything else. SIGHUP reloads the allowlist file;
// a file that fails to parse leaves the running table in place.
package main

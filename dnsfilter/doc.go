// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package dnsfilter is the sandboxed agent's only resolver: an
// authoritative DNS server that answers allowlisted hostnames with their
// fixed internal address and everything else with NXDOMAIN.
//
// [Filter] holds the current [allowlist.Snapshot] behind an atomic
// pointer. Lookups are exact and case-insensitive; there is no suffix or
// wildcard matching, so listing github.com does not make gist.github.com
// resolvable. [Filter.Reload] replaces the whole table at once, and a
// query observes either the old table or the new one, never a mixture.
//
// [Filter.Answer] is the pure query-to-response function:
//
//   - A for a listed name: NOERROR, authoritative, one record, short TTL.
//   - AAAA for a listed name: NOERROR with no records (there are no IPv6
//     routes out of the internal segment).
//   - any other type for a listed name: REFUSED.
//   - any unlisted name: NXDOMAIN.
//   - non-QUERY opcodes: NOTIMP; anything but exactly one IN question:
//     FORMERR or REFUSED.
//
// Recursion is never offered and nothing is forwarded, so unavailability
// of the filter means resolution fails rather than bypassing to a public
// resolver. Every query, answered or denied, is written as one structured
// record to the audit logger.
//
// [Server] serves a Filter over UDP and TCP using github.com/miekg/dns.
package dnsfilter

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the per-destination proxy fleet: one
// [Member] per allowlist route, each listening on the route's fixed
// internal address and forwarding only to the route's single upstream
// origin over the egress segment.
//
// A Member is the same generic type for every route, parameterized by
// (listen address, upstream origin, server names):
//
//   - Port 443 is TLS pass-through. The member reads the ClientHello
//     without terminating TLS, and resets the connection unless its SNI
//     is one of the route's server names. Accepted connections are
//     spliced to upstream:443 with the buffered hello replayed first.
//   - Port 80 is plain HTTP. Every request on a connection has its Host
//     checked; a mismatch is answered 421 Misdirected Request. Matching
//     requests are forwarded to http://upstream with hop-by-hop headers
//     removed and event streams flushed as they arrive.
//
// These checks are what stop a listed address from being used to reach
// a different origin (domain fronting). Destination is never taken
// from the client: the upstream is fixed by the route.
//
// Upstream dialing is bounded: [DialPolicy] sets attempts, a per-attempt
// connect timeout, and a fixed backoff. When every attempt fails the
// client connection is reset ([ErrUpstreamUnreachable]).
//
// [Fleet] starts one Member per route. A member that fails to start or
// whose listener dies is logged and stays down; siblings are unaffected
// and nothing is rerouted.
package proxy

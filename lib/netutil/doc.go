// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides the connection plumbing shared by the proxy
// fleet and the credential client.
//
// [Bridge] splices two connections with half-close propagation, an idle
// deadline that every read and write pushes forward, and per-direction
// byte counts. [Reset] closes a TCP connection with SO_LINGER 0 so the
// peer sees RST instead of an orderly FIN; it is how a proxy refuses a
// connection it will not serve.
//
// [IsExpectedCloseError] classifies errors that occur during normal
// teardown of a bridged pair, and [IsTimeout] recognizes idle expiry.
//
// [DecodeResponse] and [ErrorBody] bound HTTP response body reads at
// [MaxResponseSize].
package netutil

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap. A [Buffer] is
// an anonymous mmap region locked into RAM and excluded from core
// dumps; Close zeroes and unmaps it. The GitHub App private key lives in
// one for the lifetime of a token issuer.
package secret

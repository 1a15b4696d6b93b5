// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package githubapp exchanges a GitHub App identity for short-lived,
// repository-scoped installation tokens. The agent receives only the
// installation token, through its environment; the App's private key
// never enters the sandbox.
//
// An [Issuer] signs an RS256 JWT valid for ten minutes (issued-at
// backdated by 60 seconds for clock skew) and posts it to
// /app/installations/{id}/access_tokens with the requested repositories
// and permissions. The resulting [Token] redacts its value when logged.
package githubapp

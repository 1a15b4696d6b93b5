// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package githubapp

import (
	"fmt"
	"log/slog"
	"time"
)

// DefaultRefreshMargin is how long before expiry a token should be
// replaced. Installation tokens live for one hour.
const DefaultRefreshMargin = 10 * time.Minute

// Scope restricts an installation token.
type Scope struct {
	// Repositories lists repository names (without owner). Empty means
	// every repository the installation can access.
	Repositories []string

	// Permissions maps a permission name to "read" or "write". Empty
	// means the installation's full permission set.
	Permissions map[string]string
}

// Token is an issued installation token.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Scope     Scope
}

// ExpiresIn returns the time left before the token expires, clamped at
// zero.
func (t *Token) ExpiresIn(now time.Time) time.Duration {
	remaining := t.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NeedsRefresh reports whether the token expires within margin of now.
// A non-positive margin means DefaultRefreshMargin.
func (t *Token) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return t.ExpiresIn(now) <= margin
}

// LogValue implements slog.LogValuer. The token value is never logged.
func (t *Token) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("value", "[redacted]"),
		slog.Time("expires_at", t.ExpiresAt),
		slog.Any("repositories", t.Scope.Repositories),
	)
}

// String keeps the value out of fmt output.
func (t *Token) String() string {
	return fmt.Sprintf("githubapp.Token{expires %s}", t.ExpiresAt.Format(time.RFC3339))
}

// IssueError is a token exchange GitHub answered with an error.
type IssueError struct {
	Status  int
	Message string
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("githubapp: token exchange returned HTTP %d: %s", e.Status, e.Message)
}

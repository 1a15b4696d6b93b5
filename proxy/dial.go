// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrUpstreamUnreachable means every dial attempt to a member's upstream
// failed. The client connection is reset.
var ErrUpstreamUnreachable = errors.New("proxy: upstream unreachable")

// Dial policy defaults.
const (
	DefaultDialAttempts   = 2
	DefaultConnectTimeout = 10 * time.Second
	DefaultDialBackoff    = 250 * time.Millisecond
)

// DialPolicy bounds upstream connection attempts.
type DialPolicy struct {
	// Attempts is the total number of dials. Zero means DefaultDialAttempts.
	Attempts int

	// ConnectTimeout bounds each attempt. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Backoff is the fixed wait between attempts. Zero means
	// DefaultDialBackoff; negative means no wait.
	Backoff time.Duration
}

func (p DialPolicy) withDefaults() DialPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultDialAttempts
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.Backoff == 0 {
		p.Backoff = DefaultDialBackoff
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// DialContextFunc matches net.Dialer.DialContext.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

type upstreamDialer struct {
	policy      DialPolicy
	dialContext DialContextFunc
}

// dial connects to address within the policy's bounds.
func (d *upstreamDialer) dial(ctx context.Context, address string) (net.Conn, error) {
	var lastError error
	for attempt := 1; attempt <= d.policy.Attempts; attempt++ {
		attemptContext, cancel := context.WithTimeout(ctx, d.policy.ConnectTimeout)
		connection, err := d.dialContext(attemptContext, "tcp", address)
		cancel()
		if err == nil {
			return connection, nil
		}
		lastError = err

		if attempt == d.policy.Attempts {
			break
		}
		timer := time.NewTimer(d.policy.Backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamUnreachable, address, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrUpstreamUnreachable, address, d.policy.Attempts, lastError)
}

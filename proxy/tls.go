// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/netutil"
)

// acceptLoop accepts TLS connections until the listener closes, then
// waits for in-flight connections so that Done signals quiescence.
func (m *Member) acceptLoop(ctx context.Context, listener net.Listener) {
	defer m.connections.Wait()
	for {
		connection, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netError net.Error
			if errors.As(err, &netError) && netError.Timeout() {
				continue
			}
			m.logger.Error("tls accept failed; member down", "error", err)
			return
		}

		connectionID := m.connectionCount.Add(1)
		m.connections.Add(1)
		go func() {
			defer m.connections.Done()
			m.handleTLS(ctx, connection, connectionID)
		}()
	}
}

// handleTLS checks the ClientHello SNI against the route and splices the
// connection to the upstream. The client's TLS session is end-to-end
// with the origin; the member never holds keys.
func (m *Member) handleTLS(ctx context.Context, connection net.Conn, connectionID uint64) {
	startTime := time.Now()
	logger := m.logger.With(
		"connection_id", connectionID,
		"protocol", "tls",
		"remote_addr", connection.RemoteAddr().String(),
	)

	connection.SetReadDeadline(startTime.Add(m.helloTimeout))
	serverName, hello, err := readClientHello(connection)
	connection.SetReadDeadline(time.Time{})
	if err != nil {
		logger.Warn("connection rejected", "reason", "no client hello", "error", err)
		netutil.Reset(connection)
		return
	}
	if serverName == "" {
		logger.Warn("connection rejected", "reason", "missing sni")
		netutil.Reset(connection)
		return
	}
	if !m.route.Accepts(serverName) {
		logger.Warn("connection rejected",
			"reason", "sni mismatch",
			"server_name", serverName,
		)
		netutil.Reset(connection)
		return
	}

	logger = logger.With("server_name", serverName)
	logger.Info("connection accepted")

	upstream, err := m.dialer.dial(ctx, m.upstreamAddress(m.upstreamTLSPort))
	if err != nil {
		logger.Warn("upstream unreachable, resetting client", "error", err)
		netutil.Reset(connection)
		return
	}

	clientReader := io.MultiReader(bytes.NewReader(hello), connection)
	stats, err := netutil.Bridge(connection, clientReader, upstream, m.idleTimeout)
	attributes := []any{
		"bytes_sent", stats.ClientToUpstream,
		"bytes_received", stats.UpstreamToClient,
		"idle_expired", stats.IdleExpired,
		"duration", time.Since(startTime),
	}
	if err != nil {
		logger.Warn("connection ended with error", append(attributes, "error", err)...)
		return
	}
	logger.Info("connection closed", attributes...)
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"net"
	"time"
)

// IdleTimeoutConn extends the connection's read or write deadline by
// Timeout before every Read and Write, so a peer that stops sending or
// receiving for Timeout fails the pending call with a timeout error.
type IdleTimeoutConn struct {
	net.Conn
	Timeout time.Duration
}

// WithIdleTimeout wraps connection. A non-positive timeout returns
// connection unchanged.
func WithIdleTimeout(connection net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return connection
	}
	return &IdleTimeoutConn{Conn: connection, Timeout: timeout}
}

func (c *IdleTimeoutConn) Read(buffer []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(buffer)
}

func (c *IdleTimeoutConn) Write(buffer []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(buffer)
}

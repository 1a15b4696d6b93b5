// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, use of a closed connection, broken pipe, or
// connection reset. These arise on the surviving side of a bridge after
// the other side goes away and are not worth logging as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// Reset closes connection so that the peer observes a TCP RST. It works
// on *net.TCPConn and on any wrapper exposing SetLinger; other
// connections are closed normally.
func Reset(connection net.Conn) error {
	if lingerer, ok := connection.(interface{ SetLinger(int) error }); ok {
		lingerer.SetLinger(0)
	}
	return connection.Close()
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

var errHelloCaptured = errors.New("client hello captured")

// readClientHello reads the TLS ClientHello from reader and returns its
// SNI server name together with every byte consumed, so the caller can
// replay them to the upstream. The handshake is aborted as soon as the
// hello is parsed; nothing is written back to the client.
func readClientHello(reader io.Reader) (string, []byte, error) {
	var consumed bytes.Buffer
	var serverName string
	sawHello := false

	err := tls.Server(readOnlyConn{reader: io.TeeReader(reader, &consumed)}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			serverName = hello.ServerName
			sawHello = true
			return nil, errHelloCaptured
		},
	}).Handshake()

	if !sawHello {
		if err == nil {
			err = errors.New("handshake ended without a client hello")
		}
		return "", consumed.Bytes(), fmt.Errorf("reading client hello: %w", err)
	}
	return serverName, consumed.Bytes(), nil
}

// readOnlyConn feeds bytes to crypto/tls and discards anything it tries
// to send, so a parse never produces an alert on the wire.
type readOnlyConn struct {
	reader io.Reader
}

func (c readOnlyConn) Read(p []byte) (int, error) { return c.reader.Read(p) }
func (readOnlyConn) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }
func (readOnlyConn) Close() error { return nil }
func (readOnlyConn) LocalAddr() net.Addr { return nil }
func (readOnlyConn) RemoteAddr() net.Addr { return nil }
func (readOnlyConn) SetDeadline(time.Time) error { return nil }
func (readOnlyConn) SetReadDeadline(time.Time) error { return nil }
func (readOnlyConn) SetWriteDeadline(time.Time) error { return nil }

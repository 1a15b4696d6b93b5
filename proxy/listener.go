// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"log/slog"
	"net"
	"sync"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/netutil"
)

// connectionSlots caps concurrent connections across a member's
// listeners and tracks them for forced close at shutdown.
type connectionSlots struct {
	capacity int
	logger   *slog.Logger

	mu     sync.Mutex
	active map[*trackedConn]struct{}
}

func newConnectionSlots(capacity int, logger *slog.Logger) *connectionSlots {
	return &connectionSlots{
		capacity: capacity,
		logger:   logger,
		active:   make(map[*trackedConn]struct{}),
	}
}

func (s *connectionSlots) acquire(connection net.Conn) (*trackedConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) >= s.capacity {
		return nil, false
	}
	tracked := &trackedConn{Conn: connection, slots: s}
	s.active[tracked] = struct{}{}
	return tracked, true
}

func (s *connectionSlots) release(tracked *trackedConn) {
	s.mu.Lock()
	delete(s.active, tracked)
	s.mu.Unlock()
}

// count returns the number of open connections.
func (s *connectionSlots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// closeAll force-closes every open connection.
func (s *connectionSlots) closeAll() {
	s.mu.Lock()
	connections := make([]*trackedConn, 0, len(s.active))
	for tracked := range s.active {
		connections = append(connections, tracked)
	}
	s.mu.Unlock()
	for _, tracked := range connections {
		netutil.Reset(tracked)
	}
}

// limitedListener resets connections beyond the slot capacity as soon
// as they are accepted.
type limitedListener struct {
	net.Listener
	slots    *connectionSlots
	protocol string
}

func (l *limitedListener) Accept() (net.Conn, error) {
	for {
		connection, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		tracked, ok := l.slots.acquire(connection)
		if ok {
			return tracked, nil
		}
		l.slots.logger.Warn("connection rejected",
			"reason", "connection limit reached",
			"protocol", l.protocol,
			"remote_addr", connection.RemoteAddr().String(),
			"limit", l.slots.capacity,
		)
		netutil.Reset(connection)
	}
}

// trackedConn releases its slot on Close and forwards the TCP-specific
// calls the bridge and Reset rely on.
type trackedConn struct {
	net.Conn
	slots     *connectionSlots
	closeOnce sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() { c.slots.release(c) })
	return err
}

func (c *trackedConn) CloseWrite() error {
	if writeCloser, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return writeCloser.CloseWrite()
	}
	return nil
}

func (c *trackedConn) SetLinger(seconds int) error {
	if tcpConnection, ok := c.Conn.(*net.TCPConn); ok {
		return tcpConnection.SetLinger(seconds)
	}
	return nil
}

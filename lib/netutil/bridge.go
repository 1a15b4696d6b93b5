// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// BridgeStats reports what one Bridge call moved.
type BridgeStats struct {
	// ClientToUpstream and UpstreamToClient are byte counts per direction.
	ClientToUpstream int64
	UpstreamToClient int64

	// IdleExpired is true when the bridge ended because neither side
	// sent anything for the idle timeout.
	IdleExpired bool
}

// Bridge copies bytes both ways between client and upstream until both
// directions finish. clientReader is read in place of client when bytes
// were already buffered from it (a peeked TLS ClientHello); pass client
// itself otherwise.
//
// When one direction reaches EOF the write side of the other connection
// is half-closed, so request/response protocols drain properly. If idle
// is positive, both connections share a deadline that any read or write
// on either side extends by idle; expiry closes both. Both connections
// are closed before Bridge returns.
//
// The returned error is nil for normal termination (EOF, reset, peer
// close, idle expiry).
func Bridge(client net.Conn, clientReader io.Reader, upstream net.Conn, idle time.Duration) (BridgeStats, error) {
	deadline := &idleDeadline{timeout: idle, connections: []net.Conn{client, upstream}}
	deadline.touch()

	var stats BridgeStats
	var firstError error
	var errorOnce sync.Once
	record := func(err error) {
		if err == nil {
			return
		}
		if IsTimeout(err) {
			deadline.markExpired()
			return
		}
		if !IsExpectedCloseError(err) {
			errorOnce.Do(func() { firstError = err })
		}
	}

	var waitGroup sync.WaitGroup
	waitGroup.Add(2)

	go func() {
		defer waitGroup.Done()
		bytesCopied, err := io.Copy(&activityWriter{upstream, deadline}, &activityReader{clientReader, deadline})
		stats.ClientToUpstream = bytesCopied
		record(err)
		closeWrite(upstream)
		if err != nil {
			// A failed direction cannot half-close cleanly.
			client.Close()
			upstream.Close()
		}
	}()

	go func() {
		defer waitGroup.Done()
		bytesCopied, err := io.Copy(&activityWriter{client, deadline}, &activityReader{upstream, deadline})
		stats.UpstreamToClient = bytesCopied
		record(err)
		closeWrite(client)
		if err != nil {
			client.Close()
			upstream.Close()
		}
	}()

	waitGroup.Wait()
	client.Close()
	upstream.Close()

	stats.IdleExpired = deadline.expired()
	return stats, firstError
}

// closeWrite half-closes connections that support it.
func closeWrite(connection net.Conn) {
	if writeCloser, ok := connection.(interface{ CloseWrite() error }); ok {
		writeCloser.CloseWrite()
	}
}

// idleDeadline pushes a shared deadline forward on activity. Touches are
// rate-limited to avoid a SetDeadline syscall per small write.
type idleDeadline struct {
	timeout     time.Duration
	connections []net.Conn

	mu         sync.Mutex
	lastTouch  time.Time
	hasExpired bool
}

func (d *idleDeadline) touch() {
	if d.timeout <= 0 {
		return
	}
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.lastTouch.IsZero() && now.Sub(d.lastTouch) < d.timeout/16 {
		return
	}
	d.lastTouch = now
	for _, connection := range d.connections {
		connection.SetDeadline(now.Add(d.timeout))
	}
}

func (d *idleDeadline) markExpired() {
	d.mu.Lock()
	d.hasExpired = true
	d.mu.Unlock()
}

func (d *idleDeadline) expired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasExpired
}

type activityReader struct {
	reader   io.Reader
	deadline *idleDeadline
}

func (r *activityReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.deadline.touch()
	}
	return n, err
}

type activityWriter struct {
	writer   io.Writer
	deadline *idleDeadline
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	if n > 0 {
		w.deadline.touch()
	}
	return n, err
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netError net.Error
	return errors.As(err, &netError) && netError.Timeout()
}

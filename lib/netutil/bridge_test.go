// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/testutil"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		connection, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- connection
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server := testutil.RequireReceive(t, accepted, 5*time.Second, "accepting loopback connection")
	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return dialed, server
}

func TestBridgeCopiesBothWaysWithHalfClose(t *testing.T) {
	// agent <-> clientSide [bridge] upstreamSide <-> origin
	agent, clientSide := tcpPair(t)
	upstreamSide, origin := tcpPair(t)

	type result struct {
		stats BridgeStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := Bridge(clientSide, clientSide, upstreamSide, time.Minute)
		done <- result{stats, err}
	}()

	// Origin echoes one line upper-cased, then waits for EOF.
	go func() {
		reader := bufio.NewReader(origin)
		line, _ := reader.ReadString('\n')
		origin.Write([]byte(strings.ToUpper(line)))
		io.Copy(io.Discard, reader)
		origin.Close()
	}()

	if _, err := agent.Write([]byte("hello upstream\n")); err != nil {
		t.Fatal(err)
	}
	agent.(*net.TCPConn).CloseWrite()

	reply, err := io.ReadAll(agent)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	if string(reply) != "HELLO UPSTREAM\n" {
		t.Errorf("reply = %q", reply)
	}

	outcome := testutil.RequireReceive(t, done, 5*time.Second, "bridge to finish")
	if outcome.err != nil {
		t.Errorf("Bridge error = %v", outcome.err)
	}
	if outcome.stats.ClientToUpstream != 15 || outcome.stats.UpstreamToClient != 15 {
		t.Errorf("stats = %+v, want 15 bytes each way", outcome.stats)
	}
	if outcome.stats.IdleExpired {
		t.Error("bridge should not report idle expiry")
	}
}

func TestBridgeUsesPrefixReader(t *testing.T) {
	agent, clientSide := tcpPair(t)
	upstreamSide, origin := tcpPair(t)

	// Simulates bytes already consumed from clientSide by a peek.
	prefixed := io.MultiReader(strings.NewReader("PEEKED "), clientSide)
	go Bridge(clientSide, prefixed, upstreamSide, time.Minute)

	agent.Write([]byte("rest"))
	agent.(*net.TCPConn).CloseWrite()

	received, err := io.ReadAll(origin)
	if err != nil {
		t.Fatal(err)
	}
	if string(received) != "PEEKED rest" {
		t.Errorf("origin received %q", received)
	}
}

func TestBridgeIdleTimeout(t *testing.T) {
	_, clientSide := tcpPair(t)
	upstreamSide, _ := tcpPair(t)

	done := make(chan BridgeStats, 1)
	go func() {
		stats, _ := Bridge(clientSide, clientSide, upstreamSide, 100*time.Millisecond)
		done <- stats
	}()

	stats := testutil.RequireReceive(t, done, 5*time.Second, "idle bridge to expire")
	if !stats.IdleExpired {
		t.Errorf("stats = %+v, want IdleExpired", stats)
	}
}

func TestResetSendsRST(t *testing.T) {
	client, server := tcpPair(t)
	if err := Reset(server); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("read after Reset = %v, want ECONNRESET", err)
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"closed", net.ErrClosed, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"broken pipe", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, false},
		{"other", errors.New("boom"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("%s: IsExpectedCloseError = %v, want %v", test.name, got, test.want)
		}
	}
	if !IsTimeout(os.ErrDeadlineExceeded) {
		t.Error("deadline exceeded should be a timeout")
	}
	if IsTimeout(io.EOF) {
		t.Error("EOF is not a timeout")
	}
}

func TestIdleTimeoutConn(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	if WithIdleTimeout(local, 0) != local {
		t.Error("zero timeout should return the connection unchanged")
	}

	connection := WithIdleTimeout(local, 100*time.Millisecond)
	buffer := make([]byte, 16)

	// Each read gets a fresh deadline, so a peer that keeps talking is
	// never cut off even when the total exceeds the timeout.
	go func() {
		for i := 0; i < 4; i++ {
			time.Sleep(50 * time.Millisecond)
			remote.Write([]byte("x"))
		}
	}()
	for i := 0; i < 4; i++ {
		if _, err := connection.Read(buffer); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}

	start := time.Now()
	_, err := connection.Read(buffer)
	if !IsTimeout(err) {
		t.Fatalf("read from a silent peer = %v, want a timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

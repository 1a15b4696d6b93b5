// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package dnsfilter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Server serves a Filter over UDP and TCP on one address.
type Server struct {
	filter        *Filter
	listenAddress string
	logger        *slog.Logger
	readTimeout   time.Duration
	writeTimeout  time.Duration

	mu           sync.Mutex
	udpServer    *dns.Server
	tcpServer    *dns.Server
	udpConn      net.PacketConn
	tcpListener  net.Listener
	serveErrors  chan error
	running      bool
	shutdownDone bool
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	// Filter answers every query. Required.
	Filter *Filter

	// ListenAddress is the host:port for both UDP and TCP. Default ":53".
	ListenAddress string

	// Logger for operational events. Query records go to the Filter's
	// audit logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// ReadTimeout and WriteTimeout bound TCP exchanges. Zero means 2s.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewServer creates a Server. Call Start to begin serving.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Filter == nil {
		return nil, fmt.Errorf("dnsfilter: filter is required")
	}
	if config.ListenAddress == "" {
		config.ListenAddress = ":53"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 2 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 2 * time.Second
	}
	return &Server{
		filter:        config.Filter,
		listenAddress: config.ListenAddress,
		logger:        config.Logger,
		readTimeout:   config.ReadTimeout,
		writeTimeout:  config.WriteTimeout,
	}, nil
}

// Start binds UDP and TCP and begins serving. It returns once both
// listeners are accepting queries, or with the first bind error.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("dnsfilter: server already started")
	}
	if s.shutdownDone {
		return fmt.Errorf("dnsfilter: server has been shut down")
	}

	udpConn, err := net.ListenPacket("udp", s.listenAddress)
	if err != nil {
		return fmt.Errorf("listening on udp %s: %w", s.listenAddress, err)
	}
	// Bind TCP to the port UDP actually got, so ":0" yields one port.
	tcpListener, err := net.Listen("tcp", udpConn.LocalAddr().String())
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("listening on tcp %s: %w", udpConn.LocalAddr(), err)
	}

	handler := dns.HandlerFunc(s.serveDNS)
	s.udpConn = udpConn
	s.tcpListener = tcpListener
	s.serveErrors = make(chan error, 2)

	udpStarted := make(chan struct{})
	tcpStarted := make(chan struct{})
	s.udpServer = &dns.Server{
		PacketConn:        udpConn,
		Handler:           handler,
		NotifyStartedFunc: func() { close(udpStarted) },
	}
	s.tcpServer = &dns.Server{
		Listener:          tcpListener,
		Handler:           handler,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		NotifyStartedFunc: func() { close(tcpStarted) },
	}

	for _, server := range []*dns.Server{s.udpServer, s.tcpServer} {
		go func(server *dns.Server) {
			s.serveErrors <- server.ActivateAndServe()
		}(server)
	}

	for _, started := range []chan struct{}{udpStarted, tcpStarted} {
		select {
		case <-started:
		case err := <-s.serveErrors:
			udpConn.Close()
			tcpListener.Close()
			return fmt.Errorf("dnsfilter: server failed to start: %w", err)
		}
	}

	s.running = true
	s.logger.Info("dns filter listening",
		"udp", udpConn.LocalAddr().String(),
		"tcp", tcpListener.Addr().String(),
		"hostnames", s.filter.Snapshot().Len(),
		"digest", s.filter.Snapshot().Digest(),
	)
	return nil
}

// UDPAddr returns the bound UDP address, or nil before Start.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil before Start.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// Shutdown stops both listeners and waits for in-flight queries up to
// the context deadline. Calling Shutdown more than once, or before
// Start, returns nil.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdownDone {
		return nil
	}
	s.shutdownDone = true
	if !s.running {
		return nil
	}
	s.running = false

	var errs []error
	for _, server := range []*dns.Server{s.udpServer, s.tcpServer} {
		if err := server.ShutdownContext(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("dns filter stopped")
	return errors.Join(errs...)
}

func (s *Server) serveDNS(writer dns.ResponseWriter, request *dns.Msg) {
	protocol := "udp"
	if _, ok := writer.RemoteAddr().(*net.TCPAddr); ok {
		protocol = "tcp"
	}
	response := s.filter.Answer(request, writer.RemoteAddr(), protocol)
	if err := writer.WriteMsg(response); err != nil {
		s.logger.Debug("writing dns response failed",
			"source", writer.RemoteAddr().String(),
			"error", err,
		)
	}
}

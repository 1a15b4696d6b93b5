// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

// Member defaults.
const (
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultHelloTimeout   = 10 * time.Second
	DefaultMaxConnections = 256
)

// MemberConfig holds configuration for one fleet member.
type MemberConfig struct {
	// Route is the address, upstream, and accepted server names. Required.
	Route allowlist.Route

	// TLSListenAddress defaults to Route.Address:443.
	TLSListenAddress string

	// HTTPListenAddress defaults to Route.Address:80. Set DisableHTTP to
	// serve TLS only.
	HTTPListenAddress string
	DisableHTTP       bool

	// UpstreamTLSPort and UpstreamHTTPPort are the ports dialed on the
	// upstream origin. Defaults 443 and 80.
	UpstreamTLSPort  int
	UpstreamHTTPPort int

	// Dial bounds upstream connection attempts.
	Dial DialPolicy

	// DialContext replaces the default net.Dialer. Tests use it to point
	// the upstream at a loopback server.
	DialContext DialContextFunc

	// IdleTimeout closes a connection after this long without traffic in
	// either direction. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// HelloTimeout bounds the wait for the TLS ClientHello or the HTTP
	// request headers. Zero means DefaultHelloTimeout.
	HelloTimeout time.Duration

	// MaxConnections caps concurrent client connections across both
	// ports. Zero means DefaultMaxConnections.
	MaxConnections int

	// Logger for connection events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Member is one proxy fleet member bound to a single route.
type Member struct {
	route            allowlist.Route
	tlsAddress       string
	httpAddress      string
	upstreamTLSPort  int
	upstreamHTTPPort int
	dialer           *upstreamDialer
	idleTimeout      time.Duration
	helloTimeout     time.Duration
	httpClient       *http.Client
	slots            *connectionSlots
	logger           *slog.Logger

	connectionCount atomic.Uint64
	connections     sync.WaitGroup

	mu           sync.Mutex
	running      bool
	stopped      bool
	cancel       context.CancelFunc
	tlsListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	done         chan struct{}
}

// NewMember validates config and creates a Member. Call Start to listen.
func NewMember(config MemberConfig) (*Member, error) {
	route := config.Route
	if !route.Address.IsValid() {
		return nil, fmt.Errorf("proxy: route address is required")
	}
	if route.Upstream == "" {
		return nil, fmt.Errorf("proxy: route %s has no upstream", route.Address)
	}
	if len(route.ServerNames) == 0 {
		return nil, fmt.Errorf("proxy: route %s has no server names", route.Address)
	}

	if config.TLSListenAddress == "" {
		config.TLSListenAddress = net.JoinHostPort(route.Address.String(), "443")
	}
	if config.HTTPListenAddress == "" {
		config.HTTPListenAddress = net.JoinHostPort(route.Address.String(), "80")
	}
	if config.UpstreamTLSPort == 0 {
		config.UpstreamTLSPort = 443
	}
	if config.UpstreamHTTPPort == 0 {
		config.UpstreamHTTPPort = 80
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.HelloTimeout == 0 {
		config.HelloTimeout = DefaultHelloTimeout
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.MaxConnections < 0 {
		return nil, fmt.Errorf("proxy: max connections must be positive")
	}
	if config.DialContext == nil {
		config.DialContext = (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		"address", route.Address.String(),
		"upstream", route.Upstream,
	)

	member := &Member{
		route:            route,
		tlsAddress:       config.TLSListenAddress,
		httpAddress:      config.HTTPListenAddress,
		upstreamTLSPort:  config.UpstreamTLSPort,
		upstreamHTTPPort: config.UpstreamHTTPPort,
		dialer: &upstreamDialer{
			policy:      config.Dial.withDefaults(),
			dialContext: config.DialContext,
		},
		idleTimeout:  config.IdleTimeout,
		helloTimeout: config.HelloTimeout,
		slots:        newConnectionSlots(config.MaxConnections, logger),
		logger:       logger,
	}
	if config.DisableHTTP {
		member.httpAddress = ""
	}
	member.httpClient = member.newHTTPClient()
	return member, nil
}

// Route returns the member's route.
func (m *Member) Route() allowlist.Route {
	return m.route
}

// Start binds the member's listeners and begins serving. It returns once
// both are accepting, or with the bind error. The member runs until
// Shutdown or until ctx is cancelled.
func (m *Member) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("proxy: member %s already started", m.route.Address)
	}
	if m.stopped {
		return fmt.Errorf("proxy: member %s has been shut down", m.route.Address)
	}

	tlsListener, err := net.Listen("tcp", m.tlsAddress)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", m.tlsAddress, err)
	}
	m.tlsListener = &limitedListener{Listener: tlsListener, slots: m.slots, protocol: "tls"}

	if m.httpAddress != "" {
		httpListener, err := net.Listen("tcp", m.httpAddress)
		if err != nil {
			tlsListener.Close()
			return fmt.Errorf("proxy: listening on %s: %w", m.httpAddress, err)
		}
		m.httpListener = &limitedListener{Listener: httpListener, slots: m.slots, protocol: "http"}
		m.httpServer = &http.Server{
			Handler:           m,
			ReadHeaderTimeout: m.helloTimeout,
			IdleTimeout:       m.idleTimeout,
			ErrorLog:          slog.NewLogLogger(m.logger.Handler(), slog.LevelDebug),
		}
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true

	var serving sync.WaitGroup
	serving.Add(1)
	go func() {
		defer serving.Done()
		m.acceptLoop(ctx, m.tlsListener)
	}()
	if m.httpServer != nil {
		serving.Add(1)
		go func() {
			defer serving.Done()
			err := m.httpServer.Serve(m.httpListener)
			if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				m.logger.Error("http listener failed; member down", "error", err)
			}
		}()
	}
	go func() {
		serving.Wait()
		close(m.done)
	}()

	go func() {
		<-ctx.Done()
		m.closeListeners()
	}()

	attributes := []any{"tls_listen", m.tlsListener.Addr().String(), "server_names", m.route.ServerNames}
	if m.httpListener != nil {
		attributes = append(attributes, "http_listen", m.httpListener.Addr().String())
	}
	m.logger.Info("proxy member started", attributes...)
	return nil
}

// TLSAddr returns the bound TLS listener address, or nil before Start.
func (m *Member) TLSAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tlsListener == nil {
		return nil
	}
	return m.tlsListener.Addr()
}

// HTTPAddr returns the bound HTTP listener address, or nil when HTTP is
// disabled or before Start.
func (m *Member) HTTPAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.httpListener == nil {
		return nil
	}
	return m.httpListener.Addr()
}

// Done is closed once the member's listeners have stopped, whether by
// Shutdown or because a listener failed. It is nil before Start.
func (m *Member) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// ActiveConnections returns the number of open client connections.
func (m *Member) ActiveConnections() int {
	return m.slots.count()
}

// Shutdown stops accepting, then waits for open connections to finish
// until ctx expires, after which they are reset. Calling Shutdown more
// than once, or before Start, returns nil.
func (m *Member) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	wasRunning := m.running
	m.running = false
	m.mu.Unlock()

	if !wasRunning {
		return nil
	}

	m.cancel()
	m.closeListeners()

	var shutdownError error
	if m.httpServer != nil {
		if err := m.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			shutdownError = err
		}
	}

	select {
	case <-m.done:
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached, resetting open connections",
			"open_connections", m.slots.count(),
		)
		m.slots.closeAll()
		if m.httpServer != nil {
			m.httpServer.Close()
		}
		<-m.done
	}

	m.logger.Info("proxy member stopped",
		"connections_served", m.connectionCount.Load(),
	)
	return shutdownError
}

func (m *Member) closeListeners() {
	m.mu.Lock()
	tlsListener, httpListener := m.tlsListener, m.httpListener
	m.mu.Unlock()
	if tlsListener != nil {
		tlsListener.Close()
	}
	if httpListener != nil {
		httpListener.Close()
	}
}

func (m *Member) upstreamAddress(port int) string {
	return net.JoinHostPort(m.route.Upstream, strconv.Itoa(port))
}

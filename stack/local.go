// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/dnsfilter"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
	"github.com/SapphireBeehiveStudios/sapphire-bee/proxy"
)

// LocalConfig configures an in-process stack.
type LocalConfig struct {
	// Snapshot is the allowlist both the filter and the fleet serve.
	// Required.
	Snapshot *allowlist.Snapshot

	// DNSListenAddress defaults to "127.0.0.1:0".
	DNSListenAddress string

	// TTL for filter answers. Zero means dnsfilter.DefaultTTL.
	TTL time.Duration

	// Proxy is the template for every fleet member. Its listen
	// addresses contribute only their port.
	Proxy proxy.MemberConfig

	// Logger for both components. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Local runs a DNS filter and a proxy fleet in the current process, for
// development and tests. It has no network isolation of its own.
type Local struct {
	filter *dnsfilter.Filter
	server *dnsfilter.Server
	fleet  *proxy.Fleet
	logger *slog.Logger

	shutdownOnce  sync.Once
	shutdownError error
}

// StartLocal starts the filter and then the fleet. A fleet member that
// fails to start is logged and left down, as in a deployed stack, so
// the returned error covers the filter and fleet construction only.
// Fleet().Running() lists the members that came up.
func StartLocal(ctx context.Context, config LocalConfig) (*Local, error) {
	if config.Snapshot == nil {
		return nil, fmt.Errorf("stack: local stack needs an allowlist")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.DNSListenAddress == "" {
		config.DNSListenAddress = "127.0.0.1:0"
	}

	filter, err := dnsfilter.NewFilter(dnsfilter.FilterConfig{
		Snapshot:    config.Snapshot,
		TTL:         config.TTL,
		AuditLogger: logger.With("component", "dnsfilter"),
	})
	if err != nil {
		return nil, err
	}
	server, err := dnsfilter.NewServer(dnsfilter.ServerConfig{
		Filter:        filter,
		ListenAddress: config.DNSListenAddress,
		Logger:        logger.With("component", "dnsfilter"),
	})
	if err != nil {
		return nil, err
	}

	template := config.Proxy
	template.Logger = logger.With("component", "proxy")
	fleet, err := proxy.NewFleet(config.Snapshot.Routes(), template)
	if err != nil {
		return nil, err
	}

	if err := server.Start(); err != nil {
		return nil, err
	}
	local := &Local{filter: filter, server: server, fleet: fleet, logger: logger}
	if err := fleet.Start(ctx); err != nil {
		logger.Warn("local stack started with members down", "error", err)
	}
	return local, nil
}

// Filter returns the running filter.
func (l *Local) Filter() *dnsfilter.Filter {
	return l.filter
}

// DNSAddr returns the filter's UDP address.
func (l *Local) DNSAddr() net.Addr {
	return l.server.UDPAddr()
}

// Fleet returns the proxy fleet.
func (l *Local) Fleet() *proxy.Fleet {
	return l.fleet
}

// Reload swaps the allowlist served by the filter. The fleet keeps its
// routes; changing addresses needs a restart.
func (l *Local) Reload(snapshot *allowlist.Snapshot) error {
	return l.filter.Reload(snapshot)
}

// Shutdown stops the fleet and then the filter. Calling it again returns
// the first call's result.
func (l *Local) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.shutdownError = errors.Join(
			l.fleet.Shutdown(ctx),
			l.server.Shutdown(ctx),
		)
		l.logger.Info("local stack stopped")
	})
	return l.shutdownError
}

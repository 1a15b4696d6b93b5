// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

// Fleet runs one Member per route.
type Fleet struct {
	members []*Member
	logger  *slog.Logger

	mu      sync.Mutex
	started []*Member
	stopped bool
}

// NewFleet creates a member for every route. template supplies the
// shared settings. Each member listens on its route's address; only the
// port of template's listen addresses is used (default 443 and 80). A
// route that fails validation fails the whole fleet, since that is a
// configuration error rather than a runtime fault.
func NewFleet(routes []allowlist.Route, template MemberConfig) (*Fleet, error) {
	if len(routes) == 0 {
		return nil, fmt.Errorf("proxy: fleet needs at least one route")
	}
	logger := template.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fleet := &Fleet{logger: logger}
	for _, route := range routes {
		config := template
		config.Route = route
		config.TLSListenAddress = listenOn(route.Address, template.TLSListenAddress, "443")
		config.HTTPListenAddress = listenOn(route.Address, template.HTTPListenAddress, "80")
		member, err := NewMember(config)
		if err != nil {
			return nil, err
		}
		fleet.members = append(fleet.members, member)
	}
	return fleet, nil
}

// Members returns every member, started or not.
func (f *Fleet) Members() []*Member {
	return append([]*Member(nil), f.members...)
}

// Start starts every member. A member that fails to start is logged and
// left down; the others keep running. The returned error joins the
// individual failures and is nil only if every member started.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return fmt.Errorf("proxy: fleet has been shut down")
	}

	var errs []error
	for _, member := range f.members {
		if err := member.Start(ctx); err != nil {
			f.logger.Error("proxy member failed to start; address will not answer",
				"address", member.route.Address.String(),
				"upstream", member.route.Upstream,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		f.started = append(f.started, member)
		go f.watch(member)
	}
	f.logger.Info("proxy fleet started",
		"members", len(f.members),
		"running", len(f.started),
	)
	return errors.Join(errs...)
}

// Running returns the members that started successfully and have not
// stopped.
func (f *Fleet) Running() []*Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	var running []*Member
	for _, member := range f.started {
		select {
		case <-member.Done():
		default:
			running = append(running, member)
		}
	}
	return running
}

// watch logs a member whose listeners stop outside of Shutdown.
func (f *Fleet) watch(member *Member) {
	<-member.Done()
	f.mu.Lock()
	stopping := f.stopped
	f.mu.Unlock()
	if !stopping {
		f.logger.Error("proxy member stopped unexpectedly; address no longer answers",
			"address", member.route.Address.String(),
			"upstream", member.route.Upstream,
		)
	}
}

// Shutdown stops every started member concurrently. It is safe to call
// more than once and on a fleet that never started.
func (f *Fleet) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	started := f.started
	f.mu.Unlock()

	var waitGroup sync.WaitGroup
	errs := make([]error, len(started))
	for i, member := range started {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			errs[i] = member.Shutdown(ctx)
		}()
	}
	waitGroup.Wait()
	f.logger.Info("proxy fleet stopped", "members", len(started))
	return errors.Join(errs...)
}

// listenOn joins address with the port of template, or defaultPort when
// template is empty or has no port.
func listenOn(address netip.Addr, template, defaultPort string) string {
	port := defaultPort
	if template != "" {
		if _, templatePort, err := net.SplitHostPort(template); err == nil {
			port = templatePort
		}
	}
	return net.JoinHostPort(address.String(), port)
}

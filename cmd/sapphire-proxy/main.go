// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/process"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/version"
	"github.com/SapphireBeehiveStudios/sapphire-bee/proxy"
	"github.com/SapphireBeehiveStudios/sapphire-bee/sandbox"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	allowlistPath  string
	routes         []string
	dialAttempts   int
	connectTimeout time.Duration
	dialBackoff    time.Duration
	idleTimeout    time.Duration
	maxConnections int
	verbose        bool
	showVersion    bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("sapphire-proxy", pflag.ContinueOnError)
	flagSet.StringVar(&opts.allowlistPath, "allowlist", "/etc/sapphire/hosts.allowlist", "path to the hosts-style allowlist")
	flagSet.StringSliceVar(&opts.routes, "route", nil, "route address to serve, repeatable (default: every route)")
	flagSet.IntVar(&opts.dialAttempts, "dial-attempts", proxy.DefaultDialAttempts, "upstream connection attempts per client connection")
	flagSet.DurationVar(&opts.connectTimeout, "connect-timeout", proxy.DefaultConnectTimeout, "timeout of each upstream connection attempt")
	flagSet.DurationVar(&opts.dialBackoff, "dial-backoff", proxy.DefaultDialBackoff, "wait between upstream connection attempts (0 for none)")
	flagSet.DurationVar(&opts.idleTimeout, "idle-timeout", proxy.DefaultIdleTimeout, "close connections idle this long")
	flagSet.IntVar(&opts.maxConnections, "max-connections", proxy.DefaultMaxConnections, "concurrent client connections per member")
	flagSet.BoolVar(&opts.verbose, "verbose", false, "log at debug level")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	if opts.dialAttempts < 1 {
		return options{}, fmt.Errorf("--dial-attempts must be at least 1")
	}
	if opts.connectTimeout <= 0 || opts.idleTimeout <= 0 || opts.dialBackoff < 0 {
		return options{}, fmt.Errorf("--connect-timeout and --idle-timeout must be positive, --dial-backoff non-negative")
	}
	if opts.maxConnections < 1 {
		return options{}, fmt.Errorf("--max-connections must be at least 1")
	}
	return opts, nil
}

// memberTemplate translates flags into the shared member settings.
func (opts options) memberTemplate(logger *slog.Logger) proxy.MemberConfig {
	backoff := opts.dialBackoff
	if backoff == 0 {
		backoff = -1
	}
	return proxy.MemberConfig{
		Dial: proxy.DialPolicy{
			Attempts:       opts.dialAttempts,
			ConnectTimeout: opts.connectTimeout,
			Backoff:        backoff,
		},
		IdleTimeout:    opts.idleTimeout,
		MaxConnections: opts.maxConnections,
		Logger:         logger,
	}
}

// selectRoutes returns the routes named by addresses, or every route
// when addresses is empty. Naming an address the allowlist does not
// route is an error.
func selectRoutes(snapshot *allowlist.Snapshot, addresses []string) ([]allowlist.Route, error) {
	if len(addresses) == 0 {
		return snapshot.Routes(), nil
	}
	var routes []allowlist.Route
	for _, text := range addresses {
		address, err := netip.ParseAddr(text)
		if err != nil {
			return nil, fmt.Errorf("--route %q: %w", text, err)
		}
		route, ok := snapshot.Route(address)
		if !ok {
			return nil, fmt.Errorf("--route %s: no allowlist entry routes to this address", address)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("sapphire-proxy %s\n", version.Info())
		return nil
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := sandbox.Enforce(sandbox.DefaultProcessLimits); err != nil {
		return fmt.Errorf("self-hardening: %w", err)
	}

	snapshot, err := allowlist.LoadFile(opts.allowlistPath)
	if err != nil {
		return err
	}
	routes, err := selectRoutes(snapshot, opts.routes)
	if err != nil {
		return err
	}
	fleet, err := proxy.NewFleet(routes, opts.memberTemplate(logger))
	if err != nil {
		return err
	}

	// Members outlive the signal context; shutdown is explicit below.
	if err := fleet.Start(context.Background()); err != nil {
		if len(fleet.Running()) == 0 {
			return err
		}
		logger.Warn("some fleet members failed to start", "error", err)
	}
	for _, member := range fleet.Running() {
		route := member.Route()
		logger.Info("proxy member serving",
			"address", route.Address.String(),
			"upstream", route.Upstream,
			"server_names", route.ServerNames,
		)
	}
	logger.Info("sapphire-proxy started", "version", version.Info(), "members", len(fleet.Running()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fleet.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

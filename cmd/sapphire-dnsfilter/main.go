// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/SapphireBeehiveStudios/sapphire-bee/dnsfilter"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/process"
	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/version"
	"github.com/SapphireBeehiveStudios/sapphire-bee/sandbox"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

type options struct {
	allowlistPath string
	listenAddress string
	ttl           time.Duration
	auditLogPath  string
	verbose       bool
	showVersion   bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("sapphire-dnsfilter", pflag.ContinueOnError)
	flagSet.StringVar(&opts.allowlistPath, "allowlist", "/etc/sapphire/hosts.allowlist", "path to the hosts-style allowlist")
	flagSet.StringVar(&opts.listenAddress, "listen", ":53", "UDP and TCP listen address")
	flagSet.DurationVar(&opts.ttl, "ttl", dnsfilter.DefaultTTL, "TTL of allowlisted answers")
	flagSet.StringVar(&opts.auditLogPath, "audit-log", "", "append one JSON record per query to this file (default: stderr)")
	flagSet.BoolVar(&opts.verbose, "verbose", false, "log at debug level")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	if opts.ttl <= 0 || opts.ttl > dnsfilter.MaxTTL {
		return options{}, fmt.Errorf("--ttl must be in (0, %s]", dnsfilter.MaxTTL)
	}
	return opts, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("sapphire-dnsfilter %s\n", version.Info())
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

	var auditWriter io.Writer = os.Stderr
	if opts.auditLogPath != "" {
		auditFile, err := os.OpenFile(opts.auditLogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditFile.Close()
		auditWriter = auditFile
	}

	filter, err := dnsfilter.NewFilter(dnsfilter.FilterConfig{
		Snapshot:    snapshot,
		TTL:         opts.ttl,
		AuditLogger: slog.New(slog.NewJSONHandler(auditWriter, nil)),
	})
	if err != nil {
		return err
	}
	server, err := dnsfilter.NewServer(dnsfilter.ServerConfig{
		Filter:        filter,
		ListenAddress: opts.listenAddress,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	logger.Info("sapphire-dnsfilter started",
		"version", version.Info(),
		"listen", opts.listenAddress,
		"entries", snapshot.Len(),
		"digest", snapshot.Digest(),
	)

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-hangup:
			reload(filter, opts.allowlistPath, logger)
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		}
	}
}

// reload swaps in the allowlist at path, keeping the current table if
// the file is unreadable or invalid.
func reload(filter *dnsfilter.Filter, path string, logger *slog.Logger) {
	snapshot, err := allowlist.LoadFile(path)
	if err == nil {
		err = filter.Reload(snapshot)
	}
	if err != nil {
		logger.Error("allowlist reload failed, keeping current table",
			"path", path,
			"digest", filter.Snapshot().Digest(),
			"error", err,
		)
		return
	}
	logger.Info("allowlist reloaded",
		"path", path,
		"entries", snapshot.Len(),
		"digest", snapshot.Digest(),
	)
}

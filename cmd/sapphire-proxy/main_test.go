// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"
	"testing"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"--route", "10.100.1.10", "--route", "10.100.1.14", "--dial-backoff", "0s"})
	if err != nil {
		t.Fatal(err)
	}
	if len(opts.routes) != 2 || opts.dialAttempts != 2 || opts.connectTimeout != 10*time.Second {
		t.Errorf("parsed = %+v", opts)
	}

	template := opts.memberTemplate(nil)
	if template.Dial.Backoff >= 0 {
		t.Errorf("--dial-backoff 0s maps to Backoff %s, want negative (no wait)", template.Dial.Backoff)
	}
	opts.dialBackoff = time.Second
	if opts.memberTemplate(nil).Dial.Backoff != time.Second {
		t.Error("explicit backoff not carried")
	}

	for _, args := range [][]string{
		{"--dial-attempts", "0"},
		{"--connect-timeout", "0s"},
		{"--dial-backoff", "-1s"},
		{"--max-connections", "0"},
		{"stray"},
	} {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("parseFlags(%v) succeeded", args)
		}
	}
}

func TestSelectRoutes(t *testing.T) {
	snapshot, err := allowlist.ParseSnapshot(strings.NewReader(
		"10.100.1.10 github.com www.github.com\n10.100.1.14 api.anthropic.com\n"))
	if err != nil {
		t.Fatal(err)
	}

	all, err := selectRoutes(snapshot, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("selectRoutes(nil) = %v, %v", all, err)
	}

	one, err := selectRoutes(snapshot, []string{"10.100.1.14"})
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || one[0].Upstream != "api.anthropic.com" {
		t.Errorf("selectRoutes = %+v", one)
	}

	for _, addresses := range [][]string{{"10.100.1.99"}, {"github.com"}} {
		if _, err := selectRoutes(snapshot, addresses); err == nil {
			t.Errorf("selectRoutes(%v) succeeded", addresses)
		}
	}
}

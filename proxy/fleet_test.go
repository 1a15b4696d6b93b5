// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

func TestFleetIsolatesMemberFailure(t *testing.T) {
	routes := []allowlist.Route{
		{
			Address:     netip.MustParseAddr("127.0.0.1"),
			Upstream:    "github.com",
			ServerNames: []string{"github.com"},
		},
		{
			// TEST-NET-1 is never assigned locally, so binding fails.
			Address:     netip.MustParseAddr("192.0.2.1"),
			Upstream:    "api.anthropic.com",
			ServerNames: []string{"api.anthropic.com"},
		},
	}
	fleet, err := NewFleet(routes, MemberConfig{
		TLSListenAddress:  ":0",
		HTTPListenAddress: ":0",
		Logger:            discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewFleet: %v", err)
	}
	if len(fleet.Members()) != 2 {
		t.Fatalf("members = %d, want 2", len(fleet.Members()))
	}

	if err := fleet.Start(context.Background()); err == nil {
		t.Error("Start should report the member that failed to bind")
	}

	running := fleet.Running()
	if len(running) != 1 || running[0].Route().Upstream != "github.com" {
		t.Fatalf("running members = %v, want only github.com", running)
	}
	address := running[0].TLSAddr().String()
	connection, err := net.DialTimeout("tcp", address, time.Second)
	if err != nil {
		t.Fatalf("healthy member not reachable: %v", err)
	}
	connection.Close()

	for i := 0; i < 2; i++ {
		if err := fleet.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d: %v", i+1, err)
		}
	}
	if len(fleet.Running()) != 0 {
		t.Error("members still running after Shutdown")
	}
	if err := fleet.Start(context.Background()); err == nil {
		t.Error("Start after Shutdown should fail")
	}
}

func TestFleetShutdownBeforeStart(t *testing.T) {
	fleet, err := NewFleet([]allowlist.Route{githubRoute()}, MemberConfig{Logger: discardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := fleet.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown = %v", err)
	}
}

func TestNewFleetRejectsBadRoutes(t *testing.T) {
	if _, err := NewFleet(nil, MemberConfig{}); err == nil {
		t.Error("empty route list should fail")
	}
	bad := allowlist.Route{Address: netip.MustParseAddr("10.100.1.10")}
	if _, err := NewFleet([]allowlist.Route{githubRoute(), bad}, MemberConfig{}); err == nil {
		t.Error("a route without upstream should fail the whole fleet")
	}
}

func TestListenOn(t *testing.T) {
	address := netip.MustParseAddr("10.100.1.12")
	tests := []struct {
		template string
		want     string
	}{
		{"", "10.100.1.12:443"},
		{":0", "10.100.1.12:0"},
		{"127.0.0.1:8443", "10.100.1.12:8443"},
		{"not-an-address", "10.100.1.12:443"},
	}
	for _, test := range tests {
		if got := listenOn(address, test.template, "443"); got != test.want {
			t.Errorf("listenOn(%q) = %q, want %q", test.template, got, test.want)
		}
	}
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

func referenceSettings(t *testing.T) Settings {
	t.Helper()
	snapshot, err := allowlist.ParseSnapshot(strings.NewReader(`
10.100.1.10 github.com www.github.com
10.100.1.11 raw.githubusercontent.com
10.100.1.12 codeload.github.com
10.100.1.13 docs.godotengine.org
10.100.1.14 api.anthropic.com
10.100.1.15 api.github.com
`))
	require.NoError(t, err)
	return Settings{
		Internal: Segment{
			Name:    "sandbox_net",
			Subnet:  netip.MustParsePrefix("10.100.1.0/24"),
			Gateway: netip.MustParseAddr("10.100.1.1"),
		},
		Egress: Segment{
			Name:    "egress_net",
			Subnet:  netip.MustParsePrefix("10.100.2.0/24"),
			Gateway: netip.MustParseAddr("10.100.2.1"),
		},
		DNSFilterAddress: netip.MustParseAddr("10.100.1.2"),
		AgentAddress:     netip.MustParseAddr("10.100.1.100"),
		Routes:           snapshot.Routes(),
	}
}

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	var violation *Violation
	require.True(t, errors.As(err, &violation), "error %v is not a *Violation", err)
	return violation.Problems
}

func TestBuildReferencePlan(t *testing.T) {
	plan := Build(referenceSettings(t))
	require.NoError(t, plan.Validate())

	assert.True(t, plan.Internal.Internal)
	assert.False(t, plan.Egress.Internal)
	assert.Len(t, plan.NodesWithRole(RoleProxy), 6)

	filter, ok := plan.Node(DNSFilterNode)
	require.True(t, ok)
	assert.Equal(t, []Attachment{{Segment: "sandbox_net", Address: netip.MustParseAddr("10.100.1.2")}}, filter.Attachments)

	agent, ok := plan.Node(AgentNode)
	require.True(t, ok)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.100.1.2")}, agent.Resolvers)
	_, onEgress := agent.Attachment("egress_net")
	assert.False(t, onEgress)

	github, ok := plan.Node("proxy-github-com")
	require.True(t, ok)
	internal, _ := github.Attachment("sandbox_net")
	assert.Equal(t, netip.MustParseAddr("10.100.1.10"), internal.Address)
	egress, onEgress := github.Attachment("egress_net")
	assert.True(t, onEgress)
	assert.False(t, egress.Address.IsValid(), "egress address is engine-assigned")
	assert.Equal(t, []string{"github.com", "www.github.com"}, github.Route.ServerNames)
}

func TestBuildKeepsProxyNamesUnique(t *testing.T) {
	settings := referenceSettings(t)
	settings.Routes = []allowlist.Route{
		{Address: netip.MustParseAddr("10.100.1.10"), Upstream: "github.com", ServerNames: []string{"github.com"}},
		{Address: netip.MustParseAddr("10.100.1.11"), Upstream: "github.com", ServerNames: []string{"alt.github.com"}},
	}
	plan := Build(settings)
	require.NoError(t, plan.Validate())
	proxies := plan.NodesWithRole(RoleProxy)
	require.Len(t, proxies, 2)
	assert.Equal(t, "proxy-github-com", proxies[0].Name)
	assert.Equal(t, "proxy-github-com-11", proxies[1].Name)
}

func TestValidateRejectsUnsafePlans(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Plan)
		want   string
	}{
		{
			name:   "internal segment routable",
			mutate: func(p *Plan) { p.Internal.Internal = false },
			want:   "must be internal",
		},
		{
			name: "agent dual-homed",
			mutate: func(p *Plan) {
				for i := range p.Nodes {
					if p.Nodes[i].Role == RoleAgent {
						p.Nodes[i].Attachments = append(p.Nodes[i].Attachments, Attachment{Segment: "egress_net"})
					}
				}
			},
			want: "must attach to sandbox_net only",
		},
		{
			name: "filter on egress",
			mutate: func(p *Plan) {
				p.Nodes[0].Attachments = append(p.Nodes[0].Attachments, Attachment{Segment: "egress_net"})
			},
			want: "dnsfilter (dnsfilter) must attach to sandbox_net only",
		},
		{
			name: "proxy missing egress",
			mutate: func(p *Plan) {
				p.Nodes[1].Attachments = p.Nodes[1].Attachments[:1]
			},
			want: "must attach to both",
		},
		{
			name: "address outside subnet",
			mutate: func(p *Plan) {
				p.Nodes[1].Attachments[0].Address = netip.MustParseAddr("10.100.9.10")
			},
			want: "not a usable host address",
		},
		{
			name: "gateway address",
			mutate: func(p *Plan) {
				p.Nodes[0].Attachments[0].Address = netip.MustParseAddr("10.100.1.1")
			},
			want: "not a usable host address",
		},
		{
			name: "broadcast address",
			mutate: func(p *Plan) {
				last := len(p.Nodes) - 1
				p.Nodes[last].Attachments[0].Address = netip.MustParseAddr("10.100.1.255")
			},
			want: "not a usable host address",
		},
		{
			name: "duplicate address",
			mutate: func(p *Plan) {
				last := len(p.Nodes) - 1
				p.Nodes[last].Attachments[0].Address = netip.MustParseAddr("10.100.1.10")
			},
			want: "share address 10.100.1.10",
		},
		{
			name: "agent resolver not the filter",
			mutate: func(p *Plan) {
				last := len(p.Nodes) - 1
				p.Nodes[last].Resolvers = []netip.Addr{netip.MustParseAddr("8.8.8.8")}
			},
			want: "must be exactly the dns filter",
		},
		{
			name: "extra resolver",
			mutate: func(p *Plan) {
				last := len(p.Nodes) - 1
				p.Nodes[last].Resolvers = append(p.Nodes[last].Resolvers, netip.MustParseAddr("10.100.1.3"))
			},
			want: "must be exactly the dns filter",
		},
		{
			name:   "overlapping subnets",
			mutate: func(p *Plan) { p.Egress.Subnet = netip.MustParsePrefix("10.100.0.0/16") },
			want:   "overlap",
		},
		{
			name: "second agent",
			mutate: func(p *Plan) {
				agent, _ := p.Node(AgentNode)
				agent.Name = "agent-2"
				agent.Attachments = []Attachment{{Segment: "sandbox_net", Address: netip.MustParseAddr("10.100.1.101")}}
				p.Nodes = append(p.Nodes, agent)
			},
			want: "exactly one agent",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			plan := Build(referenceSettings(t))
			test.mutate(plan)
			problems := problemsOf(t, plan.Validate())
			assert.Contains(t, strings.Join(problems, "\n"), test.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	plan := Build(referenceSettings(t))
	plan.Internal.Internal = false
	plan.Nodes[0].Attachments[0].Address = netip.MustParseAddr("10.100.1.1")
	problems := problemsOf(t, plan.Validate())
	assert.GreaterOrEqual(t, len(problems), 3, "internal flag, gateway address and agent resolver: %v", problems)
}

func TestSegmentContains(t *testing.T) {
	segment := Segment{
		Subnet:  netip.MustParsePrefix("10.100.1.0/24"),
		Gateway: netip.MustParseAddr("10.100.1.1"),
	}
	for address, want := range map[string]bool{
		"10.100.1.0":   false,
		"10.100.1.1":   false,
		"10.100.1.2":   true,
		"10.100.1.254": true,
		"10.100.1.255": false,
		"10.100.2.2":   false,
	} {
		assert.Equal(t, want, segment.Contains(netip.MustParseAddr(address)), address)
	}
}

func TestCheckDualHomed(t *testing.T) {
	healthy := []Observed{
		{Name: "agent", Role: RoleAgent, Segments: []string{"sandbox_net"}},
		{Name: "dnsfilter", Role: RoleDNSFilter, Segments: []string{"sandbox_net"}},
		{Name: "proxy-github-com", Role: RoleProxy, Segments: []string{"egress_net", "sandbox_net"}},
	}
	assert.NoError(t, CheckDualHomed("sandbox_net", "egress_net", healthy))

	tests := []struct {
		name     string
		observed Observed
		want     string
	}{
		{"agent dual-homed", Observed{Name: "agent", Role: RoleAgent, Segments: []string{"sandbox_net", "egress_net"}}, "dual-homed"},
		{"agent on default bridge", Observed{Name: "agent", Role: RoleAgent, Segments: []string{"sandbox_net", "bridge"}}, "unexpected network"},
		{"filter missing internal", Observed{Name: "dnsfilter", Role: RoleDNSFilter, Segments: []string{"egress_net"}}, "not attached to sandbox_net"},
		{"proxy single-homed", Observed{Name: "proxy-github-com", Role: RoleProxy, Segments: []string{"sandbox_net"}}, "want both"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			problems := problemsOf(t, CheckDualHomed("sandbox_net", "egress_net", []Observed{test.observed}))
			assert.Contains(t, strings.Join(problems, "\n"), test.want)
		})
	}
}

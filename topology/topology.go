// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

// Role is a node's function in the stack.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleDNSFilter Role = "dnsfilter"
	RoleProxy     Role = "proxy"
)

// Reference node names.
const (
	AgentNode     = "agent"
	DNSFilterNode = "dnsfilter"
)

// Segment is one network segment.
type Segment struct {
	Name    string
	Subnet  netip.Prefix
	Gateway netip.Addr

	// Internal segments have no route beyond the host.
	Internal bool
}

// Contains reports whether address is a usable host address on the
// segment: inside the subnet and not the network, broadcast, or gateway
// address.
func (s Segment) Contains(address netip.Addr) bool {
	if !s.Subnet.Contains(address) {
		return false
	}
	if address == s.Subnet.Masked().Addr() || address == broadcastAddress(s.Subnet) {
		return false
	}
	return !s.Gateway.IsValid() || address != s.Gateway
}

// Attachment connects a node to a segment. Address is the static address
// on that segment; the zero value lets the engine assign one.
type Attachment struct {
	Segment string
	Address netip.Addr
}

// Node is one container in the stack.
type Node struct {
	Name        string
	Role        Role
	Attachments []Attachment

	// Resolvers are the DNS servers configured in the node. Only the
	// agent's resolvers are constrained.
	Resolvers []netip.Addr

	// Route is the allowlist route a proxy node serves.
	Route *allowlist.Route
}

// Attachment returns the node's attachment to segment.
func (n Node) Attachment(segment string) (Attachment, bool) {
	for _, attachment := range n.Attachments {
		if attachment.Segment == segment {
			return attachment, true
		}
	}
	return Attachment{}, false
}

// Plan is the full network declaration of a networked stack.
type Plan struct {
	Internal Segment
	Egress   Segment
	Nodes    []Node
}

// Node returns the node called name.
func (p *Plan) Node(name string) (Node, bool) {
	for _, node := range p.Nodes {
		if node.Name == name {
			return node, true
		}
	}
	return Node{}, false
}

// NodesWithRole returns the plan's nodes with role, in plan order.
func (p *Plan) NodesWithRole(role Role) []Node {
	var nodes []Node
	for _, node := range p.Nodes {
		if node.Role == role {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Settings are the inputs to [Build].
type Settings struct {
	Internal         Segment
	Egress           Segment
	DNSFilterAddress netip.Addr
	AgentAddress     netip.Addr
	Routes           []allowlist.Route
}

// Build derives the reference plan: the filter and agent on the internal
// segment only, and one proxy per route on both segments with the
// route's address on the internal side. The result is not validated.
func Build(settings Settings) *Plan {
	internal := settings.Internal
	internal.Internal = true
	egress := settings.Egress
	egress.Internal = false

	plan := &Plan{Internal: internal, Egress: egress}
	plan.Nodes = append(plan.Nodes, Node{
		Name:        DNSFilterNode,
		Role:        RoleDNSFilter,
		Attachments: []Attachment{{Segment: internal.Name, Address: settings.DNSFilterAddress}},
	})

	used := make(map[string]bool)
	for _, route := range settings.Routes {
		name := ProxyNodeName(route)
		if used[name] {
			name = fmt.Sprintf("%s-%d", name, route.Address.As4()[3])
		}
		used[name] = true
		plan.Nodes = append(plan.Nodes, Node{
			Name: name,
			Role: RoleProxy,
			Attachments: []Attachment{
				{Segment: internal.Name, Address: route.Address},
				{Segment: egress.Name},
			},
			Route: &route,
		})
	}

	plan.Nodes = append(plan.Nodes, Node{
		Name:        AgentNode,
		Role:        RoleAgent,
		Attachments: []Attachment{{Segment: internal.Name, Address: settings.AgentAddress}},
		Resolvers:   []netip.Addr{settings.DNSFilterAddress},
	})
	return plan
}

// ProxyNodeName names the proxy serving route after its upstream, e.g.
// "proxy-api-github-com".
func ProxyNodeName(route allowlist.Route) string {
	return "proxy-" + strings.ReplaceAll(route.Upstream, ".", "-")
}

// Violation lists every problem found in a plan or a running stack.
type Violation struct {
	Problems []string
}

func (v *Violation) Error() string {
	return "topology: " + strings.Join(v.Problems, "; ")
}

type problems []string

func (p *problems) add(format string, args ...any) {
	*p = append(*p, fmt.Sprintf(format, args...))
}

func (p problems) err() error {
	if len(p) == 0 {
		return nil
	}
	return &Violation{Problems: p}
}

// Validate checks the plan and returns a *Violation naming every problem,
// or nil.
func (p *Plan) Validate() error {
	var found problems

	checkSegment(&found, p.Internal)
	checkSegment(&found, p.Egress)
	if p.Internal.Name == p.Egress.Name {
		found.add("internal and egress segments share the name %q", p.Internal.Name)
	}
	if !p.Internal.Internal {
		found.add("segment %s must be internal", p.Internal.Name)
	}
	if p.Egress.Internal {
		found.add("segment %s must be routable", p.Egress.Name)
	}
	if p.Internal.Subnet.IsValid() && p.Egress.Subnet.IsValid() && p.Internal.Subnet.Overlaps(p.Egress.Subnet) {
		found.add("subnets %s and %s overlap", p.Internal.Subnet, p.Egress.Subnet)
	}

	names := make(map[string]bool)
	addresses := make(map[netip.Addr]string)
	var filterAddress netip.Addr
	roleCount := make(map[Role]int)

	for _, node := range p.Nodes {
		if names[node.Name] {
			found.add("duplicate node name %q", node.Name)
		}
		names[node.Name] = true
		roleCount[node.Role]++

		for _, attachment := range node.Attachments {
			if attachment.Segment != p.Internal.Name && attachment.Segment != p.Egress.Name {
				found.add("%s attached to unknown segment %q", node.Name, attachment.Segment)
			}
		}

		internal, onInternal := node.Attachment(p.Internal.Name)
		_, onEgress := node.Attachment(p.Egress.Name)

		switch node.Role {
		case RoleAgent, RoleDNSFilter:
			if !onInternal || onEgress || len(node.Attachments) != 1 {
				found.add("%s (%s) must attach to %s only", node.Name, node.Role, p.Internal.Name)
			}
		case RoleProxy:
			if !onInternal || !onEgress || len(node.Attachments) != 2 {
				found.add("proxy %s must attach to both %s and %s", node.Name, p.Internal.Name, p.Egress.Name)
			}
			if node.Route == nil {
				found.add("proxy %s has no route", node.Name)
			} else if onInternal && node.Route.Address != internal.Address {
				found.add("proxy %s listens on %s but its route is %s", node.Name, internal.Address, node.Route.Address)
			}
		default:
			found.add("%s has unknown role %q", node.Name, node.Role)
		}

		if !onInternal {
			continue
		}
		if !internal.Address.IsValid() {
			found.add("%s has no static address on %s", node.Name, p.Internal.Name)
			continue
		}
		if !p.Internal.Contains(internal.Address) {
			found.add("%s address %s is not a usable host address in %s", node.Name, internal.Address, p.Internal.Subnet)
		}
		if owner, taken := addresses[internal.Address]; taken {
			found.add("%s and %s share address %s", owner, node.Name, internal.Address)
		}
		addresses[internal.Address] = node.Name
		if node.Role == RoleDNSFilter {
			filterAddress = internal.Address
		}
	}

	if roleCount[RoleAgent] != 1 {
		found.add("plan needs exactly one agent, has %d", roleCount[RoleAgent])
	}
	if roleCount[RoleDNSFilter] != 1 {
		found.add("plan needs exactly one dns filter, has %d", roleCount[RoleDNSFilter])
	}
	for _, agent := range p.NodesWithRole(RoleAgent) {
		if len(agent.Resolvers) != 1 || agent.Resolvers[0] != filterAddress {
			found.add("agent %s resolvers %v must be exactly the dns filter %s", agent.Name, agent.Resolvers, filterAddress)
		}
	}
	return found.err()
}

func checkSegment(found *problems, segment Segment) {
	if segment.Name == "" {
		found.add("segment with subnet %s has no name", segment.Subnet)
	}
	if !segment.Subnet.IsValid() || !segment.Subnet.Addr().Is4() {
		found.add("segment %s needs an IPv4 subnet", segment.Name)
		return
	}
	if segment.Subnet.Bits() > 29 {
		found.add("segment %s subnet %s is too small", segment.Name, segment.Subnet)
	}
	if segment.Gateway.IsValid() && !segment.Subnet.Contains(segment.Gateway) {
		found.add("segment %s gateway %s is outside %s", segment.Name, segment.Gateway, segment.Subnet)
	}
}

// Observed is one container's attachments as reported by the engine.
type Observed struct {
	Name     string
	Role     Role
	Segments []string
}

// CheckDualHomed checks that only proxies span both segments and that
// no node reaches any other network: agents and filters attach to
// internal alone, proxies attach to internal and egress.
func CheckDualHomed(internal, egress string, observed []Observed) error {
	var found problems
	for _, node := range observed {
		segments := append([]string(nil), node.Segments...)
		sort.Strings(segments)
		var onInternal, onEgress bool
		for _, segment := range segments {
			switch segment {
			case internal:
				onInternal = true
			case egress:
				onEgress = true
			default:
				found.add("%s attached to unexpected network %q", node.Name, segment)
			}
		}
		switch node.Role {
		case RoleProxy:
			if !onInternal || !onEgress {
				found.add("proxy %s attached to %v, want both %s and %s", node.Name, segments, internal, egress)
			}
		default:
			if onEgress {
				found.add("%s (%s) is dual-homed onto %s", node.Name, node.Role, egress)
			}
			if !onInternal {
				found.add("%s (%s) is not attached to %s", node.Name, node.Role, internal)
			}
		}
	}
	return found.err()
}

func broadcastAddress(prefix netip.Prefix) netip.Addr {
	if !prefix.Addr().Is4() {
		return netip.Addr{}
	}
	base := prefix.Masked().Addr().As4()
	value := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	value |= (1 << (32 - prefix.Bits())) - 1
	return netip.AddrFrom4([4]byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)})
}

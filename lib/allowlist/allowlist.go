// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package allowlist

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Entry binds one allowlisted hostname to its fixed internal address and
// the upstream origin its proxy forwards to.
type Entry struct {
	// Hostname is the exact name the agent may resolve, lower-case and
	// without a trailing dot.
	Hostname string `yaml:"hostname" json:"hostname"`

	// Address is the internal-segment IPv4 address the DNS filter
	// answers with and the proxy member listens on.
	Address netip.Addr `yaml:"address" json:"address"`

	// Upstream is the origin hostname the proxy member dials over the
	// egress segment. Empty means the entry's own hostname.
	Upstream string `yaml:"upstream,omitempty" json:"upstream,omitempty"`
}

// Route is the 1:1 binding of one internal address to exactly one
// upstream origin. ServerNames lists every allowlisted hostname that
// resolves to the address; a proxy member accepts TLS SNI and HTTP Host
// values from this set only.
type Route struct {
	Address     netip.Addr
	Upstream    string
	ServerNames []string
}

// Accepts reports whether name is one of the route's server names. The
// comparison is exact and case-insensitive.
func (r Route) Accepts(name string) bool {
	name = Normalize(name)
	for _, serverName := range r.ServerNames {
		if serverName == name {
			return true
		}
	}
	return false
}

// Snapshot is an immutable, validated allowlist. Construct with [New];
// the zero value is an empty allowlist that denies everything.
type Snapshot struct {
	entries map[string]Entry
	routes  []Route
	digest  string
}

// New validates entries and builds a Snapshot. Validation rejects
// malformed hostnames, wildcards, duplicate hostnames, non-IPv4 or
// unspecified addresses, and any address bound to more than one upstream.
func New(entries []Entry) (*Snapshot, error) {
	snapshot := &Snapshot{
		entries: make(map[string]Entry, len(entries)),
	}

	byAddress := make(map[netip.Addr]*Route)
	for i, entry := range entries {
		hostname := Normalize(entry.Hostname)
		if err := ValidateHostname(hostname); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, exists := snapshot.entries[hostname]; exists {
			return nil, fmt.Errorf("entry %d: duplicate hostname %q", i, hostname)
		}
		if !entry.Address.IsValid() || !entry.Address.Is4() || entry.Address.IsUnspecified() {
			return nil, fmt.Errorf("entry %d (%s): address %q must be a specified IPv4 address", i, hostname, entry.Address)
		}

		upstream := Normalize(entry.Upstream)
		if upstream == "" {
			upstream = hostname
		}
		if err := ValidateHostname(upstream); err != nil {
			return nil, fmt.Errorf("entry %d (%s): upstream: %w", i, hostname, err)
		}

		route, exists := byAddress[entry.Address]
		if !exists {
			route = &Route{Address: entry.Address, Upstream: upstream}
			byAddress[entry.Address] = route
		} else if route.Upstream != upstream {
			return nil, fmt.Errorf("entry %d (%s): address %s is already bound to upstream %q, cannot also forward to %q",
				i, hostname, entry.Address, route.Upstream, upstream)
		}
		route.ServerNames = append(route.ServerNames, hostname)

		snapshot.entries[hostname] = Entry{
			Hostname: hostname,
			Address:  entry.Address,
			Upstream: upstream,
		}
	}

	snapshot.routes = make([]Route, 0, len(byAddress))
	for _, route := range byAddress {
		sort.Strings(route.ServerNames)
		snapshot.routes = append(snapshot.routes, *route)
	}
	sort.Slice(snapshot.routes, func(i, j int) bool {
		return snapshot.routes[i].Address.Less(snapshot.routes[j].Address)
	})

	snapshot.digest = computeDigest(snapshot.Entries())
	return snapshot, nil
}

// Lookup returns the entry for name. The match is exact after
// normalization: "GitHub.com." matches "github.com", "gist.github.com"
// does not.
func (s *Snapshot) Lookup(name string) (Entry, bool) {
	if s == nil || s.entries == nil {
		return Entry{}, false
	}
	entry, ok := s.entries[Normalize(name)]
	return entry, ok
}

// Len returns the number of hostnames in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Entries returns a copy of all entries sorted by address, then hostname.
func (s *Snapshot) Entries() []Entry {
	if s == nil {
		return nil
	}
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Address != entries[j].Address {
			return entries[i].Address.Less(entries[j].Address)
		}
		return entries[i].Hostname < entries[j].Hostname
	})
	return entries
}

// Routes returns a copy of the snapshot's routes sorted by address.
func (s *Snapshot) Routes() []Route {
	if s == nil {
		return nil
	}
	routes := make([]Route, len(s.routes))
	for i, route := range s.routes {
		routes[i] = Route{
			Address:     route.Address,
			Upstream:    route.Upstream,
			ServerNames: append([]string(nil), route.ServerNames...),
		}
	}
	return routes
}

// Route returns the route bound to address.
func (s *Snapshot) Route(address netip.Addr) (Route, bool) {
	for _, route := range s.Routes() {
		if route.Address == address {
			return route, true
		}
	}
	return Route{}, false
}

// Digest returns the hex BLAKE3 digest of the canonical encoding. Two
// snapshots with the same entries have the same digest regardless of
// input order or hostname case.
func (s *Snapshot) Digest() string {
	if s == nil {
		return computeDigest(nil)
	}
	return s.digest
}

func computeDigest(entries []Entry) string {
	hasher := blake3.New()
	for _, entry := range entries {
		fmt.Fprintf(hasher, "%s\t%s\t%s\n", entry.Address, entry.Hostname, entry.Upstream)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// Normalize lower-cases name and strips surrounding whitespace and a
// single trailing dot, producing the form stored in a Snapshot.
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".")
}

// ValidateHostname checks that name is a normalized DNS hostname: 1-253
// characters, labels of 1-63 letters, digits or hyphens that neither start
// nor end with a hyphen. Wildcard labels are rejected.
func ValidateHostname(name string) error {
	if name == "" {
		return fmt.Errorf("hostname is empty")
	}
	if len(name) > 253 {
		return fmt.Errorf("hostname %q exceeds 253 characters", name)
	}
	if strings.Contains(name, "*") {
		return fmt.Errorf("hostname %q: wildcards are not supported, list each name explicitly", name)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return fmt.Errorf("hostname %q has an empty label", name)
		}
		if len(label) > 63 {
			return fmt.Errorf("hostname %q: label %q exceeds 63 characters", name, label)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("hostname %q: label %q starts or ends with a hyphen", name, label)
		}
		for _, character := range label {
			isLetter := character >= 'a' && character <= 'z'
			isDigit := character >= '0' && character <= '9'
			if !isLetter && !isDigit && character != '-' {
				return fmt.Errorf("hostname %q: invalid character %q", name, character)
			}
		}
	}
	return nil
}

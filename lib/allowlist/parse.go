// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package allowlist

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
)

// upstreamPrefix marks the optional upstream override on an allowlist line.
const upstreamPrefix = "upstream="

// Parse reads the hosts-style allowlist format. Each non-blank line that is
// not a comment holds an IPv4 address followed by one or more hostnames and
// an optional upstream=origin field. Without an override, the upstream is
// the first hostname on the line. Comments start with '#' and may trail.
func Parse(reader io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(reader)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if index := strings.IndexByte(line, '#'); index >= 0 {
			line = line[:index]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		address, err := netip.ParseAddr(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid address %q: %w", lineNumber, fields[0], err)
		}

		var hostnames []string
		upstream := ""
		for _, field := range fields[1:] {
			if strings.HasPrefix(field, upstreamPrefix) {
				if upstream != "" {
					return nil, fmt.Errorf("line %d: upstream given more than once", lineNumber)
				}
				upstream = strings.TrimPrefix(field, upstreamPrefix)
				if upstream == "" {
					return nil, fmt.Errorf("line %d: empty upstream", lineNumber)
				}
				continue
			}
			hostnames = append(hostnames, field)
		}
		if len(hostnames) == 0 {
			return nil, fmt.Errorf("line %d: address %s has no hostnames", lineNumber, address)
		}
		if upstream == "" {
			upstream = hostnames[0]
		}

		for _, hostname := range hostnames {
			entries = append(entries, Entry{
				Hostname: hostname,
				Address:  address,
				Upstream: upstream,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading allowlist: %w", err)
	}
	return entries, nil
}

// ParseSnapshot parses the hosts-style format and validates it into a
// Snapshot.
func ParseSnapshot(reader io.Reader) (*Snapshot, error) {
	entries, err := Parse(reader)
	if err != nil {
		return nil, err
	}
	return New(entries)
}

// LoadFile reads and validates an allowlist file.
func LoadFile(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening allowlist: %w", err)
	}
	defer file.Close()

	snapshot, err := ParseSnapshot(file)
	if err != nil {
		return nil, fmt.Errorf("allowlist %s: %w", path, err)
	}
	return snapshot, nil
}

// Format renders a snapshot in the hosts-style format, one line per route.
// The upstream field is written only when it differs from the first server
// name, so Format(ParseSnapshot(x)) round-trips to an equivalent table.
func Format(snapshot *Snapshot) []byte {
	var buffer bytes.Buffer
	buffer.WriteString("# Generated allowlist: address hostname [hostname...] [upstream=origin]\n")
	buffer.WriteString("# digest " + snapshot.Digest() + "\n")
	for _, route := range snapshot.Routes() {
		names := orderedServerNames(route)
		buffer.WriteString(route.Address.String())
		for _, name := range names {
			buffer.WriteByte(' ')
			buffer.WriteString(name)
		}
		if names[0] != route.Upstream {
			buffer.WriteString(" " + upstreamPrefix + route.Upstream)
		}
		buffer.WriteByte('\n')
	}
	return buffer.Bytes()
}

// orderedServerNames puts the upstream first when it is also a server name
// so that the common case needs no explicit upstream field.
func orderedServerNames(route Route) []string {
	names := make([]string, 0, len(route.ServerNames))
	for _, name := range route.ServerNames {
		if name == route.Upstream {
			names = append([]string{name}, names...)
		} else {
			names = append(names, name)
		}
	}
	return names
}

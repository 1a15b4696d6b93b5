// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package dnsfilter

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

// ErrResolutionDenied is returned by [Filter.Resolve] for a hostname that
// is not on the allowlist. It is the expected outcome for most names and
// is answered with NXDOMAIN.
var ErrResolutionDenied = errors.New("dnsfilter: hostname not allowlisted")

// DefaultTTL is the record TTL for allowlisted answers. Short so that a
// reloaded table takes effect without waiting out resolver caches.
const DefaultTTL = 5 * time.Second

// MaxTTL bounds the configurable TTL.
const MaxTTL = 60 * time.Second

// Filter answers queries from an allowlist snapshot.
type Filter struct {
	snapshot atomic.Pointer[allowlist.Snapshot]
	ttl      uint32
	audit    *slog.Logger
	now      func() time.Time
}

// FilterConfig holds configuration for creating a Filter.
type FilterConfig struct {
	// Snapshot is the initial allowlist. Required.
	Snapshot *allowlist.Snapshot

	// TTL for allowlisted A records. Zero means DefaultTTL. Must be
	// between 1s and MaxTTL.
	TTL time.Duration

	// AuditLogger receives one record per query. If nil, slog.Default()
	// is used.
	AuditLogger *slog.Logger
}

// NewFilter creates a Filter serving config.Snapshot.
func NewFilter(config FilterConfig) (*Filter, error) {
	if config.Snapshot == nil {
		return nil, fmt.Errorf("dnsfilter: snapshot is required")
	}
	ttl := config.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < time.Second || ttl > MaxTTL {
		return nil, fmt.Errorf("dnsfilter: ttl %s out of range [1s, %s]", ttl, MaxTTL)
	}
	audit := config.AuditLogger
	if audit == nil {
		audit = slog.Default()
	}

	filter := &Filter{
		ttl:   uint32(ttl / time.Second),
		audit: audit,
		now:   time.Now,
	}
	filter.snapshot.Store(config.Snapshot)
	return filter, nil
}

// Resolve returns the fixed address for name, or ErrResolutionDenied.
func (f *Filter) Resolve(name string) (netip.Addr, error) {
	entry, ok := f.snapshot.Load().Lookup(name)
	if !ok {
		return netip.Addr{}, ErrResolutionDenied
	}
	return entry.Address, nil
}

// Snapshot returns the table currently being served.
func (f *Filter) Snapshot() *allowlist.Snapshot {
	return f.snapshot.Load()
}

// Reload atomically replaces the served table. A nil snapshot is rejected
// and the previous table stays in effect.
func (f *Filter) Reload(snapshot *allowlist.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("dnsfilter: reload with nil snapshot rejected")
	}
	previous := f.snapshot.Swap(snapshot)
	f.audit.Info("allowlist reloaded",
		"previous_digest", previous.Digest(),
		"digest", snapshot.Digest(),
		"hostnames", snapshot.Len(),
	)
	return nil
}

// Query is one DNS question as seen by the filter, recorded to the audit
// log together with its outcome.
type Query struct {
	Name     string
	Type     string
	Source   string
	Protocol string
	Time     time.Time
}

// Answer builds the response for request. It never returns nil and never
// forwards: every decision is made from the local snapshot.
func (f *Filter) Answer(request *dns.Msg, source net.Addr, protocol string) *dns.Msg {
	response := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:                 request.Id,
			Response:           true,
			Opcode:             request.Opcode,
			Authoritative:      true,
			RecursionDesired:   request.RecursionDesired,
			RecursionAvailable: false,
			CheckingDisabled:   request.CheckingDisabled,
			Rcode:              dns.RcodeSuccess,
		},
	}
	if len(request.Question) > 0 {
		response.Question = []dns.Question{request.Question[0]}
	}

	query := Query{
		Source:   addressString(source),
		Protocol: protocol,
		Time:     f.now(),
	}

	switch {
	case request.Opcode != dns.OpcodeQuery:
		response.Rcode = dns.RcodeNotImplemented
		query.Type = dns.OpcodeToString[request.Opcode]
		f.record(query, response, "")
		return response
	case len(request.Question) != 1:
		response.Rcode = dns.RcodeFormatError
		f.record(query, response, "")
		return response
	}

	question := request.Question[0]
	query.Name = allowlist.Normalize(question.Name)
	query.Type = typeString(question.Qtype)

	if question.Qclass != dns.ClassINET {
		response.Rcode = dns.RcodeRefused
		f.record(query, response, "")
		return response
	}

	entry, listed := f.snapshot.Load().Lookup(question.Name)
	if !listed {
		response.Rcode = dns.RcodeNameError
		f.record(query, response, "")
		return response
	}

	switch question.Qtype {
	case dns.TypeA:
		response.Answer = append(response.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   question.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    f.ttl,
			},
			A: net.IP(entry.Address.AsSlice()),
		})
		f.record(query, response, entry.Address.String())
	case dns.TypeAAAA:
		// Listed name, no IPv6 address: NODATA.
		f.record(query, response, "")
	default:
		response.Rcode = dns.RcodeRefused
		f.record(query, response, "")
	}
	return response
}

func (f *Filter) record(query Query, response *dns.Msg, answer string) {
	rcode := dns.RcodeToString[response.Rcode]
	attributes := []any{
		"name", query.Name,
		"type", query.Type,
		"source", query.Source,
		"protocol", query.Protocol,
		"rcode", rcode,
	}
	if answer != "" {
		attributes = append(attributes, "answer", answer)
	}
	f.audit.Info("dns query", attributes...)
}

func typeString(qtype uint16) string {
	if name, ok := dns.TypeToString[qtype]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", qtype)
}

func addressString(address net.Addr) string {
	if address == nil {
		return ""
	}
	return address.String()
}

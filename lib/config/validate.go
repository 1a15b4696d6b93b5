// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/allowlist"
)

// validate is shared; validator caches struct metadata per instance.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var (
	projectNamePattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	variableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks the configuration. Every problem found is reported,
// joined with errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fieldError := range validationErrors {
				errs = append(errs, fmt.Errorf("%s: failed %q check (value %v)",
					fieldPath(fieldError.Namespace()), fieldError.Tag(), fieldError.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(c.Mode) {
	case "networked", "offline":
	default:
		errs = append(errs, fmt.Errorf("mode: %q is not one of networked, offline", c.Mode))
	}

	if !projectNamePattern.MatchString(c.Project.Name) {
		errs = append(errs, fmt.Errorf("project.name: %q must be lower-case letters, digits, '-' or '_'", c.Project.Name))
	}

	for _, name := range c.Agent.Environment {
		if !variableNamePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("agent.environment: %q is not a variable name (values never belong in the config)", name))
		}
	}

	if _, _, err := ParseUser(c.Agent.User); err != nil {
		errs = append(errs, fmt.Errorf("agent.user: %w", err))
	}

	errs = append(errs, checkDuration("dns.ttl", c.DNS.TTL, time.Second, time.Minute))
	errs = append(errs, checkDuration("proxy.connect_timeout", c.Proxy.ConnectTimeout, time.Millisecond, 2*time.Minute))
	errs = append(errs, checkDuration("proxy.dial_backoff", c.Proxy.DialBackoff, 0, 30*time.Second))
	errs = append(errs, checkDuration("proxy.idle_timeout", c.Proxy.IdleTimeout, time.Second, 24*time.Hour))

	if _, err := c.MemoryBytes(); err != nil {
		errs = append(errs, fmt.Errorf("hardening.memory: %w", err))
	}
	for i, tmpfs := range c.Hardening.Tmpfs {
		if _, err := ParseSize(tmpfs.Size); err != nil {
			errs = append(errs, fmt.Errorf("hardening.tmpfs[%d].size: %w", i, err))
		}
		if _, err := ParseMode(tmpfs.Mode); err != nil {
			errs = append(errs, fmt.Errorf("hardening.tmpfs[%d].mode: %w", i, err))
		}
	}

	if c.AllowlistFile == "" {
		if _, err := c.Snapshot(); err != nil {
			errs = append(errs, fmt.Errorf("allowlist: %w", err))
		}
	}

	return errors.Join(errs...)
}

func checkDuration(name string, value Duration, minimum, maximum time.Duration) error {
	if value.Std() < minimum || value.Std() > maximum {
		return fmt.Errorf("%s: %s out of range [%s, %s]", name, value, minimum, maximum)
	}
	return nil
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return path
}

// Snapshot builds the allowlist from AllowlistFile when set, otherwise
// from the inline Allowlist entries.
func (c *Config) Snapshot() (*allowlist.Snapshot, error) {
	if c.AllowlistFile != "" {
		return allowlist.LoadFile(c.AllowlistFile)
	}
	var entries []allowlist.Entry
	for i, host := range c.Allowlist {
		address, err := netip.ParseAddr(host.Address)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		upstream := host.Upstream
		if upstream == "" && len(host.Hostnames) > 0 {
			upstream = host.Hostnames[0]
		}
		for _, hostname := range host.Hostnames {
			entries = append(entries, allowlist.Entry{
				Hostname: hostname,
				Address:  address,
				Upstream: upstream,
			})
		}
	}
	return allowlist.New(entries)
}

// MemoryBytes parses Hardening.Memory.
func (c *Config) MemoryBytes() (int64, error) {
	return ParseSize(c.Hardening.Memory)
}

// ParseSize parses a byte size such as "2GiB", "512MiB" or "1.5GB".
func ParseSize(size string) (int64, error) {
	parsed, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, err
	}
	if parsed == 0 || parsed > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", size)
	}
	return int64(parsed), nil
}

// ParseMode parses an octal permission mode. Empty means 0.
func ParseMode(mode string) (uint32, error) {
	if mode == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || parsed > 07777 {
		return 0, fmt.Errorf("invalid octal mode %q", mode)
	}
	return uint32(parsed), nil
}

// ParseUser parses a numeric "uid:gid" (or bare "uid", implying gid =
// uid).
func ParseUser(user string) (uid, gid int, err error) {
	uidText, gidText, hasGroup := strings.Cut(user, ":")
	uid, err = strconv.Atoi(uidText)
	if err != nil || uid < 0 {
		return 0, 0, fmt.Errorf("uid %q must be a non-negative integer", uidText)
	}
	if !hasGroup {
		return uid, uid, nil
	}
	gid, err = strconv.Atoi(gidText)
	if err != nil || gid < 0 {
		return 0, 0, fmt.Errorf("gid %q must be a non-negative integer", gidText)
	}
	return uid, gid, nil
}

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the master configuration for a Sapphire Bee stack.
//
// Configuration is loaded from a single file specified by either the
// SAPPHIRE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no search path and no per-user discovery:
// the file named is the whole configuration. Files ending in .json or
// .jsonc are parsed as JSON with comments and trailing commas; anything
// else is YAML. Unknown keys are an error in both forms.
//
// [Default] reproduces the reference deployment: the two network
// segments, the DNS filter at 10.100.1.2, six proxy routes in
// 10.100.1.10-15, and the hardening ceilings. A config file only needs
// the fields it changes.
//
// ${VAR} and ${VAR:-default} are expanded in path fields only. Credential
// values never appear in the file; [AgentConfig].Environment lists the
// names of variables passed through to the agent.
//
// [Config.Validate] runs struct validation (go-playground/validator) and
// the cross-field checks that tags cannot express. [Schema] returns the
// JSON Schema for editor integration.
package config

// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the Sapphire Bee
// binaries. The variables are injected with -ldflags, for example:
//
//	go build -ldflags "-X github.com/SapphireBeehiveStudios/sapphire-bee/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" and "0.1.0-dev" in development builds.
package version

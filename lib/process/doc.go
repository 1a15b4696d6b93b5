// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. Every main()
// calls a run() that returns an error and hands that error to [Fatal],
// which is the one place raw text goes to stderr before (or after) the
// structured logger exists.
package process

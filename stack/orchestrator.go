// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package stack

import "context"

// Orchestrator brings a declared stack up and down on a container
// engine. Down must succeed on a stack that is absent or only partly
// started, and calling it twice is not an error.
type Orchestrator interface {
	Up(ctx context.Context, declaration *Declaration) error
	Down(ctx context.Context, declaration *Declaration) error
}

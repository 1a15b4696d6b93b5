// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// ExitError carries a specific exit status out of run(). Verification
// commands use it to distinguish "checks failed" (status 2) from
// operational errors (status 1).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Fatal writes "error: err" to stderr and exits. The status is taken
// from an *ExitError in err's chain, otherwise 1.
func Fatal(err error) {
	code := 1
	var exitError *ExitError
	if errors.As(err, &exitError) {
		code = exitError.Code
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}

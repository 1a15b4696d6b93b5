// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TestingT is the subset of testing.TB the helpers use.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test.
//
//	conn := testutil.RequireReceive(t, accepted, 5*time.Second, "accepting")
func RequireReceive[T any](t TestingT, ch <-chan T, timeout time.Duration, message string, args ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without a value: %s", fmt.Sprintf(message, args...))
		}
		return value
	case <-timer.C:
		t.Fatalf("timed out after %v: %s", timeout, fmt.Sprintf(message, args...))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed (or to deliver a value) within
// timeout, or fails the test.
func RequireClosed(t TestingT, ch <-chan struct{}, timeout time.Duration, message string, args ...any) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("timed out after %v waiting for close: %s", timeout, fmt.Sprintf(message, args...))
	}
}

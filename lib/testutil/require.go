// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from channel, failing the test
// if none arrives within timeout or the channel is closed.
func RequireReceive[T any](t TB, channel <-chan T, timeout time.Duration, context ...any) T {
	t.Helper()
	select {
	case value, ok := <-channel:
		if !ok {
			t.Fatalf("channel closed: %s", describe(context))
		}
		return value
	case <-time.After(timeout):
		t.Fatalf("nothing received after %v: %s", timeout, describe(context))
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if channel yields a value within
// window.
func RequireNoReceive[T any](t TB, channel <-chan T, window time.Duration, context ...any) {
	t.Helper()
	select {
	case value, ok := <-channel:
		if ok {
			t.Fatalf("unexpected value %v: %s", value, describe(context))
		}
		t.Fatalf("channel closed unexpectedly: %s", describe(context))
	case <-time.After(window):
	}
}

// RequireSend delivers value on channel within timeout.
func RequireSend[T any](t TB, channel chan<- T, value T, timeout time.Duration, context ...any) {
	t.Helper()
	select {
	case channel <- value:
	case <-time.After(timeout):
		t.Fatalf("send blocked for %v: %s", timeout, describe(context))
	}
}

// RequireClosed waits for channel to close or deliver.
func RequireClosed(t TB, channel <-chan struct{}, timeout time.Duration, context ...any) {
	t.Helper()
	select {
	case <-channel:
	case <-time.After(timeout):
		t.Fatalf("channel still open after %v: %s", timeout, describe(context))
	}
}

// Eventually polls condition every few milliseconds until it holds or
// timeout passes.
func Eventually(t TB, timeout time.Duration, condition func() bool, context ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %v: %s", timeout, describe(context))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func describe(context []any) string {
	switch {
	case len(context) == 0:
		return "(no context)"
	case len(context) == 1:
		return fmt.Sprint(context[0])
	}
	if format, ok := context[0].(string); ok {
		return fmt.Sprintf(format, context[1:]...)
	}
	return fmt.Sprint(context...)
}

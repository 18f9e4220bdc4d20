// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the set of time operations components are allowed to use.
type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d
	// has elapsed. Non-positive durations deliver immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The fake clock calls f on
	// the goroutine that advances time, so f must not block.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d on a channel of capacity one.
	// Ticks are dropped while the receiver is behind.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable one-shot callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented the
// callback from running.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Ticker delivers periodic ticks on C until stopped.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop ends delivery. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval; the next tick arrives d from now.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (wallClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}

func (wallClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop, reset: ticker.Reset}
}

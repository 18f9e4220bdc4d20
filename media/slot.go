// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"sync"
)

// LatestSlot is a capacity-one handoff where a new value replaces an
// unread one. Producers never block.
type LatestSlot[T any] struct {
	mu     sync.Mutex
	value  T
	full   bool
	closed bool
	ready  chan struct{}
}

// NewLatestSlot returns an empty slot.
func NewLatestSlot[T any]() *LatestSlot[T] {
	return &LatestSlot[T]{ready: make(chan struct{}, 1)}
}

// Put stores value. It reports whether an unread value was replaced.
func (s *LatestSlot[T]) Put(value T) (replaced bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	replaced = s.full
	s.value, s.full = value, true
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
	return replaced
}

// Take waits for a value. It returns false when the slot is closed and
// drained or ctx is done.
func (s *LatestSlot[T]) Take(ctx context.Context) (T, bool) {
	for {
		s.mu.Lock()
		if s.full {
			value := s.value
			var zero T
			s.value, s.full = zero, false
			s.mu.Unlock()
			return value, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			var zero T
			return zero, false
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// Ready signals when a value may be available. Use Take to claim it.
func (s *LatestSlot[T]) Ready() <-chan struct{} { return s.ready }

// TryTake returns the stored value without waiting.
func (s *LatestSlot[T]) TryTake() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.value, s.full
	var zero T
	s.value, s.full = zero, false
	return value, ok
}

// Close wakes waiters. Values put after Close are discarded.
func (s *LatestSlot[T]) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

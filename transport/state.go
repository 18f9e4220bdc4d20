// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/peerdesk/lib/clock"
)

// State is the lifecycle of a PeerConnection as seen by its owner.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether no further transitions can follow.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

func stateFromPion(state webrtc.PeerConnectionState) State {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// stateFilter hides Disconnected bounces shorter than the grace. A
// Disconnected state is surfaced only once it has lasted the full
// grace; a Connected state arriving first cancels it silently.
type stateFilter struct {
	mu      sync.Mutex
	clock   clock.Clock
	grace   time.Duration
	emit    func(State)
	current State

	pending    *clock.Timer
	generation uint64
	blips      uint64
}

func newStateFilter(clk clock.Clock, grace time.Duration, emit func(State)) *stateFilter {
	return &stateFilter{clock: clk, grace: grace, emit: emit, current: StateNew}
}

func (f *stateFilter) observe(raw State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current.Terminal() && raw != StateClosed {
		return
	}
	if f.current == StateClosed {
		return
	}

	switch raw {
	case StateDisconnected:
		if f.pending != nil || f.current != StateConnected {
			return
		}
		f.generation++
		generation := f.generation
		f.pending = f.clock.AfterFunc(f.grace, func() { f.expire(generation) })

	case StateConnected:
		if f.pending != nil {
			f.pending.Stop()
			f.pending = nil
			f.blips++
			return
		}
		f.surfaceLocked(raw)

	default:
		if f.pending != nil {
			f.pending.Stop()
			f.pending = nil
		}
		if f.current == StateConnected && (raw == StateNew || raw == StateConnecting) {
			return
		}
		f.surfaceLocked(raw)
	}
}

func (f *stateFilter) expire(generation uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil || generation != f.generation {
		return
	}
	f.pending = nil
	f.surfaceLocked(StateDisconnected)
}

func (f *stateFilter) surfaceLocked(state State) {
	if state == f.current {
		return
	}
	f.current = state
	f.emit(state)
}

func (f *stateFilter) state() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// hiddenBlips counts disconnects absorbed by the grace.
func (f *stateFilter) hiddenBlips() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blips
}

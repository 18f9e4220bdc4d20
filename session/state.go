// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "fmt"

// State is the lifecycle of one session.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateIncoming
	StateNegotiating
	StateConnected
	StateStreaming
	StateRecovering
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateIncoming:
		return "incoming"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Closed or Failed. Neither has an exit.
func (s State) Terminal() bool { return s == StateClosed || s == StateFailed }

// Trigger is an input to the state machine.
type Trigger int

const (
	TriggerLocalConnect Trigger = iota
	TriggerRemoteRequest
	TriggerAccept
	TriggerNegotiated
	TriggerStartMedia
	TriggerDisruption
	TriggerRecovered
	TriggerTimeout
	TriggerTerminate
	TriggerFatal
)

func (t Trigger) String() string {
	switch t {
	case TriggerLocalConnect:
		return "local_connect"
	case TriggerRemoteRequest:
		return "remote_request"
	case TriggerAccept:
		return "accept"
	case TriggerNegotiated:
		return "negotiated"
	case TriggerStartMedia:
		return "start_media"
	case TriggerDisruption:
		return "disruption"
	case TriggerRecovered:
		return "recovered"
	case TriggerTimeout:
		return "timeout"
	case TriggerTerminate:
		return "terminate"
	case TriggerFatal:
		return "fatal"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Next returns the state that trigger leads to from current, or an
// error when the pair has no transition.
//
// Transitions:
//   - idle -> requesting (local_connect)
//   - idle -> incoming (remote_request)
//   - requesting, incoming -> negotiating (accept)
//   - negotiating -> connected (negotiated)
//   - connected -> streaming (start_media)
//   - streaming -> recovering (disruption)
//   - recovering -> streaming (recovered)
//   - requesting, negotiating, connected, recovering -> failed (timeout)
//   - any live state -> closed (terminate)
//   - any live state -> failed (fatal)
func Next(current State, trigger Trigger) (State, error) {
	if current.Terminal() {
		return current, fmt.Errorf("session is %s: no transition on %s", current, trigger)
	}
	switch trigger {
	case TriggerTerminate:
		return StateClosed, nil
	case TriggerFatal:
		return StateFailed, nil
	}

	invalid := fmt.Errorf("invalid transition: %s on %s", current, trigger)
	switch current {
	case StateIdle:
		switch trigger {
		case TriggerLocalConnect:
			return StateRequesting, nil
		case TriggerRemoteRequest:
			return StateIncoming, nil
		}
	case StateRequesting:
		switch trigger {
		case TriggerAccept:
			return StateNegotiating, nil
		case TriggerTimeout:
			return StateFailed, nil
		}
	case StateIncoming:
		if trigger == TriggerAccept {
			return StateNegotiating, nil
		}
	case StateNegotiating:
		switch trigger {
		case TriggerNegotiated:
			return StateConnected, nil
		case TriggerTimeout:
			return StateFailed, nil
		}
	case StateConnected:
		switch trigger {
		case TriggerStartMedia:
			return StateStreaming, nil
		case TriggerTimeout:
			return StateFailed, nil
		}
	case StateStreaming:
		if trigger == TriggerDisruption {
			return StateRecovering, nil
		}
	case StateRecovering:
		switch trigger {
		case TriggerRecovered:
			return StateStreaming, nil
		case TriggerTimeout:
			return StateFailed, nil
		}
	}
	return current, invalid
}

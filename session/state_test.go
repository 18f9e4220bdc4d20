// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "testing"

func TestNextFollowsLifecycle(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
		to      State
	}{
		{StateIdle, TriggerLocalConnect, StateRequesting},
		{StateIdle, TriggerRemoteRequest, StateIncoming},
		{StateRequesting, TriggerAccept, StateNegotiating},
		{StateIncoming, TriggerAccept, StateNegotiating},
		{StateNegotiating, TriggerNegotiated, StateConnected},
		{StateConnected, TriggerStartMedia, StateStreaming},
		{StateStreaming, TriggerDisruption, StateRecovering},
		{StateRecovering, TriggerRecovered, StateStreaming},
		{StateRecovering, TriggerTimeout, StateFailed},
		{StateRequesting, TriggerTimeout, StateFailed},
		{StateNegotiating, TriggerTimeout, StateFailed},
		{StateIncoming, TriggerTerminate, StateClosed},
		{StateStreaming, TriggerTerminate, StateClosed},
		{StateStreaming, TriggerFatal, StateFailed},
		{StateIdle, TriggerFatal, StateFailed},
	}
	for _, test := range tests {
		got, err := Next(test.from, test.trigger)
		if err != nil {
			t.Errorf("Next(%s, %s): %v", test.from, test.trigger, err)
			continue
		}
		if got != test.to {
			t.Errorf("Next(%s, %s) = %s, want %s", test.from, test.trigger, got, test.to)
		}
	}
}

func TestNextRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		from    State
		trigger Trigger
	}{
		{StateIdle, TriggerAccept},
		{StateRequesting, TriggerStartMedia},
		{StateIncoming, TriggerTimeout},
		{StateNegotiating, TriggerDisruption},
		{StateConnected, TriggerDisruption},
		{StateStreaming, TriggerRecovered},
		{StateStreaming, TriggerTimeout},
		{StateRecovering, TriggerDisruption},
	}
	for _, test := range tests {
		got, err := Next(test.from, test.trigger)
		if err == nil {
			t.Errorf("Next(%s, %s) = %s, want error", test.from, test.trigger, got)
		}
		if got != test.from {
			t.Errorf("Next(%s, %s) moved to %s on error", test.from, test.trigger, got)
		}
	}
}

func TestTerminalStatesAbsorb(t *testing.T) {
	for _, state := range []State{StateClosed, StateFailed} {
		for trigger := TriggerLocalConnect; trigger <= TriggerFatal; trigger++ {
			got, err := Next(state, trigger)
			if err == nil {
				t.Errorf("Next(%s, %s) succeeded", state, trigger)
			}
			if got != state {
				t.Errorf("Next(%s, %s) = %s", state, trigger, got)
			}
		}
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"errors"
	"testing"
)

func TestInputRemapScalesAndClamps(t *testing.T) {
	event := MouseMove(640, 360, 1280, 720)
	remapped := event.Remap(1920, 1080)
	if remapped.X != 960 || remapped.Y != 540 {
		t.Fatalf("remapped to (%d, %d), want (960, 540)", remapped.X, remapped.Y)
	}
	if remapped.SourceWidth != 1920 || remapped.SourceHeight != 1080 {
		t.Fatalf("geometry = %dx%d", remapped.SourceWidth, remapped.SourceHeight)
	}
	if event.X != 640 {
		t.Fatal("Remap modified the original")
	}

	outside := MouseMove(-5, 5000, 100, 100).Remap(100, 100)
	if outside.X != 0 || outside.Y != 99 {
		t.Fatalf("clamped to (%d, %d), want (0, 99)", outside.X, outside.Y)
	}

	key := KeyEvent(30, true)
	if got := key.Remap(10, 10); *got != *key {
		t.Fatalf("key remapped to %#v", got)
	}
}

func TestInputValidate(t *testing.T) {
	valid := []*InputEvent{
		MouseMove(1, 1, 10, 10),
		MouseButtonEvent(ButtonMiddle, true),
		MouseScroll(0, -3),
		KeyEvent(44, false),
	}
	for _, event := range valid {
		if err := event.Validate(); err != nil {
			t.Errorf("Validate(%v) = %v", event.Kind, err)
		}
	}
	invalid := []*InputEvent{
		{Kind: InputMouseMove, X: 1},
		{Kind: InputMouseButton, Button: 9},
		{Kind: 77},
	}
	for _, event := range invalid {
		if err := event.Validate(); !errors.Is(err, ErrUnexpectedMessage) {
			t.Errorf("Validate(%#v) = %v, want ErrUnexpectedMessage", event, err)
		}
	}
}

func TestInputGateRepliesOncePerDisable(t *testing.T) {
	var gate InputGate
	verdicts := []GateVerdict{gate.Admit(), gate.Admit(), gate.Admit()}
	if verdicts[0] != GateReject || verdicts[1] != GateDrop || verdicts[2] != GateDrop {
		t.Fatalf("verdicts while disabled = %v", verdicts)
	}
	if gate.Dropped() != 3 {
		t.Fatalf("Dropped = %d", gate.Dropped())
	}

	gate.SetEnabled(true)
	if gate.Admit() != GateAdmit || !gate.Enabled() {
		t.Fatal("enabled gate refused input")
	}

	gate.SetEnabled(false)
	if verdict := gate.Admit(); verdict != GateReject {
		t.Fatalf("first event after re-disable = %v, want GateReject", verdict)
	}
}

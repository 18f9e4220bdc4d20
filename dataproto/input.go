// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"fmt"
	"sync"
)

// InputKind tags the variant of an InputEvent.
type InputKind uint8

const (
	InputMouseMove   InputKind = 1
	InputMouseButton InputKind = 2
	InputMouseScroll InputKind = 3
	InputKey         InputKind = 4
)

func (k InputKind) String() string {
	switch k {
	case InputMouseMove:
		return "mouse_move"
	case InputMouseButton:
		return "mouse_button"
	case InputMouseScroll:
		return "mouse_scroll"
	case InputKey:
		return "key"
	default:
		return fmt.Sprintf("input(%d)", uint8(k))
	}
}

// MouseButton names a pointer button.
type MouseButton uint8

const (
	ButtonLeft   MouseButton = 1
	ButtonRight  MouseButton = 2
	ButtonMiddle MouseButton = 3
)

// InputEvent is one viewer input event. Pointer coordinates are in
// the sender's view of the capture, whose size travels with the event
// so the host can map it back onto its own geometry.
type InputEvent struct {
	Kind InputKind `cbor:"kind"`

	X int32 `cbor:"x,omitempty"`
	Y int32 `cbor:"y,omitempty"`

	Button  MouseButton `cbor:"button,omitempty"`
	Pressed bool        `cbor:"pressed,omitempty"`

	DX int32 `cbor:"dx,omitempty"`
	DY int32 `cbor:"dy,omitempty"`

	Code uint32 `cbor:"code,omitempty"`

	SourceWidth  uint16 `cbor:"source_width,omitempty"`
	SourceHeight uint16 `cbor:"source_height,omitempty"`
}

// MouseMove builds a pointer move in a width×height view.
func MouseMove(x, y int32, width, height uint16) *InputEvent {
	return &InputEvent{Kind: InputMouseMove, X: x, Y: y, SourceWidth: width, SourceHeight: height}
}

// MouseButtonEvent builds a button press or release.
func MouseButtonEvent(button MouseButton, pressed bool) *InputEvent {
	return &InputEvent{Kind: InputMouseButton, Button: button, Pressed: pressed}
}

// MouseScroll builds a wheel event.
func MouseScroll(dx, dy int32) *InputEvent {
	return &InputEvent{Kind: InputMouseScroll, DX: dx, DY: dy}
}

// KeyEvent builds a key press or release.
func KeyEvent(code uint32, pressed bool) *InputEvent {
	return &InputEvent{Kind: InputKey, Code: code, Pressed: pressed}
}

// Validate rejects unknown kinds and pointer events without a source
// geometry.
func (e *InputEvent) Validate() error {
	switch e.Kind {
	case InputMouseMove:
		if e.SourceWidth == 0 || e.SourceHeight == 0 {
			return fmt.Errorf("%w: mouse move without source geometry", ErrUnexpectedMessage)
		}
	case InputMouseButton:
		if e.Button < ButtonLeft || e.Button > ButtonMiddle {
			return fmt.Errorf("%w: mouse button %d", ErrUnexpectedMessage, e.Button)
		}
	case InputMouseScroll, InputKey:
	default:
		return fmt.Errorf("%w: input kind %d", ErrUnexpectedMessage, e.Kind)
	}
	return nil
}

// Remap returns a copy of the event with pointer coordinates scaled
// from the sender's geometry to width×height and clamped inside it.
// Events without coordinates are copied unchanged.
func (e *InputEvent) Remap(width, height int) *InputEvent {
	out := *e
	if out.Kind != InputMouseMove || out.SourceWidth == 0 || out.SourceHeight == 0 || width <= 0 || height <= 0 {
		return &out
	}
	if int(out.SourceWidth) != width || int(out.SourceHeight) != height {
		out.X = int32(int64(out.X) * int64(width) / int64(out.SourceWidth))
		out.Y = int32(int64(out.Y) * int64(height) / int64(out.SourceHeight))
	}
	out.X = min(max(out.X, 0), int32(width-1))
	out.Y = min(max(out.Y, 0), int32(height-1))
	out.SourceWidth, out.SourceHeight = uint16(width), uint16(height)
	return &out
}

// InputGate enforces the remote control capability on the host. While
// disabled, the first event gets an error reply and the rest are
// dropped silently until control is enabled again.
type InputGate struct {
	mu      sync.Mutex
	enabled bool
	replied bool
	dropped uint64
}

// GateVerdict is what to do with one inbound event.
type GateVerdict int

const (
	// GateAdmit passes the event to the injector.
	GateAdmit GateVerdict = iota
	// GateReject drops the event and sends one error reply.
	GateReject
	// GateDrop drops the event silently.
	GateDrop
)

// SetEnabled changes the capability. Enabling re-arms the single
// error reply for a later disable.
func (g *InputGate) SetEnabled(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled {
		g.replied = false
	}
	g.enabled = enabled
}

// Enabled reports the current capability.
func (g *InputGate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Admit classifies one inbound event.
func (g *InputGate) Admit() GateVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled {
		return GateAdmit
	}
	g.dropped++
	if g.replied {
		return GateDrop
	}
	g.replied = true
	return GateReject
}

// Dropped counts events refused while disabled.
func (g *InputGate) Dropped() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dropped
}

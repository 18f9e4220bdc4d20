// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/media"
)

// ErrInjectionFailed wraps back-end failures to deliver an input event.
var ErrInjectionFailed = errors.New("sink: input injection failed")

// Injector delivers input events to the host operating system.
// Coordinates arrive already remapped to the host capture geometry.
type Injector interface {
	Inject(event dataproto.InputEvent) error
}

// Renderer presents decoded media on a viewer. A frame's payload is
// only valid for the duration of the call.
type Renderer interface {
	RenderFrame(frame media.Frame) error
	RenderAudio(chunk media.AudioChunk) error
}

// Compile-time interface checks.
var (
	_ Injector = (*LogInjector)(nil)
	_ Injector = (*RecordingInjector)(nil)
	_ Renderer = (*LogRenderer)(nil)
	_ Renderer = (*RecordingRenderer)(nil)
)

// LogInjector logs input events instead of injecting them.
type LogInjector struct {
	Logger *slog.Logger
}

func (l *LogInjector) Inject(event dataproto.InputEvent) error {
	l.Logger.Debug("input event",
		"kind", event.Kind.String(),
		"x", event.X,
		"y", event.Y,
		"button", int(event.Button),
		"pressed", event.Pressed,
		"code", event.Code,
	)
	return nil
}

// RecordingInjector keeps every event it is given. Fail, when set,
// makes Inject return it after recording the attempt.
type RecordingInjector struct {
	mu     sync.Mutex
	events []dataproto.InputEvent
	fail   error
	notify chan struct{}
}

// NewRecordingInjector returns an empty recorder.
func NewRecordingInjector() *RecordingInjector {
	return &RecordingInjector{notify: make(chan struct{}, 1)}
}

// Inject records event.
func (r *RecordingInjector) Inject(event dataproto.InputEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	fail := r.fail
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	if fail != nil {
		return errors.Join(ErrInjectionFailed, fail)
	}
	return nil
}

// Fail makes subsequent injections fail with err. Nil restores success.
func (r *RecordingInjector) Fail(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Events returns a copy of what was injected, in order.
func (r *RecordingInjector) Events() []dataproto.InputEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dataproto.InputEvent(nil), r.events...)
}

// Changed receives a value after injections. Several injections may
// coalesce into one notification.
func (r *RecordingInjector) Changed() <-chan struct{} { return r.notify }

// LogRenderer counts what it is given and logs dimension changes.
type LogRenderer struct {
	Logger *slog.Logger

	frames     atomic.Uint64
	audio      atomic.Uint64
	mu         sync.Mutex
	dimensions media.Dimensions
}

// RenderFrame notes frame.
func (l *LogRenderer) RenderFrame(frame media.Frame) error {
	l.frames.Add(1)
	l.mu.Lock()
	changed := frame.Dimensions != l.dimensions
	l.dimensions = frame.Dimensions
	l.mu.Unlock()
	if changed {
		l.Logger.Info("remote display size", "dimensions", frame.Dimensions.String())
	}
	return nil
}

// RenderAudio notes chunk.
func (l *LogRenderer) RenderAudio(chunk media.AudioChunk) error {
	l.audio.Add(1)
	return nil
}

// Frames counts rendered frames.
func (l *LogRenderer) Frames() uint64 { return l.frames.Load() }

// RenderedFrame is what a RecordingRenderer keeps per frame.
type RenderedFrame struct {
	Timestamp  time.Duration
	Kind       media.FrameKind
	Dimensions media.Dimensions
	Payload    []byte
}

// RecordingRenderer keeps a copy of every frame it renders. KeepPayload
// controls whether pixel data is retained.
type RecordingRenderer struct {
	KeepPayload bool

	mu     sync.Mutex
	frames []RenderedFrame
	audio  []media.AudioChunk
	notify chan struct{}
}

// NewRecordingRenderer returns an empty recorder.
func NewRecordingRenderer(keepPayload bool) *RecordingRenderer {
	return &RecordingRenderer{KeepPayload: keepPayload, notify: make(chan struct{}, 1)}
}

// RenderFrame records frame.
func (r *RecordingRenderer) RenderFrame(frame media.Frame) error {
	rendered := RenderedFrame{
		Timestamp:  frame.Timestamp,
		Kind:       frame.Kind,
		Dimensions: frame.Dimensions,
	}
	if r.KeepPayload {
		rendered.Payload = append([]byte(nil), frame.Payload...)
	}
	r.mu.Lock()
	r.frames = append(r.frames, rendered)
	r.mu.Unlock()
	r.signal()
	return nil
}

// RenderAudio records chunk.
func (r *RecordingRenderer) RenderAudio(chunk media.AudioChunk) error {
	chunk.Samples = append([]int16(nil), chunk.Samples...)
	r.mu.Lock()
	r.audio = append(r.audio, chunk)
	r.mu.Unlock()
	r.signal()
	return nil
}

func (r *RecordingRenderer) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Frames returns a copy of the recorded frames, in render order.
func (r *RecordingRenderer) Frames() []RenderedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RenderedFrame(nil), r.frames...)
}

// FrameCount is len(Frames()) without the copy.
func (r *RecordingRenderer) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Audio returns a copy of the recorded audio chunks.
func (r *RecordingRenderer) Audio() []media.AudioChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]media.AudioChunk(nil), r.audio...)
}

// Changed receives a value after renders. Several renders may coalesce
// into one notification.
func (r *RecordingRenderer) Changed() <-chan struct{} { return r.notify }

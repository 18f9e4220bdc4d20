// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// SyntheticDisplays is a DisplayBackend that renders a moving test
// pattern. It stands in for platform capture on headless hosts and in
// tests, where failures can be scheduled with FailNext.
type SyntheticDisplays struct {
	mu       sync.Mutex
	displays []Display
	failures []error
	opened   int
	freeze   int
}

var _ DisplayBackend = (*SyntheticDisplays)(nil)

// NewSyntheticDisplays returns a backend with one primary display per
// size given.
func NewSyntheticDisplays(sizes ...Dimensions) *SyntheticDisplays {
	backend := &SyntheticDisplays{}
	for index, size := range sizes {
		backend.displays = append(backend.displays, Display{
			ID:      fmt.Sprintf("synthetic-%d", index),
			Name:    fmt.Sprintf("Synthetic %v", size),
			Width:   size.Width,
			Height:  size.Height,
			Primary: index == 0,
		})
	}
	return backend
}

// FailNext queues errors returned by successive Grab calls across all
// open sources. Wrap an error with Transient to simulate a display
// disruption.
func (s *SyntheticDisplays) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// FreezeAfter stops the pattern moving once a source has drawn n
// distinct frames; later grabs repeat the last one. Zero keeps it
// moving forever.
func (s *SyntheticDisplays) FreezeAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeze = n
}

func (s *SyntheticDisplays) frozenAt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeze
}

// Opened counts successful OpenDisplay calls.
func (s *SyntheticDisplays) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// ListDisplays implements DisplayBackend.
func (s *SyntheticDisplays) ListDisplays() ([]Display, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Display(nil), s.displays...), nil
}

// OpenDisplay implements DisplayBackend.
func (s *SyntheticDisplays) OpenDisplay(id string, fps int) (FrameSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, display := range s.displays {
		if display.ID == id {
			s.opened++
			return &syntheticSource{
				backend:    s,
				dimensions: Dimensions{Width: display.Width, Height: display.Height},
			}, nil
		}
	}
	return nil, fmt.Errorf("no synthetic display %q", id)
}

func (s *SyntheticDisplays) takeFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

var errSourceClosed = errors.New("synthetic source closed")

type syntheticSource struct {
	backend    *SyntheticDisplays
	dimensions Dimensions
	frame      int
	closed     bool
}

// Grab draws a diagonal gradient shifted by one column per frame, so
// consecutive frames differ in every row.
func (s *syntheticSource) Grab() (Frame, error) {
	if s.closed {
		return Frame{}, errSourceClosed
	}
	if err := s.backend.takeFailure(); err != nil {
		return Frame{}, err
	}
	shift := s.frame
	if limit := s.backend.frozenAt(); limit > 0 && shift >= limit {
		shift = limit - 1
	}
	width, height := s.dimensions.Width, s.dimensions.Height
	payload := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		row := payload[y*width*4:]
		for x := 0; x < width; x++ {
			value := byte(x + y + shift)
			row[x*4] = value
			row[x*4+1] = byte(y)
			row[x*4+2] = byte(x)
			row[x*4+3] = 0xff
		}
	}
	kind := Delta
	if s.frame == 0 {
		kind = Keyframe
	}
	s.frame++
	return Frame{Payload: payload, Kind: kind, Dimensions: s.dimensions, Colorspace: BGRA}, nil
}

func (s *syntheticSource) Close() error {
	s.closed = true
	return nil
}

// SyntheticAudio is an AudioBackend producing a sine tone. A zero
// frequency produces no signal at all, exercising silence fill.
type SyntheticAudio struct {
	Frequency float64
}

var _ AudioBackend = (*SyntheticAudio)(nil)

// ListAudioOutputs implements AudioBackend.
func (a *SyntheticAudio) ListAudioOutputs() ([]AudioOutput, error) {
	return []AudioOutput{{ID: "synthetic", Name: "Synthetic tone"}}, nil
}

// OpenLoopback implements AudioBackend.
func (a *SyntheticAudio) OpenLoopback(id string, sampleRate, channels int) (AudioSource, error) {
	if id != "" && id != "synthetic" {
		return nil, fmt.Errorf("no synthetic audio output %q", id)
	}
	return &toneSource{frequency: a.Frequency, sampleRate: sampleRate, channels: channels}, nil
}

type toneSource struct {
	frequency  float64
	sampleRate int
	channels   int
	position   int
}

func (t *toneSource) Read(samples []int16) (int, error) {
	if t.frequency == 0 {
		return 0, nil
	}
	frames := len(samples) / t.channels
	for frame := 0; frame < frames; frame++ {
		phase := 2 * math.Pi * t.frequency * float64(t.position) / float64(t.sampleRate)
		value := int16(math.Sin(phase) * 8000)
		for channel := 0; channel < t.channels; channel++ {
			samples[frame*t.channels+channel] = value
		}
		t.position++
	}
	return frames * t.channels, nil
}

func (t *toneSource) Close() error { return nil }

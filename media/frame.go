// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"fmt"
	"time"
)

// FrameKind distinguishes self-contained frames from frames that
// depend on their predecessor.
type FrameKind uint8

const (
	Delta FrameKind = iota
	Keyframe
)

func (k FrameKind) String() string {
	if k == Keyframe {
		return "keyframe"
	}
	return "delta"
}

// Colorspace is the pixel layout of a raw frame payload.
type Colorspace uint8

const (
	// BGRA is 4 bytes per pixel, blue first. Every capture back-end
	// delivers this layout.
	BGRA Colorspace = iota
)

// BytesPerPixel returns the pixel stride of the colorspace.
func (c Colorspace) BytesPerPixel() int { return 4 }

// Dimensions is a pixel size.
type Dimensions struct {
	Width  int `cbor:"w" json:"width"`
	Height int `cbor:"h" json:"height"`
}

func (d Dimensions) String() string { return fmt.Sprintf("%dx%d", d.Width, d.Height) }

// Pixels returns Width*Height.
func (d Dimensions) Pixels() int { return d.Width * d.Height }

// Valid reports whether both sides are positive.
func (d Dimensions) Valid() bool { return d.Width > 0 && d.Height > 0 }

// Frame is one raw video frame. A frame handed to an encoder belongs
// to the encoder for the duration of the call; callers must not touch
// Payload afterwards.
type Frame struct {
	// Timestamp is monotonic capture time since the stream started.
	Timestamp  time.Duration
	Payload    []byte
	Kind       FrameKind
	Dimensions Dimensions
	Colorspace Colorspace
}

// Validate checks that Payload matches Dimensions.
func (f *Frame) Validate() error {
	if !f.Dimensions.Valid() {
		return fmt.Errorf("frame has invalid dimensions %v", f.Dimensions)
	}
	want := f.Dimensions.Pixels() * f.Colorspace.BytesPerPixel()
	if len(f.Payload) != want {
		return fmt.Errorf("frame payload is %d bytes, %v needs %d", len(f.Payload), f.Dimensions, want)
	}
	return nil
}

// AudioChunk is interleaved signed 16-bit PCM, at most 20ms long.
type AudioChunk struct {
	Timestamp  time.Duration
	SampleRate int
	Channels   int
	Samples    []int16
}

// Duration is the playback length of the chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// MaxAudioChunk is the longest chunk a source may deliver.
const MaxAudioChunk = 20 * time.Millisecond

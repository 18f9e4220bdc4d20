// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/peerdesk/media"
)

// Family names a codec implementation family.
type Family string

const (
	H264   Family = "H264"
	VP8    Family = "VP8"
	VP9    Family = "VP9"
	ZDelta Family = "ZDELTA"
)

// Valid reports whether f is a known family name. A valid family may
// still be unavailable if no factory is registered for it.
func (f Family) Valid() bool {
	switch f {
	case H264, VP8, VP9, ZDelta:
		return true
	}
	return false
}

// Parameter bounds enforced by NewMediaConfig.
const (
	MinFPS        = 1
	MaxFPS        = 120
	MinBitrateBPS = 64_000
	MaxBitrateBPS = 50_000_000
	MinGOPSeconds = 1
	MaxGOPSeconds = 10

	// MaxDimension keeps sizes representable in the 16-bit payload
	// header fields.
	MaxDimension = 8192

	// MaxFramePixels bounds the frame area so a decoded BGRA frame
	// fits in one compressed block.
	MaxFramePixels = 4096 * 4096
)

// MediaConfig is the full set of encoder parameters. Construct with
// NewMediaConfig; the zero value is invalid.
type MediaConfig struct {
	Codec      Family `json:"codec"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FPS        int    `json:"fps"`
	BitrateBPS int    `json:"bitrate_bps"`
	GOPSeconds int    `json:"gop_seconds"`
}

// NewMediaConfig returns a validated MediaConfig.
func NewMediaConfig(family Family, width, height, fps, bitrateBPS, gopSeconds int) (MediaConfig, error) {
	config := MediaConfig{
		Codec:      family,
		Width:      width,
		Height:     height,
		FPS:        fps,
		BitrateBPS: bitrateBPS,
		GOPSeconds: gopSeconds,
	}
	if err := config.Validate(); err != nil {
		return MediaConfig{}, err
	}
	return config, nil
}

// Validate reports every out-of-range field.
func (c MediaConfig) Validate() error {
	var errs []error
	if !c.Codec.Valid() {
		errs = append(errs, fmt.Errorf("codec %q is not one of H264, VP8, VP9, ZDELTA", c.Codec))
	}
	if c.Width < 1 || c.Width > MaxDimension || c.Height < 1 || c.Height > MaxDimension {
		errs = append(errs, fmt.Errorf("dimensions %dx%d out of range [1, %d]", c.Width, c.Height, MaxDimension))
	} else if c.Width*c.Height > MaxFramePixels {
		errs = append(errs, fmt.Errorf("dimensions %dx%d exceed %d pixels", c.Width, c.Height, MaxFramePixels))
	}
	if c.FPS < MinFPS || c.FPS > MaxFPS {
		errs = append(errs, fmt.Errorf("fps %d out of range [%d, %d]", c.FPS, MinFPS, MaxFPS))
	}
	if c.BitrateBPS < MinBitrateBPS || c.BitrateBPS > MaxBitrateBPS {
		errs = append(errs, fmt.Errorf("bitrate %d out of range [%d, %d]", c.BitrateBPS, MinBitrateBPS, MaxBitrateBPS))
	}
	if c.GOPSeconds < MinGOPSeconds || c.GOPSeconds > MaxGOPSeconds {
		errs = append(errs, fmt.Errorf("gop_seconds %d out of range [%d, %d]", c.GOPSeconds, MinGOPSeconds, MaxGOPSeconds))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Dimensions returns the configured frame size.
func (c MediaConfig) Dimensions() media.Dimensions {
	return media.Dimensions{Width: c.Width, Height: c.Height}
}

// MaxDeltaRun is the longest run of delta frames allowed between
// keyframes.
func (c MediaConfig) MaxDeltaRun() int { return c.FPS * c.GOPSeconds }

func (c MediaConfig) String() string {
	return fmt.Sprintf("%s %dx%d@%d %dbps gop=%ds", c.Codec, c.Width, c.Height, c.FPS, c.BitrateBPS, c.GOPSeconds)
}

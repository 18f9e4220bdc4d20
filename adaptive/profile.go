// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adaptive

import (
	"fmt"

	"github.com/bureau-foundation/peerdesk/media/codec"
)

// Profile is the target encoder operating point for a bucket.
type Profile struct {
	Width      int `json:"width" yaml:"width"`
	Height     int `json:"height" yaml:"height"`
	FPS        int `json:"fps" yaml:"fps"`
	BitrateBPS int `json:"bitrate_bps" yaml:"bitrate_bps"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%dx%d@%d %dbps", p.Width, p.Height, p.FPS, p.BitrateBPS)
}

// Pixels is the frame area.
func (p Profile) Pixels() int { return p.Width * p.Height }

// Limit caps every field of p at ceiling. Zero ceiling fields do not
// limit.
func (p Profile) Limit(ceiling Profile) Profile {
	if ceiling.Width > 0 && ceiling.Height > 0 && p.Pixels() > ceiling.Pixels() {
		p.Width, p.Height = ceiling.Width, ceiling.Height
	}
	if ceiling.FPS > 0 {
		p.FPS = min(p.FPS, ceiling.FPS)
	}
	if ceiling.BitrateBPS > 0 {
		p.BitrateBPS = min(p.BitrateBPS, ceiling.BitrateBPS)
	}
	return p
}

// Apply returns base with the profile's size and rate. The codec
// family and GOP length are kept.
func (p Profile) Apply(base codec.MediaConfig) codec.MediaConfig {
	base.Width, base.Height = p.Width, p.Height
	base.FPS = p.FPS
	base.BitrateBPS = p.BitrateBPS
	return base
}

// Profiles holds one profile per bucket.
type Profiles [bucketCount]Profile

// DefaultProfiles returns the built-in profile ladder.
func DefaultProfiles() Profiles {
	return Profiles{
		Excellent: {Width: 2560, Height: 1440, FPS: 60, BitrateBPS: 10_000_000},
		Good:      {Width: 1920, Height: 1080, FPS: 60, BitrateBPS: 6_000_000},
		Fair:      {Width: 1920, Height: 1080, FPS: 30, BitrateBPS: 3_000_000},
		Poor:      {Width: 1280, Height: 720, FPS: 30, BitrateBPS: 1_000_000},
		VeryPoor:  {Width: 1280, Height: 720, FPS: 15, BitrateBPS: 500_000},
	}
}

// Validate checks that every profile is a legal encoder configuration.
func (p Profiles) Validate() error {
	for bucket, profile := range p {
		_, err := codec.NewMediaConfig(codec.ZDelta, profile.Width, profile.Height, profile.FPS, profile.BitrateBPS, codec.MinGOPSeconds)
		if err != nil {
			return fmt.Errorf("profile %s: %w", Bucket(bucket), err)
		}
	}
	return nil
}

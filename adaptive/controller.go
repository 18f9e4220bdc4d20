// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adaptive

import (
	"fmt"
	"time"
)

// Default controller parameters.
const (
	DefaultSampleInterval      = time.Second
	DefaultDegradeAfter        = 2
	DefaultUpgradeAfter        = 5
	DefaultQueueDepthThreshold = 30
)

// capFraction is the share of the active profile's bitrate at which
// the send rate counts as the profile cap rather than the link.
const capFraction = 0.8

// Config tunes a Controller.
type Config struct {
	SampleInterval time.Duration

	// DegradeAfter and UpgradeAfter are how many consecutive samples
	// must classify worse (better) than the current bucket before
	// the controller takes one step.
	DegradeAfter int
	UpgradeAfter int

	// QueueDepthThreshold is the queued packet count above which a
	// sample is classified one bucket worse.
	QueueDepthThreshold int

	Profiles Profiles

	// Ceiling caps every profile, usually at the capture size and
	// the configured frame rate and bitrate.
	Ceiling Profile

	// Initial is the bucket streaming starts in.
	Initial Bucket
}

// DefaultConfig returns the built-in parameters starting at Good.
func DefaultConfig() Config {
	return Config{
		SampleInterval:      DefaultSampleInterval,
		DegradeAfter:        DefaultDegradeAfter,
		UpgradeAfter:        DefaultUpgradeAfter,
		QueueDepthThreshold: DefaultQueueDepthThreshold,
		Profiles:            DefaultProfiles(),
		Initial:             Good,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("adaptive: sample interval %v must be positive", c.SampleInterval)
	}
	if c.DegradeAfter < 1 || c.UpgradeAfter < 1 {
		return fmt.Errorf("adaptive: degrade_after %d and upgrade_after %d must be at least 1", c.DegradeAfter, c.UpgradeAfter)
	}
	if !c.Initial.Valid() {
		return fmt.Errorf("adaptive: initial bucket %d is not defined", c.Initial)
	}
	return c.Profiles.Validate()
}

// Decision is one step taken by the controller.
type Decision struct {
	From    Bucket
	To      Bucket
	Profile Profile

	// Keyframe is set when the step raises the resolution.
	Keyframe bool
}

// Controller is the pure hysteresis state machine. It is not safe for
// concurrent use; the Runner serializes access.
type Controller struct {
	config  Config
	current Bucket

	// pending counts consecutive samples pulling in the direction of
	// pendingUp.
	pending   int
	pendingUp bool
}

// NewController returns a controller in config.Initial.
func NewController(config Config) (*Controller, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Controller{config: config, current: config.Initial}, nil
}

// Current is the bucket the controller is in.
func (c *Controller) Current() Bucket { return c.current }

// Profile returns the capped profile of the current bucket.
func (c *Controller) Profile() Profile { return c.profile(c.current) }

func (c *Controller) profile(bucket Bucket) Profile {
	return c.config.Profiles[bucket].Limit(c.config.Ceiling)
}

// Observe classifies sample and returns a decision when the
// controller steps.
func (c *Controller) Observe(sample Sample) (Decision, bool) {
	observed := Classify(c.markApplicationLimited(sample), c.config.QueueDepthThreshold)
	if observed == c.current {
		c.pending = 0
		return Decision{}, false
	}
	up := observed < c.current
	if up != c.pendingUp {
		c.pending = 0
		c.pendingUp = up
	}
	c.pending++

	threshold := c.config.DegradeAfter
	if up {
		threshold = c.config.UpgradeAfter
	}
	if c.pending < threshold {
		return Decision{}, false
	}
	c.pending = 0

	from := c.current
	if up {
		c.current--
	} else {
		c.current++
	}
	previous, next := c.profile(from), c.profile(c.current)
	return Decision{
		From:     from,
		To:       c.current,
		Profile:  next,
		Keyframe: up && next.Pixels() > previous.Pixels(),
	}, true
}

// markApplicationLimited flags samples whose send rate says nothing
// about the link: an empty queue means the encoder had nothing more to
// send, and a rate near the profile bitrate is the cap itself.
func (c *Controller) markApplicationLimited(sample Sample) Sample {
	ceiling := float64(c.Profile().BitrateBPS) * capFraction
	if sample.QueueDepth == 0 || sample.SendBPS >= ceiling {
		sample.ApplicationLimited = true
	}
	return sample
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adaptive

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/media/codec"
)

// Source produces link samples.
type Source interface {
	Sample() Sample
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Sample

func (f SourceFunc) Sample() Sample { return f() }

// Encoder is the part of an encoder handle the runner drives.
// *codec.Encoder satisfies it.
type Encoder interface {
	Config() codec.MediaConfig
	Configure(config codec.MediaConfig) error
	RequestKeyframe()
}

// Compile-time interface check.
var _ Encoder = (*codec.Encoder)(nil)

// Runner samples a link on a ticker and applies the controller's
// decisions.
type Runner struct {
	controller *Controller
	source     Source
	encoder    Encoder
	clock      clock.Clock
	logger     *slog.Logger
	current    atomic.Int32

	// OnDecision, if set, is called after each applied step; the
	// session uses it to retune the media track pacer.
	OnDecision func(Decision)
}

// NewRunner returns a runner that applies config's initial profile on
// Run.
func NewRunner(config Config, source Source, encoder Encoder, clk clock.Clock, logger *slog.Logger) (*Runner, error) {
	controller, err := NewController(config)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	runner := &Runner{
		controller: controller,
		source:     source,
		encoder:    encoder,
		clock:      clk,
		logger:     logger,
	}
	runner.current.Store(int32(controller.Current()))
	return runner, nil
}

// Current is the bucket of the last applied profile.
func (r *Runner) Current() Bucket { return Bucket(r.current.Load()) }

// Run applies the initial profile and then adjusts the encoder every
// sample interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.apply(Decision{From: r.controller.Current(), To: r.controller.Current(), Profile: r.controller.Profile()}); err != nil {
		return err
	}
	ticker := r.clock.NewTicker(r.controller.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			decision, changed := r.controller.Observe(r.source.Sample())
			if !changed {
				continue
			}
			if err := r.apply(decision); err != nil {
				r.logger.Warn("applying adaptive profile", "profile", decision.Profile.String(), "error", err)
				continue
			}
			r.logger.Info("link quality changed",
				"from", decision.From.String(),
				"to", decision.To.String(),
				"profile", decision.Profile.String(),
			)
		}
	}
}

func (r *Runner) apply(decision Decision) error {
	if err := r.encoder.Configure(decision.Profile.Apply(r.encoder.Config())); err != nil {
		return err
	}
	if decision.Keyframe {
		r.encoder.RequestKeyframe()
	}
	r.current.Store(int32(decision.To))
	if r.OnDecision != nil {
		r.OnDecision(decision)
	}
	return nil
}

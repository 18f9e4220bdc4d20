// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/media"
)

var (
	// ErrInvalidConfig wraps every MediaConfig validation failure.
	ErrInvalidConfig = errors.New("codec: invalid media config")

	// ErrCodecUnavailable means no factory is registered for a family.
	ErrCodecUnavailable = errors.New("codec: family unavailable")

	// ErrKeyframeRequired means the decoder cannot continue until it
	// sees a keyframe. The caller should ask the encoder for one.
	ErrKeyframeRequired = errors.New("codec: keyframe required")

	// ErrStalePacket means the packet arrived after a newer one was
	// already decoded and was discarded.
	ErrStalePacket = errors.New("codec: stale packet")

	// ErrMalformed means the payload could not be parsed.
	ErrMalformed = errors.New("codec: malformed payload")
)

// VideoEncoder is one codec family's encoder.
type VideoEncoder interface {
	// Configure applies config. Unchanged parameters are a no-op;
	// a dimension change resets the reference and forces a keyframe;
	// rate changes adjust rate control only.
	Configure(config MediaConfig) error

	// Encode compresses frame. It returns false when the frame was
	// elided. The encoder takes ownership of frame.Payload.
	Encode(frame media.Frame) (media.EncodedPacket, bool, error)

	// RequestKeyframe makes the next encoded frame a keyframe.
	RequestKeyframe()

	Stats() EncoderStats
}

// VideoDecoder is one codec family's decoder.
type VideoDecoder interface {
	Decode(packet media.EncodedPacket) (media.Frame, error)
	Signals() DecoderSignals
}

// EncoderStats are cumulative encoder counters.
type EncoderStats struct {
	FramesIn        uint64 `json:"frames_in"`
	FramesEncoded   uint64 `json:"frames_encoded"`
	Keyframes       uint64 `json:"keyframes"`
	ElidedUnchanged uint64 `json:"elided_unchanged"`
	ElidedRate      uint64 `json:"elided_rate"`
	BytesOut        uint64 `json:"bytes_out"`
}

// DecoderSignals report receive-side stream health.
type DecoderSignals struct {
	FramesDecoded uint64 `json:"frames_decoded"`

	// OutOfOrder counts packets older than one already decoded.
	OutOfOrder uint64 `json:"out_of_order"`

	// GapLength is the total number of sequence numbers skipped.
	GapLength uint64 `json:"gap_length"`

	// KeyframeRequests counts decodes that failed with
	// ErrKeyframeRequired.
	KeyframeRequests uint64 `json:"keyframe_requests"`

	// DecodedLatencyEstimate is the queueing delay of the latest
	// frame above the lowest delay observed on this stream.
	DecodedLatencyEstimate time.Duration `json:"decoded_latency_estimate"`
}

// Factory constructs the encoder and decoder of one family.
type Factory struct {
	NewEncoder func(config MediaConfig) (VideoEncoder, error)
	NewDecoder func(clk clock.Clock) (VideoDecoder, error)
}

// Registry maps families to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Family]Factory
}

// NewRegistry returns a registry holding the built-in ZDELTA family.
func NewRegistry() *Registry {
	registry := &Registry{factories: make(map[Family]Factory)}
	registry.Register(ZDelta, Factory{
		NewEncoder: func(config MediaConfig) (VideoEncoder, error) { return NewZDeltaEncoder(config) },
		NewDecoder: func(clk clock.Clock) (VideoDecoder, error) { return NewZDeltaDecoder(clk), nil },
	})
	return registry
}

// Register installs or replaces the factory for family.
func (r *Registry) Register(family Family, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[family] = factory
}

// Families lists registered families in name order.
func (r *Registry) Families() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	families := make([]Family, 0, len(r.factories))
	for family := range r.factories {
		families = append(families, family)
	}
	slices.Sort(families)
	return families
}

// Has reports whether family has a registered factory.
func (r *Registry) Has(family Family) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[family]
	return ok
}

func (r *Registry) factory(family Family) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[family]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %s", ErrCodecUnavailable, family)
	}
	return factory, nil
}

// NewEncoder returns an Encoder for config.Codec.
func (r *Registry) NewEncoder(config MediaConfig) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	factory, err := r.factory(config.Codec)
	if err != nil {
		return nil, err
	}
	implementation, err := factory.NewEncoder(config)
	if err != nil {
		return nil, fmt.Errorf("creating %s encoder: %w", config.Codec, err)
	}
	return &Encoder{registry: r, implementation: implementation, config: config}, nil
}

// NewDecoder returns the decoder for family.
func (r *Registry) NewDecoder(family Family, clk clock.Clock) (VideoDecoder, error) {
	factory, err := r.factory(family)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	return factory.NewDecoder(clk)
}

// Encoder is the family-independent encoder handle used by sessions.
// Changing Codec in Configure swaps the underlying implementation;
// every other change is delegated to it.
type Encoder struct {
	mu             sync.Mutex
	registry       *Registry
	implementation VideoEncoder
	config         MediaConfig
	previous       EncoderStats
}

// Configure applies config.
func (e *Encoder) Configure(config MediaConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if config == e.config {
		return nil
	}
	if config.Codec != e.config.Codec {
		factory, err := e.registry.factory(config.Codec)
		if err != nil {
			return err
		}
		implementation, err := factory.NewEncoder(config)
		if err != nil {
			return fmt.Errorf("creating %s encoder: %w", config.Codec, err)
		}
		e.previous = addStats(e.previous, e.implementation.Stats())
		e.implementation = implementation
		e.config = config
		return nil
	}
	if err := e.implementation.Configure(config); err != nil {
		return err
	}
	e.config = config
	return nil
}

// Config returns the active parameters.
func (e *Encoder) Config() MediaConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Encode implements VideoEncoder.
func (e *Encoder) Encode(frame media.Frame) (media.EncodedPacket, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.implementation.Encode(frame)
}

// RequestKeyframe implements VideoEncoder.
func (e *Encoder) RequestKeyframe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.implementation.RequestKeyframe()
}

// Stats sums counters across every implementation this handle used.
func (e *Encoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return addStats(e.previous, e.implementation.Stats())
}

func addStats(a, b EncoderStats) EncoderStats {
	return EncoderStats{
		FramesIn:        a.FramesIn + b.FramesIn,
		FramesEncoded:   a.FramesEncoded + b.FramesEncoded,
		Keyframes:       a.Keyframes + b.Keyframes,
		ElidedUnchanged: a.ElidedUnchanged + b.ElidedUnchanged,
		ElidedRate:      a.ElidedRate + b.ElidedRate,
		BytesOut:        a.BytesOut + b.BytesOut,
	}
}

// RTPVideoTimestamp converts a capture timestamp to the 90 kHz clock.
func RTPVideoTimestamp(timestamp time.Duration) uint32 {
	return uint32(uint64(timestamp) * media.VideoClockRate / uint64(time.Second))
}

// videoTimestamp converts a 90 kHz timestamp back to a duration.
func videoTimestamp(rtp uint32) time.Duration {
	return time.Duration(uint64(rtp) * uint64(time.Second) / media.VideoClockRate)
}

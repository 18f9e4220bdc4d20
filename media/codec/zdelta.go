// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/compress"
	"github.com/bureau-foundation/peerdesk/media"
)

// ZDELTA payload header, big-endian:
//
//	[0]     version (1)
//	[1]     kind (0 keyframe, 1 delta)
//	[2]     compress.Method of the body
//	[3]     reserved
//	[4:6]   width
//	[6:8]   height
//	[8:12]  frame number
//	[12:16] reference frame number (equal to frame number for keyframes)
const (
	zdeltaVersion    = 1
	zdeltaHeaderSize = 16

	zdeltaKeyframe = 0
	zdeltaDelta    = 1
)

// ZDeltaEncoder is the built-in lossless software encoder.
type ZDeltaEncoder struct {
	config MediaConfig
	bucket *rateBucket

	reference       []byte
	referenceDigest [32]byte
	frameNumber     uint32
	sequence        uint64
	deltaRun        int
	forceKeyframe   bool

	stats EncoderStats
}

var _ VideoEncoder = (*ZDeltaEncoder)(nil)

// NewZDeltaEncoder returns an encoder whose first frame is a keyframe.
func NewZDeltaEncoder(config MediaConfig) (*ZDeltaEncoder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &ZDeltaEncoder{
		config:        config,
		bucket:        newRateBucket(config.BitrateBPS),
		forceKeyframe: true,
	}, nil
}

// Configure implements VideoEncoder.
func (e *ZDeltaEncoder) Configure(config MediaConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.Codec != ZDelta {
		return fmt.Errorf("%w: ZDELTA encoder cannot switch to %s", ErrInvalidConfig, config.Codec)
	}
	if config == e.config {
		return nil
	}
	if config.Dimensions() != e.config.Dimensions() {
		e.reference = nil
		e.forceKeyframe = true
	}
	if config.BitrateBPS != e.config.BitrateBPS {
		e.bucket.setRate(config.BitrateBPS)
	}
	e.config = config
	return nil
}

// RequestKeyframe implements VideoEncoder.
func (e *ZDeltaEncoder) RequestKeyframe() { e.forceKeyframe = true }

// Stats implements VideoEncoder.
func (e *ZDeltaEncoder) Stats() EncoderStats { return e.stats }

// Encode implements VideoEncoder.
func (e *ZDeltaEncoder) Encode(frame media.Frame) (media.EncodedPacket, bool, error) {
	if err := frame.Validate(); err != nil {
		return media.EncodedPacket{}, false, fmt.Errorf("zdelta encode: %w", err)
	}
	e.stats.FramesIn++
	frame = media.Scale(frame, e.config.Dimensions())
	e.bucket.refill(frame.Timestamp)

	keyframe := e.forceKeyframe || e.reference == nil || e.deltaRun >= e.config.MaxDeltaRun()
	digest := blake3.Sum256(frame.Payload)
	if !keyframe {
		if digest == e.referenceDigest {
			e.stats.ElidedUnchanged++
			return media.EncodedPacket{}, false, nil
		}
		if e.bucket.exhausted() {
			e.stats.ElidedRate++
			return media.EncodedPacket{}, false, nil
		}
	}

	e.frameNumber++
	header := make([]byte, zdeltaHeaderSize, zdeltaHeaderSize+len(frame.Payload)/2)
	header[0] = zdeltaVersion
	binary.BigEndian.PutUint16(header[4:6], uint16(e.config.Width))
	binary.BigEndian.PutUint16(header[6:8], uint16(e.config.Height))
	binary.BigEndian.PutUint32(header[8:12], e.frameNumber)

	var (
		body   []byte
		method compress.Method
		err    error
	)
	if keyframe {
		header[1] = zdeltaKeyframe
		binary.BigEndian.PutUint32(header[12:16], e.frameNumber)
		body, method, err = compress.Best(frame.Payload, compress.Zstd)
	} else {
		header[1] = zdeltaDelta
		binary.BigEndian.PutUint32(header[12:16], e.frameNumber-1)
		body, method, err = compress.Best(xorBytes(frame.Payload, e.reference), compress.LZ4)
	}
	if err != nil {
		e.frameNumber--
		return media.EncodedPacket{}, false, fmt.Errorf("zdelta encode: %w", err)
	}
	header[2] = byte(method)
	payload := append(header, body...)

	flags := media.Flags(0)
	if keyframe {
		flags |= media.FlagKeyframe
		e.forceKeyframe = false
		e.deltaRun = 0
		e.stats.Keyframes++
	} else {
		e.deltaRun++
	}
	e.reference = frame.Payload
	e.referenceDigest = digest
	e.bucket.spend(len(payload))
	e.stats.FramesEncoded++
	e.stats.BytesOut += uint64(len(payload))

	packet := media.EncodedPacket{
		StreamID:     media.VideoStream,
		Sequence:     e.sequence,
		TimestampRTP: RTPVideoTimestamp(frame.Timestamp),
		Flags:        flags,
		Payload:      payload,
	}
	e.sequence++
	return packet, true, nil
}

// ZDeltaDecoder decodes ZDELTA packets. It is safe for concurrent use.
type ZDeltaDecoder struct {
	mu    sync.Mutex
	clock clock.Clock

	reference       []byte
	referenceSize   media.Dimensions
	referenceNumber uint32
	haveReference   bool

	highestSequence uint64
	haveSequence    bool

	started   time.Time
	minDelay  time.Duration
	haveDelay bool
	signals   DecoderSignals
}

var _ VideoDecoder = (*ZDeltaDecoder)(nil)

// NewZDeltaDecoder returns a decoder awaiting its first keyframe.
func NewZDeltaDecoder(clk clock.Clock) *ZDeltaDecoder {
	if clk == nil {
		clk = clock.Real()
	}
	return &ZDeltaDecoder{clock: clk, started: clk.Now()}
}

// Signals implements VideoDecoder.
func (d *ZDeltaDecoder) Signals() DecoderSignals {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signals
}

// Decode implements VideoDecoder.
func (d *ZDeltaDecoder) Decode(packet media.EncodedPacket) (media.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.haveSequence && packet.Sequence <= d.highestSequence {
		d.signals.OutOfOrder++
		return media.Frame{}, fmt.Errorf("%w: sequence %d after %d", ErrStalePacket, packet.Sequence, d.highestSequence)
	}
	if d.haveSequence && packet.Sequence > d.highestSequence+1 {
		d.signals.GapLength += packet.Sequence - d.highestSequence - 1
	}
	d.highestSequence, d.haveSequence = packet.Sequence, true

	payload := packet.Payload
	if len(payload) < zdeltaHeaderSize || payload[0] != zdeltaVersion {
		return d.needKeyframe(fmt.Errorf("%w: bad header", ErrMalformed))
	}
	kind := payload[1]
	method := compress.Method(payload[2])
	size := media.Dimensions{
		Width:  int(binary.BigEndian.Uint16(payload[4:6])),
		Height: int(binary.BigEndian.Uint16(payload[6:8])),
	}
	number := binary.BigEndian.Uint32(payload[8:12])
	referenceNumber := binary.BigEndian.Uint32(payload[12:16])
	if !size.Valid() || size.Width > MaxDimension || size.Height > MaxDimension || size.Pixels() > MaxFramePixels {
		return d.needKeyframe(fmt.Errorf("%w: dimensions %v", ErrMalformed, size))
	}
	length := size.Pixels() * media.BGRA.BytesPerPixel()
	if (kind == zdeltaKeyframe) != packet.IsKeyframe() {
		return d.needKeyframe(fmt.Errorf("%w: kind %d disagrees with packet flags", ErrMalformed, kind))
	}

	body, err := compress.Decompress(payload[zdeltaHeaderSize:], method, length)
	if err != nil {
		return d.needKeyframe(fmt.Errorf("%w: %w", ErrMalformed, err))
	}

	var pixels []byte
	switch kind {
	case zdeltaKeyframe:
		pixels = body
	case zdeltaDelta:
		if !d.haveReference || referenceNumber != d.referenceNumber || size != d.referenceSize {
			return d.needKeyframe(fmt.Errorf("delta %d references frame %d", number, referenceNumber))
		}
		pixels = xorBytes(body, d.reference)
	default:
		return d.needKeyframe(fmt.Errorf("%w: kind %d", ErrMalformed, kind))
	}

	d.reference, d.referenceSize, d.referenceNumber, d.haveReference = pixels, size, number, true
	d.signals.FramesDecoded++
	timestamp := videoTimestamp(packet.TimestampRTP)
	d.observeDelay(timestamp)

	frameKind := media.Delta
	if kind == zdeltaKeyframe {
		frameKind = media.Keyframe
	}
	// The caller gets a copy: the decoder keeps pixels as its reference.
	return media.Frame{
		Timestamp:  timestamp,
		Payload:    append([]byte(nil), pixels...),
		Kind:       frameKind,
		Dimensions: size,
		Colorspace: media.BGRA,
	}, nil
}

// needKeyframe drops the reference so no further delta applies until
// a keyframe resynchronises the stream.
func (d *ZDeltaDecoder) needKeyframe(cause error) (media.Frame, error) {
	d.haveReference = false
	d.reference = nil
	d.signals.KeyframeRequests++
	return media.Frame{}, fmt.Errorf("%w: %w", ErrKeyframeRequired, cause)
}

// observeDelay tracks arrival time minus media time. The smallest
// value seen approximates the path's fixed delay; the excess is the
// queueing latency of the current frame.
func (d *ZDeltaDecoder) observeDelay(mediaTime time.Duration) {
	delay := d.clock.Now().Sub(d.started) - mediaTime
	if !d.haveDelay || delay < d.minDelay {
		d.minDelay, d.haveDelay = delay, true
	}
	d.signals.DecodedLatencyEstimate = delay - d.minDelay
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

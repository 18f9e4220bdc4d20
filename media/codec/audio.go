// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/compress"
	"github.com/bureau-foundation/peerdesk/media"
)

// Audio payload: [method u8][channels u8][sample rate u32][sample
// count u32][body], where body is little-endian PCM16, optionally LZ4.
const audioHeaderSize = 10

// Audio format bounds. A packet may carry at most one second of audio.
const (
	MaxAudioChannels = 8
	MaxSampleRate    = 192_000
)

// AudioEncoder turns each chunk into exactly one packet.
type AudioEncoder struct {
	sequence uint64
}

// NewAudioEncoder returns a PCM16 encoder.
func NewAudioEncoder() *AudioEncoder { return &AudioEncoder{} }

// Encode packs chunk into one EncodedPacket on the audio stream.
func (e *AudioEncoder) Encode(chunk media.AudioChunk) (media.EncodedPacket, error) {
	if chunk.SampleRate <= 0 || chunk.SampleRate > MaxSampleRate || chunk.Channels <= 0 || chunk.Channels > MaxAudioChannels {
		return media.EncodedPacket{}, fmt.Errorf("%w: audio format %d Hz x %d", ErrMalformed, chunk.SampleRate, chunk.Channels)
	}
	pcm := make([]byte, len(chunk.Samples)*2)
	for i, sample := range chunk.Samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}
	body, method, err := compress.Best(pcm, compress.LZ4)
	if err != nil {
		return media.EncodedPacket{}, fmt.Errorf("audio encode: %w", err)
	}
	payload := make([]byte, audioHeaderSize, audioHeaderSize+len(body))
	payload[0] = byte(method)
	payload[1] = byte(chunk.Channels)
	binary.BigEndian.PutUint32(payload[2:6], uint32(chunk.SampleRate))
	binary.BigEndian.PutUint32(payload[6:10], uint32(len(chunk.Samples)))
	payload = append(payload, body...)

	packet := media.EncodedPacket{
		StreamID:     media.AudioStream,
		Sequence:     e.sequence,
		TimestampRTP: uint32(uint64(chunk.Timestamp) * media.AudioClockRate / uint64(time.Second)),
		Flags:        media.FlagAudio,
		Payload:      payload,
	}
	e.sequence++
	return packet, nil
}

// AudioDecoder reverses AudioEncoder.
type AudioDecoder struct {
	highest uint64
	started bool
	gaps    uint64
}

// NewAudioDecoder returns an AudioDecoder.
func NewAudioDecoder() *AudioDecoder { return &AudioDecoder{} }

// Gaps counts audio packets that never arrived.
func (d *AudioDecoder) Gaps() uint64 { return d.gaps }

// Decode unpacks one audio packet. Late packets are discarded with
// ErrStalePacket; playing them would reorder sound.
func (d *AudioDecoder) Decode(packet media.EncodedPacket) (media.AudioChunk, error) {
	if d.started && packet.Sequence <= d.highest {
		return media.AudioChunk{}, ErrStalePacket
	}
	if d.started && packet.Sequence > d.highest+1 {
		d.gaps += packet.Sequence - d.highest - 1
	}
	d.highest, d.started = packet.Sequence, true

	payload := packet.Payload
	if len(payload) < audioHeaderSize {
		return media.AudioChunk{}, fmt.Errorf("%w: audio header", ErrMalformed)
	}
	channels := int(payload[1])
	sampleRate := int(binary.BigEndian.Uint32(payload[2:6]))
	count := int(binary.BigEndian.Uint32(payload[6:10]))
	if channels == 0 || channels > MaxAudioChannels || sampleRate == 0 || sampleRate > MaxSampleRate || count > sampleRate*channels {
		return media.AudioChunk{}, fmt.Errorf("%w: audio format %d Hz x %d, %d samples", ErrMalformed, sampleRate, channels, count)
	}
	pcm, err := compress.Decompress(payload[audioHeaderSize:], compress.Method(payload[0]), count*2)
	if err != nil {
		return media.AudioChunk{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	samples := make([]int16, count)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return media.AudioChunk{
		Timestamp:  time.Duration(uint64(packet.TimestampRTP) * uint64(time.Second) / media.AudioClockRate),
		SampleRate: sampleRate,
		Channels:   channels,
		Samples:    samples,
	}, nil
}

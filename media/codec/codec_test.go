// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/compress"
	"github.com/bureau-foundation/peerdesk/media"
)

var epoch = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func testConfig(t *testing.T, width, height, fps, gop int) MediaConfig {
	t.Helper()
	config, err := NewMediaConfig(ZDelta, width, height, fps, MaxBitrateBPS, gop)
	if err != nil {
		t.Fatalf("NewMediaConfig: %v", err)
	}
	return config
}

// patternFrame draws a pattern that changes a few pixels per index so
// consecutive frames differ but compress well.
func patternFrame(size media.Dimensions, index int, fps int) media.Frame {
	payload := make([]byte, size.Pixels()*4)
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			offset := (y*size.Width + x) * 4
			payload[offset] = byte(x)
			payload[offset+1] = byte(y)
			payload[offset+3] = 0xff
		}
	}
	cursor := (index * 7) % size.Pixels()
	payload[cursor*4+2] = byte(index + 1)
	return media.Frame{
		Timestamp:  time.Duration(index) * time.Second / time.Duration(fps),
		Payload:    payload,
		Dimensions: size,
		Colorspace: media.BGRA,
	}
}

func TestNewMediaConfigBounds(t *testing.T) {
	tests := []struct {
		name                             string
		family                           Family
		width, height, fps, bitrate, gop int
		wantErr                          bool
	}{
		{"valid", H264, 1920, 1080, 30, 6_000_000, 2, false},
		{"fps floor", VP8, 1280, 720, 1, 64_000, 1, false},
		{"fps ceiling", VP9, 1280, 720, 120, 50_000_000, 10, false},
		{"fps zero", H264, 1280, 720, 0, 1_000_000, 2, true},
		{"fps too high", H264, 1280, 720, 121, 1_000_000, 2, true},
		{"bitrate too low", H264, 1280, 720, 30, 63_999, 2, true},
		{"bitrate too high", H264, 1280, 720, 30, 50_000_001, 2, true},
		{"gop zero", H264, 1280, 720, 30, 1_000_000, 0, true},
		{"gop too long", H264, 1280, 720, 30, 1_000_000, 11, true},
		{"unknown family", Family("AV1"), 1280, 720, 30, 1_000_000, 2, true},
		{"no width", ZDelta, 0, 720, 30, 1_000_000, 2, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewMediaConfig(test.family, test.width, test.height, test.fps, test.bitrate, test.gop)
			if (err != nil) != test.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, test.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error %v does not wrap ErrInvalidConfig", err)
			}
		})
	}
}

func TestZDeltaRoundTripIsExact(t *testing.T) {
	const fps = 30
	size := media.Dimensions{Width: 64, Height: 36}
	encoder, err := NewRegistry().NewEncoder(testConfig(t, size.Width, size.Height, fps, 10))
	if err != nil {
		t.Fatal(err)
	}
	decoder := NewZDeltaDecoder(clock.NewFake(epoch))

	keyframes := 0
	for index := 0; index <= 100; index++ {
		frame := patternFrame(size, index, fps)
		original := append([]byte(nil), frame.Payload...)
		packet, ok, err := encoder.Encode(frame)
		if err != nil || !ok {
			t.Fatalf("frame %d: Encode = %v, %v", index, ok, err)
		}
		if packet.IsKeyframe() {
			keyframes++
		}
		decoded, err := decoder.Decode(packet)
		if err != nil {
			t.Fatalf("frame %d: Decode: %v", index, err)
		}
		if !bytes.Equal(decoded.Payload, original) {
			t.Fatalf("frame %d: decoded pixels differ", index)
		}
		if decoded.Timestamp.Round(time.Millisecond) != frame.Timestamp.Round(time.Millisecond) {
			t.Errorf("frame %d: timestamp %v, want %v", index, decoded.Timestamp, frame.Timestamp)
		}
	}
	if keyframes != 1 {
		t.Errorf("keyframes = %d, want 1", keyframes)
	}
	signals := decoder.Signals()
	if signals.FramesDecoded != 101 || signals.OutOfOrder != 0 || signals.GapLength != 0 {
		t.Errorf("signals = %+v", signals)
	}
}

func TestZDeltaElidesUnchangedFrames(t *testing.T) {
	size := media.Dimensions{Width: 16, Height: 16}
	encoder, err := NewZDeltaEncoder(testConfig(t, 16, 16, 30, 2))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := encoder.Encode(patternFrame(size, 0, 30)); !ok {
		t.Fatal("first frame elided")
	}
	repeat := patternFrame(size, 0, 30)
	repeat.Timestamp = time.Second / 30
	if _, ok, _ := encoder.Encode(repeat); ok {
		t.Error("identical frame was encoded")
	}
	encoder.RequestKeyframe()
	packet, ok, _ := encoder.Encode(patternFrame(size, 0, 30))
	if !ok || !packet.IsKeyframe() {
		t.Errorf("requested keyframe: ok=%v keyframe=%v", ok, packet.IsKeyframe())
	}
	if stats := encoder.Stats(); stats.ElidedUnchanged != 1 || stats.Keyframes != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestZDeltaGOPBound(t *testing.T) {
	const fps, gop = 5, 1
	size := media.Dimensions{Width: 16, Height: 8}
	encoder, err := NewZDeltaEncoder(testConfig(t, size.Width, size.Height, fps, gop))
	if err != nil {
		t.Fatal(err)
	}
	run := -1
	for index := 0; index < 40; index++ {
		packet, ok, err := encoder.Encode(patternFrame(size, index, fps))
		if err != nil || !ok {
			t.Fatalf("frame %d: %v %v", index, ok, err)
		}
		if packet.IsKeyframe() {
			if run > fps*gop {
				t.Fatalf("delta run of %d exceeds %d", run, fps*gop)
			}
			run = 0
			continue
		}
		run++
	}
	if stats := encoder.Stats(); stats.Keyframes < 6 {
		t.Errorf("keyframes = %d over 40 frames at gop %d frames", stats.Keyframes, fps*gop)
	}
}

func TestConfigureUnchangedIsNoop(t *testing.T) {
	size := media.Dimensions{Width: 16, Height: 16}
	config := testConfig(t, size.Width, size.Height, 30, 2)
	encoder, err := NewRegistry().NewEncoder(config)
	if err != nil {
		t.Fatal(err)
	}
	encoder.Encode(patternFrame(size, 0, 30))
	if err := encoder.Configure(config); err != nil {
		t.Fatal(err)
	}
	packet, ok, _ := encoder.Encode(patternFrame(size, 1, 30))
	if !ok || packet.IsKeyframe() {
		t.Errorf("after no-op Configure: ok=%v keyframe=%v, want delta", ok, packet.IsKeyframe())
	}

	// A rate change alone keeps the reference.
	config.BitrateBPS = 1_000_000
	config.FPS = 15
	if err := encoder.Configure(config); err != nil {
		t.Fatal(err)
	}
	if packet, _, _ := encoder.Encode(patternFrame(size, 2, 30)); packet.IsKeyframe() {
		t.Error("rate-only Configure forced a keyframe")
	}
}

func TestConfigureDimensionsForcesKeyframe(t *testing.T) {
	encoder, err := NewRegistry().NewEncoder(testConfig(t, 32, 18, 30, 2))
	if err != nil {
		t.Fatal(err)
	}
	decoder := NewZDeltaDecoder(nil)
	source := media.Dimensions{Width: 64, Height: 36}

	packet, _, _ := encoder.Encode(patternFrame(source, 0, 30))
	frame, err := decoder.Decode(packet)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Dimensions != (media.Dimensions{Width: 32, Height: 18}) {
		t.Errorf("frame scaled to %v, want 32x18", frame.Dimensions)
	}

	if err := encoder.Configure(testConfig(t, 64, 36, 30, 2)); err != nil {
		t.Fatal(err)
	}
	packet, _, _ = encoder.Encode(patternFrame(source, 1, 30))
	if !packet.IsKeyframe() {
		t.Fatal("dimension change did not force a keyframe")
	}
	frame, err = decoder.Decode(packet)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Dimensions != source {
		t.Errorf("dimensions after resize = %v", frame.Dimensions)
	}
}

func TestRateControlElidesDeltasOnly(t *testing.T) {
	size := media.Dimensions{Width: 64, Height: 64}
	config, err := NewMediaConfig(ZDelta, size.Width, size.Height, 30, MinBitrateBPS, 10)
	if err != nil {
		t.Fatal(err)
	}
	encoder, err := NewZDeltaEncoder(config)
	if err != nil {
		t.Fatal(err)
	}
	noise := func(index int) media.Frame {
		payload := make([]byte, size.Pixels()*4)
		rand.Read(payload)
		return media.Frame{Timestamp: time.Duration(index) * time.Second / 30, Payload: payload, Dimensions: size}
	}
	if packet, ok, _ := encoder.Encode(noise(0)); !ok || !packet.IsKeyframe() {
		t.Fatal("first frame was not a keyframe")
	}
	for index := 1; index < 30; index++ {
		if _, ok, _ := encoder.Encode(noise(index)); ok {
			t.Fatalf("frame %d encoded while the bucket is in debt", index)
		}
	}
	encoder.RequestKeyframe()
	if packet, ok, _ := encoder.Encode(noise(30)); !ok || !packet.IsKeyframe() {
		t.Error("requested keyframe was elided by rate control")
	}
	if stats := encoder.Stats(); stats.ElidedRate != 29 {
		t.Errorf("ElidedRate = %d, want 29", stats.ElidedRate)
	}
}

func TestDecoderRequestsKeyframeAfterLoss(t *testing.T) {
	size := media.Dimensions{Width: 16, Height: 16}
	encoder, _ := NewZDeltaEncoder(testConfig(t, 16, 16, 30, 10))
	decoder := NewZDeltaDecoder(nil)

	var packets []media.EncodedPacket
	for index := 0; index < 4; index++ {
		packet, _, _ := encoder.Encode(patternFrame(size, index, 30))
		packets = append(packets, packet)
	}
	if _, err := decoder.Decode(packets[0]); err != nil {
		t.Fatal(err)
	}
	// packets[1] is lost.
	if _, err := decoder.Decode(packets[2]); !errors.Is(err, ErrKeyframeRequired) {
		t.Fatalf("Decode after loss = %v, want ErrKeyframeRequired", err)
	}
	if _, err := decoder.Decode(packets[3]); !errors.Is(err, ErrKeyframeRequired) {
		t.Fatalf("Decode of later delta = %v, want ErrKeyframeRequired", err)
	}
	if _, err := decoder.Decode(packets[1]); !errors.Is(err, ErrStalePacket) {
		t.Fatalf("late packet = %v, want ErrStalePacket", err)
	}

	encoder.RequestKeyframe()
	keyframe, _, _ := encoder.Encode(patternFrame(size, 4, 30))
	if _, err := decoder.Decode(keyframe); err != nil {
		t.Fatalf("keyframe did not resynchronise: %v", err)
	}
	signals := decoder.Signals()
	if signals.GapLength != 1 || signals.OutOfOrder != 1 || signals.KeyframeRequests != 2 {
		t.Errorf("signals = %+v", signals)
	}
}

func TestDecoderLatencyEstimate(t *testing.T) {
	fake := clock.NewFake(epoch)
	size := media.Dimensions{Width: 8, Height: 8}
	encoder, _ := NewZDeltaEncoder(testConfig(t, 8, 8, 10, 10))
	decoder := NewZDeltaDecoder(fake)

	first, _, _ := encoder.Encode(patternFrame(size, 0, 10))
	fake.Advance(20 * time.Millisecond)
	decoder.Decode(first)

	second, _, _ := encoder.Encode(patternFrame(size, 1, 10))
	fake.Advance(130 * time.Millisecond) // 100ms frame interval + 30ms extra queueing
	decoder.Decode(second)

	if got := decoder.Signals().DecodedLatencyEstimate; got != 30*time.Millisecond {
		t.Errorf("latency estimate = %v, want 30ms", got)
	}
}

type stubEncoder struct {
	config    MediaConfig
	keyframes int
}

func (s *stubEncoder) Configure(config MediaConfig) error { s.config = config; return nil }
func (s *stubEncoder) Encode(frame media.Frame) (media.EncodedPacket, bool, error) {
	return media.EncodedPacket{StreamID: media.VideoStream, Flags: media.FlagKeyframe}, true, nil
}
func (s *stubEncoder) RequestKeyframe()    { s.keyframes++ }
func (s *stubEncoder) Stats() EncoderStats { return EncoderStats{FramesEncoded: 7} }

func TestRegistryFamilies(t *testing.T) {
	registry := NewRegistry()
	config := testConfig(t, 16, 16, 30, 2)
	config.Codec = H264
	if _, err := registry.NewEncoder(config); !errors.Is(err, ErrCodecUnavailable) {
		t.Fatalf("NewEncoder(H264) = %v, want ErrCodecUnavailable", err)
	}
	if _, err := registry.NewDecoder(VP9, nil); !errors.Is(err, ErrCodecUnavailable) {
		t.Fatalf("NewDecoder(VP9) = %v, want ErrCodecUnavailable", err)
	}

	stub := &stubEncoder{}
	registry.Register(H264, Factory{
		NewEncoder: func(config MediaConfig) (VideoEncoder, error) { stub.config = config; return stub, nil },
		NewDecoder: func(clock.Clock) (VideoDecoder, error) { return NewZDeltaDecoder(nil), nil },
	})
	if families := registry.Families(); len(families) != 2 || families[0] != H264 || families[1] != ZDelta {
		t.Errorf("Families = %v", families)
	}

	// Switching family through Configure swaps the implementation.
	encoder, err := registry.NewEncoder(testConfig(t, 16, 16, 30, 2))
	if err != nil {
		t.Fatal(err)
	}
	encoder.Encode(patternFrame(media.Dimensions{Width: 16, Height: 16}, 0, 30))
	if err := encoder.Configure(config); err != nil {
		t.Fatal(err)
	}
	if encoder.Config().Codec != H264 || stub.config.Codec != H264 {
		t.Errorf("codec after switch = %s", encoder.Config().Codec)
	}
	if stats := encoder.Stats(); stats.FramesEncoded != 8 {
		t.Errorf("FramesEncoded across switch = %d, want 1+7", stats.FramesEncoded)
	}
}

func TestAudioRoundTrip(t *testing.T) {
	encoder, decoder := NewAudioEncoder(), NewAudioDecoder()
	for index, samples := range [][]int16{
		make([]int16, 960),
		{-32768, 32767, 0, 1, -1, 1234},
		{},
	} {
		chunk := media.AudioChunk{
			Timestamp:  time.Duration(index) * 10 * time.Millisecond,
			SampleRate: 48000,
			Channels:   2,
			Samples:    samples,
		}
		packet, err := encoder.Encode(chunk)
		if err != nil {
			t.Fatalf("chunk %d: Encode: %v", index, err)
		}
		if packet.StreamID != media.AudioStream || !packet.Flags.Has(media.FlagAudio) {
			t.Errorf("chunk %d: packet header %+v", index, packet)
		}
		decoded, err := decoder.Decode(packet)
		if err != nil {
			t.Fatalf("chunk %d: Decode: %v", index, err)
		}
		if len(decoded.Samples) != len(samples) {
			t.Fatalf("chunk %d: %d samples, want %d", index, len(decoded.Samples), len(samples))
		}
		for i := range samples {
			if decoded.Samples[i] != samples[i] {
				t.Fatalf("chunk %d sample %d = %d, want %d", index, i, decoded.Samples[i], samples[i])
			}
		}
		if decoded.Timestamp != chunk.Timestamp {
			t.Errorf("chunk %d: timestamp %v, want %v", index, decoded.Timestamp, chunk.Timestamp)
		}
	}
	if _, err := decoder.Decode(media.EncodedPacket{Sequence: 0}); !errors.Is(err, ErrStalePacket) {
		t.Errorf("replayed sequence = %v, want ErrStalePacket", err)
	}
}

func TestDecodersRejectOversizedHeaders(t *testing.T) {
	keyframe := func(width, height uint16, method compress.Method, body []byte) media.EncodedPacket {
		payload := make([]byte, zdeltaHeaderSize, zdeltaHeaderSize+len(body))
		payload[0] = zdeltaVersion
		payload[1] = zdeltaKeyframe
		payload[2] = byte(method)
		binary.BigEndian.PutUint16(payload[4:6], width)
		binary.BigEndian.PutUint16(payload[6:8], height)
		return media.EncodedPacket{
			StreamID: media.VideoStream,
			Flags:    media.FlagKeyframe,
			Payload:  append(payload, body...),
		}
	}

	for _, test := range []struct {
		name   string
		packet media.EncodedPacket
	}{
		{"maximum header dimensions", keyframe(0xffff, 0xffff, compress.None, []byte{1, 2, 3, 4})},
		{"above frame area", keyframe(MaxDimension, MaxDimension, compress.LZ4, []byte{0})},
		{"lz4 expansion", keyframe(1024, 1024, compress.LZ4, []byte{0})},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewZDeltaDecoder(nil).Decode(test.packet)
			if !errors.Is(err, ErrKeyframeRequired) || !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode = %v, want ErrKeyframeRequired wrapping ErrMalformed", err)
			}
		})
	}

	audio := make([]byte, audioHeaderSize)
	audio[1] = 2
	binary.BigEndian.PutUint32(audio[2:6], 0xffffffff)
	binary.BigEndian.PutUint32(audio[6:10], 0x7fffffff)
	packet := media.EncodedPacket{StreamID: media.AudioStream, Flags: media.FlagAudio, Payload: audio}
	if _, err := NewAudioDecoder().Decode(packet); !errors.Is(err, ErrMalformed) {
		t.Fatalf("audio Decode = %v, want ErrMalformed", err)
	}

	if _, err := NewMediaConfig(ZDelta, MaxDimension, MaxDimension, 30, MinBitrateBPS, 2); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewMediaConfig above the frame area = %v, want ErrInvalidConfig", err)
	}
}

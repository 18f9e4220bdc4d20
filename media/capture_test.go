// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/testutil"
)

var epoch = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

const testFPS = 10

func startTestCapture(t *testing.T, backend *SyntheticDisplays) (*VideoCapture, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(epoch)
	capture, err := StartVideo(CaptureOptions{Backend: backend, FPS: testFPS, Clock: fake, MaxReopenAttempts: 3})
	if err != nil {
		t.Fatalf("StartVideo: %v", err)
	}
	t.Cleanup(capture.Stop)
	fake.BlockUntil(1)
	return capture, fake
}

func next(t *testing.T, capture *VideoCapture) (Frame, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return capture.Next(ctx)
}

func TestVideoCaptureDeliversFrames(t *testing.T) {
	capture, fake := startTestCapture(t, NewSyntheticDisplays(Dimensions{Width: 32, Height: 16}))
	fake.Advance(100 * time.Millisecond)

	frame, err := next(t, capture)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := frame.Validate(); err != nil {
		t.Fatal(err)
	}
	if frame.Dimensions != (Dimensions{Width: 32, Height: 16}) {
		t.Errorf("dimensions = %v", frame.Dimensions)
	}
	if frame.Timestamp != 100*time.Millisecond {
		t.Errorf("timestamp = %v, want 100ms", frame.Timestamp)
	}
}

func TestVideoCaptureLatestWins(t *testing.T) {
	capture, fake := startTestCapture(t, NewSyntheticDisplays(Dimensions{Width: 8, Height: 8}))

	fake.Advance(100 * time.Millisecond)
	testutil.Eventually(t, 5*time.Second, func() bool { return capture.FramesCaptured() == 1 })
	fake.Advance(100 * time.Millisecond)
	testutil.Eventually(t, 5*time.Second, func() bool { return capture.FramesCaptured() == 2 })

	frame, err := next(t, capture)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if frame.Timestamp != 200*time.Millisecond {
		t.Errorf("got frame at %v, want the newest at 200ms", frame.Timestamp)
	}
	if dropped := capture.FramesDropped(); dropped != 1 {
		t.Errorf("FramesDropped = %d, want 1", dropped)
	}
}

func TestVideoCaptureRecoversFromDisruption(t *testing.T) {
	backend := NewSyntheticDisplays(Dimensions{Width: 8, Height: 8})
	backend.FailNext(Transient(errors.New("display reconfigured")))
	capture, fake := startTestCapture(t, backend)

	fake.Advance(100 * time.Millisecond)
	_, err := next(t, capture)
	var disruption *Disruption
	if !errors.As(err, &disruption) {
		t.Fatalf("Next = %v, want *Disruption", err)
	}
	if disruption.Attempt != 1 {
		t.Errorf("attempt = %d", disruption.Attempt)
	}

	// Ticker plus the reopen backoff timer.
	fake.BlockUntil(2)
	fake.Advance(100 * time.Millisecond)
	frame, err := next(t, capture)
	if err != nil {
		t.Fatalf("Next after recovery: %v", err)
	}
	if frame.Kind != Keyframe {
		t.Errorf("first frame after reopen is %v, want keyframe", frame.Kind)
	}
	if opened := backend.Opened(); opened != 2 {
		t.Errorf("Opened = %d, want 2", opened)
	}
}

func TestVideoCaptureFatalError(t *testing.T) {
	backend := NewSyntheticDisplays(Dimensions{Width: 8, Height: 8})
	backend.FailNext(errors.New("permission revoked"))
	capture, fake := startTestCapture(t, backend)

	fake.Advance(100 * time.Millisecond)
	_, err := next(t, capture)
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("Next = %v, want ErrCaptureFailed", err)
	}
	testutil.RequireClosed(t, capture.Done(), 5*time.Second, "capture thread exit")
}

func TestStartVideoMissingMonitor(t *testing.T) {
	_, err := StartVideo(CaptureOptions{
		Backend:      NewSyntheticDisplays(Dimensions{Width: 8, Height: 8}),
		MonitorIndex: 2,
		FPS:          30,
		Clock:        clock.NewFake(epoch),
	})
	if err == nil {
		t.Fatal("StartVideo accepted a missing monitor")
	}
}

func TestAudioCaptureFillsSilence(t *testing.T) {
	fake := clock.NewFake(epoch)
	capture, err := StartAudio(AudioOptions{
		Backend:    &SyntheticAudio{},
		SampleRate: 48000,
		Channels:   2,
		Clock:      fake,
	})
	if err != nil {
		t.Fatalf("StartAudio: %v", err)
	}
	defer capture.Stop()
	fake.BlockUntil(1)
	fake.Advance(10 * time.Millisecond)

	chunk := testutil.RequireReceive(t, capture.Chunks(), 5*time.Second, "silent chunk")
	if len(chunk.Samples) != 960 {
		t.Fatalf("chunk has %d samples, want 960", len(chunk.Samples))
	}
	for index, sample := range chunk.Samples {
		if sample != 0 {
			t.Fatalf("sample %d = %d, want silence", index, sample)
		}
	}
	if chunk.Duration() != 10*time.Millisecond {
		t.Errorf("duration = %v", chunk.Duration())
	}
}

func TestAudioCaptureTone(t *testing.T) {
	fake := clock.NewFake(epoch)
	capture, err := StartAudio(AudioOptions{
		Backend:       &SyntheticAudio{Frequency: 440},
		SampleRate:    48000,
		Channels:      1,
		ChunkDuration: 20 * time.Millisecond,
		Clock:         fake,
	})
	if err != nil {
		t.Fatalf("StartAudio: %v", err)
	}
	defer capture.Stop()
	fake.BlockUntil(1)
	fake.Advance(20 * time.Millisecond)
	first := testutil.RequireReceive(t, capture.Chunks(), 5*time.Second)
	fake.Advance(20 * time.Millisecond)
	second := testutil.RequireReceive(t, capture.Chunks(), 5*time.Second)

	nonzero := 0
	for _, sample := range first.Samples {
		if sample != 0 {
			nonzero++
		}
	}
	if nonzero == 0 {
		t.Error("tone chunk is silent")
	}
	if second.Timestamp-first.Timestamp != 20*time.Millisecond {
		t.Errorf("timestamps %v, %v are not contiguous", first.Timestamp, second.Timestamp)
	}
}

func TestAudioChunkBound(t *testing.T) {
	_, err := StartAudio(AudioOptions{
		Backend:       &SyntheticAudio{},
		SampleRate:    48000,
		Channels:      2,
		ChunkDuration: 40 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("StartAudio accepted a 40ms chunk")
	}
}

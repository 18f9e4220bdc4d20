// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
)

// Display is one capturable monitor.
type Display struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Primary bool   `json:"primary"`
}

// AudioOutput is one capturable audio endpoint.
type AudioOutput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DisplayBackend is the platform screen capture contract.
type DisplayBackend interface {
	ListDisplays() ([]Display, error)
	OpenDisplay(id string, fps int) (FrameSource, error)
}

// FrameSource grabs frames from an open display. Grab is called on the
// thread that opened the source. Errors wrapped with [Transient] mean
// the source must be reopened; any other error is fatal.
type FrameSource interface {
	Grab() (Frame, error)
	Close() error
}

// AudioBackend is the platform audio loopback contract.
type AudioBackend interface {
	ListAudioOutputs() ([]AudioOutput, error)
	OpenLoopback(id string, sampleRate, channels int) (AudioSource, error)
}

// AudioSource reads captured samples without blocking. Read fills at
// most len(samples) interleaved samples and returns the count; zero
// means no signal is available right now.
type AudioSource interface {
	Read(samples []int16) (int, error)
	Close() error
}

// ErrCaptureFailed is the terminal capture error.
var ErrCaptureFailed = errors.New("media: capture failed")

type transientError struct{ err error }

func (e *transientError) Error() string { return "transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks a capture error as recoverable by reopening.
func Transient(err error) error { return &transientError{err: err} }

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var transient *transientError
	return errors.As(err, &transient)
}

// Disruption is yielded by a capture stream when the source was lost
// and is being reopened. The stream continues afterwards.
type Disruption struct {
	Cause   error
	Attempt int
}

func (d *Disruption) Error() string {
	return fmt.Sprintf("capture disrupted (attempt %d): %v", d.Attempt, d.Cause)
}

func (d *Disruption) Unwrap() error { return d.Cause }

// CaptureOptions configures a VideoCapture.
type CaptureOptions struct {
	Backend      DisplayBackend
	MonitorIndex int
	FPS          int
	Clock        clock.Clock
	Logger       *slog.Logger

	// MaxReopenAttempts bounds consecutive failed reopen attempts
	// before the stream fails. Zero means 8.
	MaxReopenAttempts int
}

// VideoCapture runs a display source on a dedicated OS thread and
// hands the newest frame to the consumer through a latest-wins slot.
type VideoCapture struct {
	options CaptureOptions
	slot    *LatestSlot[Frame]

	// events carries Disruption and terminal errors, which must not be
	// lost to the latest-wins policy.
	events chan error

	framesCaptured atomic.Uint64
	framesDropped  atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartVideo picks the display at opts.MonitorIndex and starts
// capturing at opts.FPS.
func StartVideo(opts CaptureOptions) (*VideoCapture, error) {
	if opts.FPS < 1 {
		return nil, fmt.Errorf("media: capture fps %d must be positive", opts.FPS)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxReopenAttempts == 0 {
		opts.MaxReopenAttempts = 8
	}
	capture := &VideoCapture{
		options: opts,
		slot:    NewLatestSlot[Frame](),
		events:  make(chan error, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	opened := make(chan error, 1)
	go capture.run(opened)
	if err := <-opened; err != nil {
		return nil, err
	}
	return capture, nil
}

// Next returns the newest frame, a *Disruption, or a terminal error
// wrapping ErrCaptureFailed. It returns ctx.Err() when ctx ends.
func (c *VideoCapture) Next(ctx context.Context) (Frame, error) {
	for {
		select {
		case event := <-c.events:
			return Frame{}, event
		default:
		}
		select {
		case event := <-c.events:
			return Frame{}, event
		case <-c.slot.Ready():
			if frame, ok := c.slot.TryTake(); ok {
				return frame, nil
			}
		case <-c.done:
			select {
			case event := <-c.events:
				return Frame{}, event
			default:
			}
			return Frame{}, fmt.Errorf("%w: stopped", ErrCaptureFailed)
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// FramesDropped counts frames replaced before the consumer read them.
func (c *VideoCapture) FramesDropped() uint64 { return c.framesDropped.Load() }

// FramesCaptured counts frames grabbed from the source.
func (c *VideoCapture) FramesCaptured() uint64 { return c.framesCaptured.Load() }

// Stop ends capture and waits for the capture thread to release the
// source. Stop is idempotent.
func (c *VideoCapture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	c.slot.Close()
}

// Done is closed when the capture thread has exited.
func (c *VideoCapture) Done() <-chan struct{} { return c.done }

func (c *VideoCapture) run(opened chan<- error) {
	// Capture APIs bind state to the opening thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	logger := c.options.Logger
	source, display, err := c.open()
	if err != nil {
		opened <- err
		return
	}
	opened <- nil
	logger.Info("capture started", "display", display.ID, "width", display.Width, "height", display.Height, "fps", c.options.FPS)

	started := c.options.Clock.Now()
	ticker := c.options.Clock.NewTicker(time.Second / time.Duration(c.options.FPS))
	defer ticker.Stop()
	defer func() {
		if source != nil {
			source.Close()
		}
	}()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		frame, err := source.Grab()
		if err == nil {
			frame.Timestamp = c.options.Clock.Now().Sub(started)
			c.framesCaptured.Add(1)
			if c.slot.Put(frame) {
				c.framesDropped.Add(1)
			}
			continue
		}
		source.Close()
		source = nil
		if !IsTransient(err) {
			logger.Error("capture failed", "error", err)
			c.emit(fmt.Errorf("%w: %w", ErrCaptureFailed, err))
			return
		}

		source, err = c.reopen(err)
		if err != nil {
			if !errors.Is(err, errStopped) {
				logger.Error("capture could not recover", "error", err)
				c.emit(err)
			}
			return
		}
	}
}

var errStopped = errors.New("media: capture stopped")

// reopen emits a Disruption per attempt and reopens the display with
// exponential backoff.
func (c *VideoCapture) reopen(cause error) (FrameSource, error) {
	backoff := 50 * time.Millisecond
	for attempt := 1; attempt <= c.options.MaxReopenAttempts; attempt++ {
		c.options.Logger.Warn("capture disrupted", "attempt", attempt, "error", cause)
		c.emit(&Disruption{Cause: cause, Attempt: attempt})
		select {
		case <-c.stop:
			return nil, errStopped
		case <-c.options.Clock.After(backoff):
		}
		source, _, err := c.open()
		if err == nil {
			return source, nil
		}
		if !IsTransient(err) {
			return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		}
		cause = err
		backoff = min(backoff*2, 2*time.Second)
	}
	return nil, fmt.Errorf("%w: gave up after %d reopen attempts: %w", ErrCaptureFailed, c.options.MaxReopenAttempts, cause)
}

func (c *VideoCapture) open() (FrameSource, Display, error) {
	displays, err := c.options.Backend.ListDisplays()
	if err != nil {
		return nil, Display{}, fmt.Errorf("listing displays: %w", err)
	}
	if c.options.MonitorIndex < 0 || c.options.MonitorIndex >= len(displays) {
		return nil, Display{}, Transient(fmt.Errorf("monitor %d not present (%d displays)", c.options.MonitorIndex, len(displays)))
	}
	display := displays[c.options.MonitorIndex]
	source, err := c.options.Backend.OpenDisplay(display.ID, c.options.FPS)
	if err != nil {
		return nil, Display{}, fmt.Errorf("opening display %s: %w", display.ID, err)
	}
	return source, display, nil
}

func (c *VideoCapture) emit(event error) {
	select {
	case c.events <- event:
	default:
		// A full queue already tells the consumer capture is in trouble.
	}
}

// AudioOptions configures an AudioCapture.
type AudioOptions struct {
	Backend    AudioBackend
	OutputID   string
	SampleRate int
	Channels   int

	// ChunkDuration is the length of each delivered chunk; at most
	// MaxAudioChunk. Zero means 10ms.
	ChunkDuration time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// AudioCapture delivers fixed-length PCM chunks, substituting silence
// whenever the source has nothing, so the stream never stalls.
type AudioCapture struct {
	options AudioOptions
	source  AudioSource
	chunks  chan AudioChunk
	dropped atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartAudio opens the loopback device and starts the chunk clock.
func StartAudio(opts AudioOptions) (*AudioCapture, error) {
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, fmt.Errorf("media: audio format %d Hz x %d channels", opts.SampleRate, opts.Channels)
	}
	if opts.ChunkDuration == 0 {
		opts.ChunkDuration = 10 * time.Millisecond
	}
	if opts.ChunkDuration > MaxAudioChunk {
		return nil, fmt.Errorf("media: audio chunk %v exceeds %v", opts.ChunkDuration, MaxAudioChunk)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	source, err := opts.Backend.OpenLoopback(opts.OutputID, opts.SampleRate, opts.Channels)
	if err != nil {
		return nil, fmt.Errorf("media: opening loopback %q: %w", opts.OutputID, err)
	}
	capture := &AudioCapture{
		options: opts,
		source:  source,
		chunks:  make(chan AudioChunk, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go capture.run()
	return capture, nil
}

// Chunks delivers captured audio. It is closed when capture stops.
func (c *AudioCapture) Chunks() <-chan AudioChunk { return c.chunks }

// Dropped counts chunks discarded because the consumer fell behind.
func (c *AudioCapture) Dropped() uint64 { return c.dropped.Load() }

// Stop ends capture. Stop is idempotent.
func (c *AudioCapture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *AudioCapture) run() {
	defer close(c.done)
	defer close(c.chunks)
	defer c.source.Close()

	perChunk := int(int64(c.options.SampleRate)*int64(c.options.ChunkDuration)/int64(time.Second)) * c.options.Channels
	ticker := c.options.Clock.NewTicker(c.options.ChunkDuration)
	defer ticker.Stop()
	var elapsed time.Duration

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		samples := make([]int16, perChunk)
		if _, err := c.source.Read(samples); err != nil {
			// Unread samples stay zero: a read error degrades to silence.
			c.options.Logger.Warn("audio read failed", "error", err)
		}
		chunk := AudioChunk{
			Timestamp:  elapsed,
			SampleRate: c.options.SampleRate,
			Channels:   c.options.Channels,
			Samples:    samples,
		}
		elapsed += c.options.ChunkDuration
		select {
		case c.chunks <- chunk:
		default:
			c.dropped.Add(1)
		}
	}
}

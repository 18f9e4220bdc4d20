// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/peerdesk/adaptive"
	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/media/codec"
	"github.com/bureau-foundation/peerdesk/transport"
)

// keyframeRequestInterval rate-limits keyframe requests from a viewer
// whose decoder lost its reference.
const keyframeRequestInterval = 500 * time.Millisecond

// maxEncodeFailures is how many consecutive encode errors a host
// tolerates before failing the session.
const maxEncodeFailures = 30

func (s *Session) startMedia() *Error {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil {
		return newError(KindAgreementFailed, "streaming without keys", e2e.ErrNoKeys)
	}
	if s.role == e2e.Answerer {
		return s.startHostMedia(keys)
	}
	return s.startViewerMedia(keys)
}

// resumeMedia restarts the outbound stream after recovery. The first
// frame after a path change is a keyframe.
func (s *Session) resumeMedia() {
	s.paused.Store(false)
	s.mu.Lock()
	encoder := s.encoder
	s.mu.Unlock()
	if encoder != nil {
		encoder.RequestKeyframe()
	}
	s.logger.Info("media resumed")
}

func (s *Session) startHostMedia(keys *e2e.SessionKeys) *Error {
	mediaConfig := s.config.Media
	if s.config.Displays != nil {
		displays, err := s.config.Displays.ListDisplays()
		if err != nil {
			return newError(KindCapture, "listing displays", err)
		}
		if s.config.MonitorIndex < 0 || s.config.MonitorIndex >= len(displays) {
			return newError(KindCapture, fmt.Sprintf("monitor %d not present (%d displays)", s.config.MonitorIndex, len(displays)), media.ErrCaptureFailed)
		}
		display := displays[s.config.MonitorIndex]
		if display.Width*display.Height < mediaConfig.Width*mediaConfig.Height {
			mediaConfig.Width, mediaConfig.Height = display.Width, display.Height
		}

		encoder, err := s.config.Codecs.NewEncoder(mediaConfig)
		if err != nil {
			return newError(KindEncoder, "creating encoder", err)
		}
		track, err := s.link.AddMediaTrack(media.VideoStream, mediaConfig.BitrateBPS)
		if err != nil {
			return newError(KindChannelClosed, "adding video track", err)
		}
		capture, err := media.StartVideo(media.CaptureOptions{
			Backend:      s.config.Displays,
			MonitorIndex: s.config.MonitorIndex,
			FPS:          mediaConfig.FPS,
			Clock:        s.clock,
			Logger:       s.logger,
		})
		if err != nil {
			return newError(KindCapture, "starting capture", err)
		}
		s.mu.Lock()
		s.capture = capture
		s.encoder = encoder
		s.track = track
		s.captureSize = media.Dimensions{Width: display.Width, Height: display.Height}
		s.mu.Unlock()

		s.goMedia("video", func(ctx context.Context) error { return s.pumpVideo(ctx, capture, encoder, keys, track) })
		if s.config.Adaptive != nil {
			runner, err := s.newRunner(*s.config.Adaptive, mediaConfig, encoder, track)
			if err != nil {
				return newError(KindEncoder, "starting rate adaptation", err)
			}
			s.mu.Lock()
			s.runner = runner
			s.mu.Unlock()
			s.goMedia("adaptive", runner.Run)
		}
	}
	if s.runner == nil {
		s.goMedia("metrics", s.pollMetrics)
	}

	if s.config.Audio != nil {
		track, err := s.link.AddMediaTrack(media.AudioStream, 0)
		if err != nil {
			return newError(KindChannelClosed, "adding audio track", err)
		}
		audio, err := media.StartAudio(media.AudioOptions{
			Backend:    s.config.Audio,
			OutputID:   s.config.AudioOutput,
			SampleRate: s.config.SampleRate,
			Channels:   s.config.Channels,
			Clock:      s.clock,
			Logger:     s.logger,
		})
		if err != nil {
			return newError(KindCapture, "starting audio capture", err)
		}
		s.mu.Lock()
		s.audio = audio
		s.mu.Unlock()
		s.goMedia("audio", func(ctx context.Context) error { return s.pumpAudio(ctx, audio, keys, track) })
	}
	s.logger.Info("streaming", "width", mediaConfig.Width, "height", mediaConfig.Height,
		"fps", mediaConfig.FPS, "bitrate_bps", mediaConfig.BitrateBPS, "codec", string(mediaConfig.Codec))
	return nil
}

// newRunner caps the adaptive ladder at what the display and the
// configured profile allow.
func (s *Session) newRunner(config adaptive.Config, mediaConfig codec.MediaConfig, encoder *codec.Encoder, track MediaTrack) (*adaptive.Runner, error) {
	ceiling := adaptive.Profile{
		Width:      mediaConfig.Width,
		Height:     mediaConfig.Height,
		FPS:        mediaConfig.FPS,
		BitrateBPS: mediaConfig.BitrateBPS,
	}
	if config.Ceiling != (adaptive.Profile{}) {
		ceiling = ceiling.Limit(config.Ceiling)
	}
	config.Ceiling = ceiling
	runner, err := adaptive.NewRunner(config, adaptive.SourceFunc(s.sampleLink), encoder, s.clock, s.logger)
	if err != nil {
		return nil, err
	}
	runner.OnDecision = func(decision adaptive.Decision) {
		track.SetBitrate(decision.Profile.BitrateBPS)
	}
	return runner, nil
}

func (s *Session) pumpVideo(ctx context.Context, capture *media.VideoCapture, encoder *codec.Encoder, keys *e2e.SessionKeys, track MediaTrack) error {
	failures := 0
	for {
		frame, err := capture.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var disruption *media.Disruption
			if errors.As(err, &disruption) {
				encoder.RequestKeyframe()
				s.report(newError(KindCapture, fmt.Sprintf("display lost, reopen attempt %d", disruption.Attempt), err))
				continue
			}
			return newError(KindCapture, "capturing display", err)
		}
		if s.paused.Load() {
			continue
		}

		packet, ok, err := encoder.Encode(frame)
		if err != nil {
			failures++
			if failures >= maxEncodeFailures {
				return newError(KindEncoder, fmt.Sprintf("%d consecutive encode failures", failures), err)
			}
			s.logger.Warn("encode failed", "error", err)
			encoder.RequestKeyframe()
			continue
		}
		failures = 0
		if !ok {
			continue
		}
		sealed, ok, err := s.sealMedia(keys, packet)
		if err != nil {
			return newError("", "sealing video", err)
		}
		if !ok {
			// The receiver resynchronises on a keyframe under the new key.
			encoder.RequestKeyframe()
			continue
		}
		if _, err := track.Write(sealed, packet.IsKeyframe()); err != nil {
			return newError(KindChannelClosed, "writing video", err)
		}
	}
}

func (s *Session) pumpAudio(ctx context.Context, audio *media.AudioCapture, keys *e2e.SessionKeys, track MediaTrack) error {
	encoder := codec.NewAudioEncoder()
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-audio.Chunks():
			if !ok {
				return nil
			}
			if s.paused.Load() {
				continue
			}
			packet, err := encoder.Encode(chunk)
			if err != nil {
				s.logger.Warn("audio encode failed", "error", err)
				continue
			}
			sealed, ok, err := s.sealMedia(keys, packet)
			if err != nil {
				return newError("", "sealing audio", err)
			}
			if !ok {
				continue
			}
			if _, err := track.Write(sealed, false); err != nil {
				return newError(KindChannelClosed, "writing audio", err)
			}
		}
	}
}

// sealMedia seals packet for the wire. A send key past its packet
// budget drops the packet and queues one rekey; ok is false and the
// session carries on.
func (s *Session) sealMedia(keys *e2e.SessionKeys, packet media.EncodedPacket) (sealed []byte, ok bool, err error) {
	sealed, err = keys.SealMedia(packet)
	if errors.Is(err, e2e.ErrKeyExpired) {
		s.sealDrops.Add(1)
		s.queueRekey()
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

// sampleLink reads link metrics once. It is the only caller of
// Link.Metrics on a host.
func (s *Session) sampleLink() adaptive.Sample {
	metrics := s.link.Metrics()
	s.mu.Lock()
	s.lastMetrics = metrics
	s.mu.Unlock()
	return adaptive.Sample{
		RTTMillis:  metrics.RTTMillis,
		LossRatio:  metrics.LossRatio,
		SendBPS:    metrics.SendBPS,
		QueueDepth: metrics.QueueDepth,
	}
}

func (s *Session) pollMetrics(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.config.LinkReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sampleLink()
		}
	}
}

func (s *Session) startViewerMedia(keys *e2e.SessionKeys) *Error {
	decoder, err := s.config.Codecs.NewDecoder(s.config.Media.Codec, s.clock)
	if err != nil {
		return newError(KindDecoder, "creating decoder", err)
	}
	s.mu.Lock()
	s.decoder = decoder
	s.mu.Unlock()
	link := s.link
	s.goMedia("receive", func(ctx context.Context) error { return s.receiveMedia(ctx, link, keys, decoder) })
	s.goMedia("report", func(ctx context.Context) error { return s.reportLink(ctx, link, decoder) })
	return nil
}

func (s *Session) receiveMedia(ctx context.Context, link Link, keys *e2e.SessionKeys, decoder codec.VideoDecoder) error {
	audio := codec.NewAudioDecoder()
	for {
		var message transport.MediaMessage
		select {
		case <-ctx.Done():
			return nil
		case received, ok := <-link.Media():
			if !ok {
				return nil
			}
			message = received
		}
		packet, err := keys.OpenMedia(message.Data)
		if err != nil {
			if errors.Is(err, e2e.ErrAuthStorm) {
				return newError("", "opening media", err)
			}
			// Replays and forgeries are counted by the keys and dropped.
			continue
		}
		switch packet.StreamID {
		case media.VideoStream:
			s.renderVideo(ctx, decoder, packet)
		case media.AudioStream:
			chunk, err := audio.Decode(packet)
			if err != nil {
				s.logger.Debug("dropping audio packet", "error", err)
				continue
			}
			if err := s.config.Renderer.RenderAudio(chunk); err != nil {
				s.logger.Debug("audio render failed", "error", err)
			}
		}
	}
}

func (s *Session) renderVideo(ctx context.Context, decoder codec.VideoDecoder, packet media.EncodedPacket) {
	frame, err := decoder.Decode(packet)
	if err != nil {
		s.decodeDrops.Add(1)
		if errors.Is(err, codec.ErrStalePacket) {
			return
		}
		s.logger.Debug("decode failed", "sequence", packet.Sequence, "error", err)
		s.requestKeyframe(ctx, "decoder lost reference")
		return
	}
	if err := s.config.Renderer.RenderFrame(frame); err != nil {
		s.logger.Warn("render failed", "error", err)
	}
	s.framesRendered.Add(1)
	s.mu.Lock()
	s.viewSize = frame.Dimensions
	s.mu.Unlock()
	s.emit(FrameReceived{SessionID: s.id, Timestamp: frame.Timestamp, Kind: frame.Kind, Dimensions: frame.Dimensions})
}

func (s *Session) requestKeyframe(ctx context.Context, reason string) {
	now := s.clock.Now().UnixNano()
	last := s.keyframeRequested.Load()
	if last != 0 && time.Duration(now-last) < keyframeRequestInterval {
		return
	}
	if !s.keyframeRequested.CompareAndSwap(last, now) {
		return
	}
	if err := s.sendControl(ctx, &dataproto.KeyframeRequest{StreamID: media.VideoStream, Reason: reason}); err != nil {
		s.logger.Debug("keyframe request not sent", "error", err)
	}
}

// reportLink sends the viewer's view of inbound media to the host,
// which feeds it to its rate controller.
func (s *Session) reportLink(ctx context.Context, link Link, decoder codec.VideoDecoder) error {
	ticker := s.clock.NewTicker(s.config.LinkReportInterval)
	defer ticker.Stop()
	var previous codec.DecoderSignals
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		metrics := link.Metrics()
		s.mu.Lock()
		s.lastMetrics = metrics
		s.mu.Unlock()
		signals := decoder.Signals()
		report := &dataproto.LinkReport{
			LossRatio:      link.ReceiveLoss(),
			FramesDecoded:  signals.FramesDecoded,
			FramesDropped:  s.decodeDrops.Load() + metrics.ReceiveDrops,
			ReceiveBPS:     metrics.RecvBPS,
			LatencyMillis:  float64(signals.DecodedLatencyEstimate) / float64(time.Millisecond),
			GapLength:      signals.GapLength,
			OutOfOrder:     signals.OutOfOrder,
			DecoderStalled: signals.KeyframeRequests > previous.KeyframeRequests && signals.FramesDecoded == previous.FramesDecoded,
		}
		previous = signals
		if s.paused.Load() {
			continue
		}
		if err := s.sendControl(ctx, report); err != nil {
			s.logger.Debug("link report not sent", "error", err)
		}
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/transport"
)

// sendControl marshals message with the current framing and sends it
// on the control channel.
func (s *Session) sendControl(ctx context.Context, message dataproto.Message) error {
	s.mu.Lock()
	control := s.control
	s.mu.Unlock()
	if control == nil {
		return transport.ErrChannelNotOpen
	}
	frame, err := s.wireCodec.Marshal(message)
	if err != nil {
		return err
	}
	return control.Send(ctx, frame)
}

// reply sends message from the loop, bounded by the cancellation
// budget. Failures are logged; the channel watcher handles a dead
// channel.
func (s *Session) reply(message dataproto.Message) error {
	ctx, cancel := context.WithTimeout(s.tasksCtx, s.config.CancellationBudget)
	defer cancel()
	err := s.sendControl(ctx, message)
	if err != nil {
		s.logger.Debug("control send failed", "message", fmt.Sprintf("%T", message), "error", err)
	}
	return err
}

func (s *Session) sendHello() {
	if s.helloSent || s.handshake == nil {
		return
	}
	s.helloSent = true
	if err := s.reply(&dataproto.Hello{Hello: s.handshake.Hello()}); err != nil {
		s.fail(newError(KindChannelClosed, "sending hello", err))
	}
}

// readControl waits for the control channel to open and then decodes
// every frame in arrival order.
func (s *Session) readControl(ctx context.Context, control ControlChannel) {
	select {
	case <-ctx.Done():
		return
	case <-control.Closed():
		s.post(func() { s.onControlClosed() })
		return
	case <-control.Opened():
	}
	if !s.call(func() { s.transition(TriggerNegotiated, nil) }) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-control.Messages():
			if !ok {
				s.post(func() { s.onControlClosed() })
				return
			}
			s.handleFrame(ctx, frame)
		case <-control.Closed():
			// Frames that arrived before the close still count; a Bye
			// among them ends the session cleanly.
		drain:
			for {
				select {
				case frame, ok := <-control.Messages():
					if !ok {
						break drain
					}
					s.handleFrame(ctx, frame)
				default:
					break drain
				}
			}
			s.post(func() { s.onControlClosed() })
			return
		}
	}
}

func (s *Session) onControlClosed() {
	if s.state.Terminal() {
		return
	}
	s.fail(newError(KindChannelClosed, "control channel closed", transport.ErrChannelClosed))
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	message, err := s.wireCodec.Unmarshal(frame)
	if err != nil {
		s.controlDrops.Add(1)
		switch {
		case errors.Is(err, e2e.ErrAuthStorm), errors.Is(err, e2e.ErrKeyExpired):
			s.post(func() { s.fail(newError("", "control channel", err)) })
		case errors.Is(err, e2e.ErrAuthFailed), errors.Is(err, e2e.ErrReplayDetected):
		case errors.Is(err, dataproto.ErrUnexpectedMessage):
			s.logger.Debug("dropping control frame", "error", err)
			if s.wireCodec.Sealed() {
				s.sendControl(ctx, &dataproto.ErrorReply{Code: dataproto.CodeUnexpectedMessage, Detail: err.Error()})
			}
		default:
			s.logger.Debug("dropping control frame", "error", err)
		}
		return
	}
	switch message.Discriminator() {
	case dataproto.DiscriminatorSession:
		s.call(func() { s.onSessionMessage(message) })
	case dataproto.DiscriminatorInput:
		if event, ok := message.(*dataproto.InputEvent); ok {
			s.onInput(ctx, event)
		}
	case dataproto.DiscriminatorTransfer:
		select {
		case s.transfers <- message:
		case <-ctx.Done():
		}
	}
}

func (s *Session) onSessionMessage(message dataproto.Message) {
	if s.state.Terminal() {
		return
	}
	switch message := message.(type) {
	case *dataproto.Hello:
		s.onHello(message.Hello)
	case *dataproto.RekeyRequest:
		s.onRekeyRequest(message.RekeyRequest)
	case *dataproto.RekeyAck:
		s.mu.Lock()
		keys := s.keys
		s.mu.Unlock()
		if keys == nil {
			return
		}
		if err := keys.CompleteRekey(message.RekeyAck); err != nil {
			s.fail(newError("", "completing rekey", err))
			return
		}
		s.logger.Info("session keys rotated", "epoch", keys.Stats().Epoch)
	case *dataproto.KeyframeRequest:
		s.mu.Lock()
		encoder := s.encoder
		s.mu.Unlock()
		if encoder != nil {
			s.logger.Debug("keyframe requested by viewer", "reason", message.Reason)
			encoder.RequestKeyframe()
		}
	case *dataproto.LinkReport:
		if s.role != e2e.Answerer {
			return
		}
		s.mu.Lock()
		s.lastReport = *message
		s.mu.Unlock()
		if s.link != nil {
			s.link.SetRemoteLoss(message.LossRatio)
		}
	case *dataproto.Capability:
		s.onCapability(message)
	case *dataproto.ErrorReply:
		kind, cause := KindUnexpectedMessage, dataproto.ErrUnexpectedMessage
		if message.Code == dataproto.CodeRemoteControlDisabled {
			kind, cause = KindPermissionDenied, dataproto.ErrRemoteControlDisabled
		}
		s.report(newError(kind, "peer: "+message.Detail, cause))
	case *dataproto.Bye:
		s.remoteEnded = true
		s.closeReason = "remote bye"
		if message.Reason != "" {
			s.closeReason += ": " + message.Reason
		}
		s.transition(TriggerTerminate, nil)
	}
}

// onHello completes the key agreement and switches the control channel
// to sealed framing.
func (s *Session) onHello(hello e2e.Hello) {
	s.mu.Lock()
	installed := s.keys != nil
	s.mu.Unlock()
	if installed || s.handshake == nil {
		s.logger.Debug("ignoring repeated hello")
		return
	}
	remote := s.Remote()
	shared, err := s.handshake.Complete(hello, remote.PublicKey)
	if err != nil {
		s.fail(newError(KindAgreementFailed, "verifying peer hello", err))
		return
	}
	keys, err := e2e.Install(s.config.Crypto, s.clock, s.config.Local, s.role, []byte(s.id), shared, remote.PublicKey)
	shared.Close()
	if err != nil {
		s.fail(newError(KindAgreementFailed, "installing session keys", err))
		return
	}
	s.handshake.Close()
	s.handshake = nil

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	s.wireCodec.Install(keys)
	s.logger.Info("session keys installed", "peer_fingerprint", keys.PeerFingerprint(), "aead", s.config.Crypto.AEAD)

	s.goTask(func(ctx context.Context) { s.watchRekey(ctx, keys) })
	if s.receiver != nil {
		s.goTask(func(context.Context) {
			resumed, err := s.receiver.Resume()
			if err != nil {
				s.logger.Debug("no transfers to resume", "error", err)
				return
			}
			for _, state := range resumed {
				s.emit(TransferProgress{SessionID: s.id, Transfer: state})
			}
		})
	}
	if s.role == e2e.Offerer && s.config.RequestRemoteControl {
		s.reply(&dataproto.Capability{RemoteControl: true})
	}
	s.maybeStream()
}

// maybeStream starts media once keys exist and the media path is open.
func (s *Session) maybeStream() {
	s.mu.Lock()
	keyed := s.keys != nil
	s.mu.Unlock()
	if s.state == StateConnected && keyed && s.mediaReady {
		s.transition(TriggerStartMedia, nil)
	}
}

func (s *Session) watchRekey(ctx context.Context, keys *e2e.SessionKeys) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-keys.RekeyDue():
			s.queueRekey()
		}
	}
}

// queueRekey asks the loop for a rotation. At most one request is
// queued at a time and none is sent while our own is outstanding.
func (s *Session) queueRekey() {
	if !s.rekeyQueued.CompareAndSwap(false, true) {
		return
	}
	if !s.post(s.requestRekey) {
		s.rekeyQueued.Store(false)
	}
}

func (s *Session) requestRekey() {
	s.rekeyQueued.Store(false)
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil || keys.RekeyPending() {
		return
	}
	if err := s.beginRekey(); err != nil {
		s.logger.Warn("starting rekey", "error", err)
	}
}

func (s *Session) beginRekey() error {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil {
		return e2e.ErrNoKeys
	}
	request, err := keys.BeginRekey(s.config.Random)
	if err != nil {
		return err
	}
	s.logger.Info("rekey requested", "epoch", request.Epoch)
	return s.reply(&dataproto.RekeyRequest{RekeyRequest: request})
}

func (s *Session) onRekeyRequest(request e2e.RekeyRequest) {
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys == nil {
		return
	}
	ack, err := keys.AcceptRekey(request, s.config.Random)
	if errors.Is(err, e2e.ErrRekeyCollision) {
		s.logger.Debug("rekey collision; waiting for our own ack", "epoch", request.Epoch)
		return
	}
	if err != nil {
		s.fail(newError("", "accepting rekey", err))
		return
	}
	s.reply(&dataproto.RekeyAck{RekeyAck: ack})
	keys.CommitRekey()
	s.logger.Info("session keys rotated", "epoch", ack.Epoch)
}

// onCapability applies the viewer's remote control request against the
// host's policy.
func (s *Session) onCapability(capability *dataproto.Capability) {
	if s.role != e2e.Answerer {
		return
	}
	s.gate.SetEnabled(capability.RemoteControl && s.config.RemoteControl)
	if capability.RemoteControl && !s.config.RemoteControl {
		s.reply(&dataproto.ErrorReply{Code: dataproto.CodeRemoteControlDisabled, Detail: "host does not allow remote control"})
	}
	s.logger.Info("remote control", "requested", capability.RemoteControl, "enabled", s.gate.Enabled())
}

// onInput injects one viewer input event on the host. It runs on the
// control reader so injection never waits behind session work.
func (s *Session) onInput(ctx context.Context, event *dataproto.InputEvent) {
	if s.role != e2e.Answerer || s.State() != StateStreaming {
		s.inputDropped.Add(1)
		return
	}
	if err := event.Validate(); err != nil {
		s.inputDropped.Add(1)
		s.logger.Debug("dropping invalid input", "error", err)
		return
	}
	switch s.gate.Admit() {
	case dataproto.GateReject:
		s.sendControl(ctx, &dataproto.ErrorReply{Code: dataproto.CodeRemoteControlDisabled, Detail: "remote control is off"})
		return
	case dataproto.GateDrop:
		return
	}
	s.mu.Lock()
	size := s.captureSize
	s.mu.Unlock()
	if size.Valid() {
		event = event.Remap(size.Width, size.Height)
	}
	if err := s.config.Injector.Inject(*event); err != nil {
		s.injectFailures.Add(1)
		s.logger.Warn("input injection failed", "kind", event.Kind.String(), "error", err)
		return
	}
	s.inputInjected.Add(1)
	s.emit(InputReceived{SessionID: s.id, Input: *event})
}

// SendInput sends one input event to the host. Pointer coordinates are
// in the viewer's scaled view and carry its size.
func (s *Session) SendInput(ctx context.Context, event *dataproto.InputEvent) error {
	if s.State().Terminal() {
		return fmt.Errorf("session %s: %w", s.id, transport.ErrChannelClosed)
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if !s.wireCodec.Sealed() {
		return fmt.Errorf("session %s: %w", s.id, transport.ErrChannelNotOpen)
	}
	return s.sendControl(ctx, event)
}

// SetRemoteControl changes remote control. On a viewer it asks the
// host; on a host it changes the local policy.
func (s *Session) SetRemoteControl(ctx context.Context, enabled bool) error {
	if s.role == e2e.Answerer {
		return s.do(func() error {
			s.config.RemoteControl = enabled
			if !enabled {
				s.gate.SetEnabled(false)
			}
			return nil
		})
	}
	if !s.wireCodec.Sealed() {
		return fmt.Errorf("session %s: %w", s.id, transport.ErrChannelNotOpen)
	}
	return s.sendControl(ctx, &dataproto.Capability{RemoteControl: enabled})
}

// SendFile starts sending source to the peer.
func (s *Session) SendFile(ctx context.Context, source dataproto.Source, options dataproto.SendOptions) (*dataproto.Outgoing, error) {
	if s.State().Terminal() {
		return nil, fmt.Errorf("session %s: %w", s.id, transport.ErrChannelClosed)
	}
	if !s.wireCodec.Sealed() {
		return nil, fmt.Errorf("session %s: %w", s.id, transport.ErrChannelNotOpen)
	}
	return s.sender.Start(ctx, source, options)
}

func (s *Session) transferProgress(state dataproto.TransferState) {
	s.emit(TransferProgress{SessionID: s.id, Transfer: state})
}

// dispatchTransfers hands transfer messages to the sender or receiver
// in arrival order.
func (s *Session) dispatchTransfers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-s.transfers:
			if err := s.routeTransfer(ctx, message); err != nil && ctx.Err() == nil {
				s.report(newError("", fmt.Sprintf("transfer %T", message), err))
			}
		}
	}
}

func (s *Session) routeTransfer(ctx context.Context, message dataproto.Message) error {
	toReceiver := false
	switch message := message.(type) {
	case *dataproto.Begin, *dataproto.Chunk, *dataproto.Complete:
		toReceiver = true
	case *dataproto.Control:
		toReceiver = !s.sender.Owns(message.TransferID)
	}
	if !toReceiver {
		return s.sender.Handle(ctx, message)
	}
	if s.receiver == nil {
		if begin, ok := message.(*dataproto.Begin); ok {
			return s.sendControl(ctx, &dataproto.Refuse{TransferID: begin.TransferID, Reason: "transfers-disabled"})
		}
		return nil
	}
	return s.receiver.Handle(ctx, message)
}

// ViewSize is the size of the last frame rendered on a viewer.
func (s *Session) ViewSize() media.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewSize
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/transport"
)

// startNegotiation creates the peer connection and this side's half
// of the key agreement. The offerer sends its offer at once; the
// answerer waits for it.
func (s *Session) startNegotiation() *Error {
	link, err := s.config.Links()
	if err != nil {
		return newError(KindICEFailed, "creating peer connection", err)
	}
	handshake, err := e2e.NewHandshake(s.config.Local, []byte(s.id), s.role, s.config.Random)
	if err != nil {
		link.Close()
		return newError(KindAgreementFailed, "creating handshake", err)
	}
	s.link = link
	s.handshake = handshake
	control := link.Control()
	s.mu.Lock()
	s.control = control
	s.mu.Unlock()

	s.goTask(func(ctx context.Context) { s.watchLink(ctx, link) })
	s.goTask(func(ctx context.Context) { s.forwardCandidates(ctx, link) })
	s.goTask(func(ctx context.Context) { s.readControl(ctx, control) })
	s.goTask(func(ctx context.Context) { s.dispatchTransfers(ctx) })

	if s.role == e2e.Offerer {
		return s.sendOffer(false)
	}
	return nil
}

func (s *Session) sendOffer(iceRestart bool) *Error {
	offer, err := s.link.CreateOffer(iceRestart)
	if err != nil {
		return newError(KindICEFailed, "creating offer", err)
	}
	s.localOffer = offer
	if iceRestart {
		s.haveAnswer = false
	}
	s.sendSignal(signaling.Description(s.config.Local.ConnectionID, s.Remote().ConnectionID, s.id, offer))
	return nil
}

// restartICE asks for new candidates on the existing connection. Keys
// survive; only the path changes.
func (s *Session) restartICE() {
	if s.link == nil {
		return
	}
	s.logger.Info("restarting ICE")
	if err := s.sendOffer(true); err != nil {
		s.fail(err)
	}
}

// watchLink turns peer connection state changes into triggers.
func (s *Session) watchLink(ctx context.Context, link Link) {
	ready := link.MediaReady()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ready:
			ready = nil
			s.post(func() {
				s.mediaReady = true
				s.maybeStream()
			})
		case state, ok := <-link.States():
			if !ok {
				return
			}
			s.post(func() { s.onLinkState(state) })
		}
	}
}

func (s *Session) onLinkState(state transport.State) {
	if s.state.Terminal() {
		return
	}
	s.logger.Debug("peer connection state", "state", state.String())
	switch state {
	case transport.StateConnected:
		if s.state == StateRecovering {
			s.transition(TriggerRecovered, nil)
		}
	case transport.StateDisconnected:
		if s.state == StateStreaming {
			s.report(newError(KindConnectionLost, "peer connection interrupted", transport.ErrClosed))
			s.transition(TriggerDisruption, nil)
		}
	case transport.StateFailed:
		s.fail(newError(KindICEFailed, "no usable candidate pair", nil))
	case transport.StateClosed:
		s.fail(newError(KindConnectionLost, "peer connection closed", transport.ErrClosed))
	}
}

func (s *Session) forwardCandidates(ctx context.Context, link Link) {
	for {
		select {
		case <-ctx.Done():
			return
		case candidate, ok := <-link.Candidates():
			if !ok {
				return
			}
			s.post(func() {
				s.sendSignal(signaling.Candidate(s.config.Local.ConnectionID, s.Remote().ConnectionID, s.id, candidate))
			})
		}
	}
}

// sendSignal sends one envelope, or queues it while the directory is
// unreachable.
func (s *Session) sendSignal(envelope signaling.Envelope) {
	if !s.signalingUp {
		s.pending = append(s.pending, envelope)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CancellationBudget)
	defer cancel()
	err := s.config.Signaling.Send(ctx, envelope)
	if err == nil {
		return
	}
	if errors.Is(err, signaling.ErrDisconnected) {
		s.signalingUp = false
		s.pending = append(s.pending, envelope)
		return
	}
	s.report(newError(KindSignalingDisconnected, fmt.Sprintf("sending %s", envelope.Type), err))
}

func (s *Session) onSignal(event signaling.Event) {
	if s.state.Terminal() {
		return
	}
	switch event.Kind {
	case signaling.EventDisconnected:
		s.onSignalingLost(event.Err)
	case signaling.EventResynchronized:
		s.onSignalingResynchronized()
	case signaling.EventMessage:
		s.onEnvelope(event.Envelope)
	}
}

// negotiating reports whether signaling is still needed to make
// progress.
func (s *Session) negotiating() bool {
	switch s.state {
	case StateRequesting, StateIncoming, StateNegotiating, StateRecovering:
		return true
	}
	return false
}

func (s *Session) onSignalingLost(cause error) {
	s.signalingUp = false
	s.logger.Info("signaling lost", "error", cause, "state", s.state.String())
}

// onSignalingResynchronized restarts whatever negotiation was in
// flight. Nothing queued at the directory survives a reconnect, so the
// last offer or request goes out again after an exponential backoff.
func (s *Session) onSignalingResynchronized() {
	s.signalingUp = true
	pending := s.pending
	s.pending = nil
	if !s.negotiating() {
		for _, envelope := range pending {
			s.sendSignal(envelope)
		}
		return
	}
	s.resyncs++
	if s.resyncs > s.config.SignalingRetryBudget {
		s.fail(newError(KindSignalingDisconnected,
			fmt.Sprintf("negotiation interrupted %d times", s.resyncs), signaling.ErrDisconnected))
		return
	}
	delay := s.config.SignalingBackoff << (s.resyncs - 1)
	state := s.state
	s.logger.Info("retrying negotiation", "attempt", s.resyncs, "delay", delay)
	s.clock.AfterFunc(delay, func() {
		s.post(func() {
			if s.state != state {
				return
			}
			s.retryNegotiation()
		})
	})
}

func (s *Session) retryNegotiation() {
	switch s.state {
	case StateRequesting:
		s.sendSignal(signaling.ConnectRequest(s.config.Local, s.Remote().ConnectionID, s.id))
	case StateNegotiating:
		if s.role != e2e.Offerer || s.link == nil {
			return
		}
		if s.haveAnswer {
			s.restartICE()
			return
		}
		s.sendSignal(signaling.Description(s.config.Local.ConnectionID, s.Remote().ConnectionID, s.id, s.localOffer))
	case StateRecovering:
		if s.role == e2e.Offerer {
			s.restartICE()
		}
	}
}

func (s *Session) onEnvelope(envelope signaling.Envelope) {
	remote := s.Remote()
	switch envelope.Type {
	case signaling.TypeError:
		s.onDirectoryError(envelope)
		return
	case signaling.TypePeerOffline:
		if envelope.ConnectionID == remote.ConnectionID && s.state != StateStreaming && s.state != StateRecovering {
			s.remoteEnded = true
			s.fail(newError(KindConnectionLost, "peer went offline", signaling.ErrDisconnected))
		}
		return
	}
	if envelope.From != remote.ConnectionID {
		s.logger.Debug("dropping envelope from unexpected sender", "type", envelope.Type, "from", envelope.From.String())
		return
	}

	switch envelope.Type {
	case signaling.TypeConnectAccept:
		s.onConnectAccept(envelope)
	case signaling.TypeConnectReject:
		if s.state != StateRequesting {
			return
		}
		s.remoteEnded = true
		s.fail(newError(KindRejected, "peer declined: "+envelope.Reason, signaling.ErrRejected))
	case signaling.TypeOffer:
		s.onOffer(envelope.TransportDescription())
	case signaling.TypeAnswer:
		s.onAnswer(envelope.TransportDescription())
	case signaling.TypeICECandidate:
		if envelope.Candidate != nil {
			s.onRemoteCandidate(*envelope.Candidate)
		}
	case signaling.TypeHangup:
		s.remoteEnded = true
		s.closeReason = "remote hangup"
		if envelope.Reason != "" {
			s.closeReason += ": " + envelope.Reason
		}
		s.transition(TriggerTerminate, nil)
	default:
		s.logger.Debug("ignoring envelope", "type", envelope.Type)
	}
}

func (s *Session) onDirectoryError(envelope signaling.Envelope) {
	cause := newError(KindMalformed, "directory: "+envelope.Reason, signaling.ErrMalformed)
	if envelope.Reason == signaling.ReasonUnknownPeer && s.state == StateRequesting {
		s.remoteEnded = true
		s.fail(newError(KindRejected, "peer is not online", signaling.ErrRejected))
		return
	}
	s.report(cause)
}

func (s *Session) onConnectAccept(envelope signaling.Envelope) {
	if s.role != e2e.Offerer || s.state != StateRequesting {
		return
	}
	peer := envelope.Peer()
	if err := s.pin(peer); err != nil {
		s.remoteEnded = true
		s.fail(newError(KindAgreementFailed, "peer key does not match the pinned key", err))
		return
	}
	s.mu.Lock()
	s.remote = peer
	s.mu.Unlock()
	s.transition(TriggerAccept, nil)
}

func (s *Session) pin(peer identity.PeerDescriptor) error {
	if len(peer.PublicKey) == 0 {
		return identity.ErrBadSignature
	}
	if s.config.KnownPeers == nil {
		return nil
	}
	peer.LastSeen = s.clock.Now()
	return s.config.KnownPeers.Pin(peer)
}

func (s *Session) onOffer(offer transport.Description) {
	if s.role != e2e.Answerer || s.link == nil {
		return
	}
	if s.state != StateNegotiating && s.state != StateConnected && s.state != StateRecovering && s.state != StateStreaming {
		return
	}
	if err := s.link.SetRemote(offer); err != nil {
		s.fail(newError(KindICEFailed, "applying offer", err))
		return
	}
	s.flushCandidates()
	answer, err := s.link.CreateAnswer()
	if err != nil {
		s.fail(newError(KindICEFailed, "creating answer", err))
		return
	}
	s.sendSignal(signaling.Description(s.config.Local.ConnectionID, s.Remote().ConnectionID, s.id, answer))
}

func (s *Session) onAnswer(answer transport.Description) {
	if s.role != e2e.Offerer || s.link == nil || s.haveAnswer {
		return
	}
	if err := s.link.SetRemote(answer); err != nil {
		s.fail(newError(KindICEFailed, "applying answer", err))
		return
	}
	s.haveAnswer = true
	s.flushCandidates()
}

// remoteDescribed reports whether candidates can be applied yet.
func (s *Session) remoteDescribed() bool {
	if s.link == nil {
		return false
	}
	if s.role == e2e.Offerer {
		return s.haveAnswer
	}
	return s.answered
}

func (s *Session) onRemoteCandidate(candidate transport.Candidate) {
	if !s.remoteDescribed() {
		s.earlyRemote = append(s.earlyRemote, candidate)
		return
	}
	if err := s.link.AddICECandidate(candidate); err != nil {
		s.logger.Debug("discarding remote candidate", "error", err)
	}
}

func (s *Session) flushCandidates() {
	if s.role == e2e.Answerer {
		s.answered = true
	}
	early := s.earlyRemote
	s.earlyRemote = nil
	for _, candidate := range early {
		s.onRemoteCandidate(candidate)
	}
}

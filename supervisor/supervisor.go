// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/session"
	"github.com/bureau-foundation/peerdesk/signaling"
)

// Reasons sent in a connect reject.
const (
	ReasonDeclined     = "declined"
	ReasonBusy         = "busy"
	ReasonShuttingDown = "shutting-down"
)

// DefaultEventBuffer bounds the merged event bus.
const DefaultEventBuffer = 1024

// ErrClosed is returned by operations on a closed Supervisor.
var ErrClosed = errors.New("supervisor: closed")

// Acceptor decides whether to accept an incoming connect request. A
// false result rejects the request with reason. It may block (to ask
// a user, for example) and must return once ctx ends.
type Acceptor func(ctx context.Context, request signaling.Envelope) (accept bool, reason string)

// AcceptAll accepts every request.
func AcceptAll(context.Context, signaling.Envelope) (bool, string) { return true, "" }

// DeclineAll rejects every request.
func DeclineAll(context.Context, signaling.Envelope) (bool, string) { return false, ReasonDeclined }

// Config configures a Supervisor.
type Config struct {
	// Signaling is the node's directory connection. The Supervisor
	// reads every event from it and disconnects it on Close.
	Signaling signaling.Channel

	// Session is the template for every session. Its Signaling field
	// is replaced with the Supervisor's channel.
	Session session.Config

	// Acceptor decides incoming requests. Nil accepts when AutoAccept
	// is set and declines otherwise.
	Acceptor   Acceptor
	AutoAccept bool

	// MaxSessions caps concurrent sessions. Zero means no cap.
	MaxSessions int

	// EventBuffer bounds the merged event bus. Events beyond it are
	// dropped and counted.
	EventBuffer int

	Logger *slog.Logger
}

// Supervisor is the session registry of one node.
type Supervisor struct {
	config   Config
	acceptor Acceptor
	logger   *slog.Logger

	events        chan session.Event
	eventsDropped atomic.Uint64

	// ctx bounds acceptor calls; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	// workers tracks forwarders and acceptor calls.
	workers sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session.Session
	order    []string
	closed   bool

	closeOnce sync.Once
	closeErr  error
}

// New creates a Supervisor. Nothing happens until Run reads the
// signaling channel.
func New(config Config) (*Supervisor, error) {
	if config.Signaling == nil {
		return nil, errors.New("supervisor: signaling channel is required")
	}
	if config.Session.Local == nil {
		return nil, errors.New("supervisor: session template needs a local identity")
	}
	if config.Session.Links == nil {
		return nil, errors.New("supervisor: session template needs a link factory")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	config.Session.Signaling = config.Signaling
	if config.Session.Logger == nil {
		config.Session.Logger = config.Logger
	}

	acceptor := config.Acceptor
	if acceptor == nil {
		acceptor = DeclineAll
		if config.AutoAccept {
			acceptor = AcceptAll
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		config:   config,
		acceptor: acceptor,
		logger:   config.Logger.With("local", config.Session.Local.ConnectionID.String()),
		events:   make(chan session.Event, config.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}, nil
}

// Events returns the merged event stream of every session. It is
// closed by Close.
func (s *Supervisor) Events() <-chan session.Event { return s.events }

// EventsDropped counts events lost because the bus was full.
func (s *Supervisor) EventsDropped() uint64 { return s.eventsDropped.Load() }

// Run routes signaling events until ctx ends or the channel closes.
// It returns nil when the channel closed because of Close.
func (s *Supervisor) Run(ctx context.Context) error {
	events := s.config.Signaling.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				if s.isClosed() {
					return nil
				}
				return fmt.Errorf("supervisor: signaling channel closed: %w", signaling.ErrDisconnected)
			}
			s.route(event)
		}
	}
}

func (s *Supervisor) route(event signaling.Event) {
	switch event.Kind {
	case signaling.EventDisconnected:
		s.logger.Warn("signaling disconnected", "error", event.Err)
		s.broadcast(event)
	case signaling.EventResynchronized:
		s.logger.Info("signaling resynchronized")
		s.broadcast(event)
	case signaling.EventMessage:
		s.routeEnvelope(event)
	}
}

func (s *Supervisor) routeEnvelope(event signaling.Event) {
	envelope := event.Envelope
	switch envelope.Type {
	case signaling.TypeConnectRequest:
		if existing, ok := s.lookup(envelope.SessionID); ok {
			existing.HandleSignal(event)
			return
		}
		s.incoming(envelope)
		return
	case signaling.TypePeerOffline, signaling.TypePeerOnline:
		for _, target := range s.withRemote(envelope.ConnectionID) {
			target.HandleSignal(event)
		}
		return
	case signaling.TypeError:
		if envelope.SessionID == "" {
			targets := s.withRemote(envelope.ConnectionID)
			if len(targets) == 0 {
				s.logger.Warn("directory error", "reason", envelope.Reason)
			}
			for _, target := range targets {
				target.HandleSignal(event)
			}
			return
		}
	}

	target, ok := s.lookup(envelope.SessionID)
	if !ok {
		s.logger.Debug("dropping envelope for unknown session",
			"type", envelope.Type, "session_id", envelope.SessionID, "from", envelope.From.String())
		return
	}
	target.HandleSignal(event)
}

// incoming creates a host session for request and asks the acceptor
// about it off the routing goroutine.
func (s *Supervisor) incoming(request signaling.Envelope) {
	logger := s.logger.With("session_id", request.SessionID, "peer", request.From.String())

	s.mu.Lock()
	reason := ""
	switch {
	case s.closed:
		reason = ReasonShuttingDown
	case s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions:
		reason = ReasonBusy
	}
	if reason != "" {
		s.mu.Unlock()
		logger.Info("refusing connect request", "reason", reason)
		s.refuse(request, reason)
		return
	}
	created, err := session.Incoming(s.config.Session, request)
	if err != nil {
		s.mu.Unlock()
		logger.Warn("invalid connect request", "error", err)
		return
	}
	s.registerLocked(created)
	s.mu.Unlock()

	logger.Info("incoming connect request", "display_name", request.DisplayName)
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		accept, reason := s.acceptor(s.ctx, request)
		if s.ctx.Err() != nil {
			return
		}
		if accept {
			if err := created.Accept(); err != nil {
				logger.Info("accept failed", "error", err)
			}
			return
		}
		if reason == "" {
			reason = ReasonDeclined
		}
		if err := created.Reject(reason); err != nil {
			logger.Info("reject failed", "error", err)
		}
	}()
}

func (s *Supervisor) refuse(request signaling.Envelope, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.budget())
	defer cancel()
	reject := signaling.ConnectReject(s.config.Session.Local.ConnectionID, request.From, request.SessionID, reason)
	if err := s.config.Signaling.Send(ctx, reject); err != nil {
		s.logger.Info("sending connect reject", "error", err)
	}
}

func (s *Supervisor) budget() time.Duration {
	if s.config.Session.CancellationBudget > 0 {
		return s.config.Session.CancellationBudget
	}
	return session.DefaultCancellationBudget
}

// Connect starts a viewer session to remote.
func (s *Supervisor) Connect(remote connid.ID) (*session.Session, error) {
	// The lock is held across creation so a fast answer cannot be
	// routed before the session is registered.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.config.MaxSessions > 0 && len(s.sessions) >= s.config.MaxSessions {
		return nil, fmt.Errorf("supervisor: %d sessions already running", len(s.sessions))
	}
	created, err := session.Connect(s.config.Session, remote)
	if err != nil {
		return nil, err
	}
	s.registerLocked(created)
	s.logger.Info("connecting", "session_id", created.ID(), "peer", remote.String())
	return created, nil
}

func (s *Supervisor) registerLocked(created *session.Session) {
	s.sessions[created.ID()] = created
	s.order = append(s.order, created.ID())
	s.workers.Add(1)
	go s.forward(created)
}

// forward copies a session's events onto the bus until it ends, then
// removes it from the registry.
func (s *Supervisor) forward(target *session.Session) {
	defer s.workers.Done()
	events := target.Events()
	for {
		select {
		case event := <-events:
			s.publish(event)
		case <-target.Done():
		drain:
			for {
				select {
				case event := <-events:
					s.publish(event)
				default:
					break drain
				}
			}
			s.remove(target)
			return
		}
	}
}

func (s *Supervisor) publish(event session.Event) {
	select {
	case s.events <- event:
	default:
		s.eventsDropped.Add(1)
	}
}

func (s *Supervisor) remove(target *session.Session) {
	s.mu.Lock()
	delete(s.sessions, target.ID())
	if index := slices.Index(s.order, target.ID()); index >= 0 {
		s.order = slices.Delete(s.order, index, index+1)
	}
	s.mu.Unlock()

	if err := target.Err(); err != nil {
		s.logger.Info("session failed", "session_id", target.ID(), "error", err)
		return
	}
	s.logger.Info("session closed", "session_id", target.ID())
}

func (s *Supervisor) lookup(id string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, ok := s.sessions[id]
	return found, ok
}

func (s *Supervisor) withRemote(id connid.ID) []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []*session.Session
	for _, candidate := range s.sessions {
		if candidate.Remote().ConnectionID == id {
			matches = append(matches, candidate)
		}
	}
	return matches
}

func (s *Supervisor) broadcast(event signaling.Event) {
	for _, target := range s.List() {
		target.HandleSignal(event)
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Session returns a running session by id.
func (s *Supervisor) Session(id string) (*session.Session, bool) { return s.lookup(id) }

// List returns the running sessions in the order they were created.
func (s *Supervisor) List() []*session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*session.Session, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.sessions[id])
	}
	return list
}

// Snapshots copies the state of every running session.
func (s *Supervisor) Snapshots() []session.Snapshot {
	sessions := s.List()
	snapshots := make([]session.Snapshot, 0, len(sessions))
	for _, target := range sessions {
		snapshots = append(snapshots, target.Snapshot())
	}
	return snapshots
}

// Metrics is the sum of the counters of every running session.
type Metrics struct {
	Sessions int `json:"sessions"`

	FramesDroppedCapture uint64 `json:"frames_dropped_capture"`
	FramesDroppedReceive uint64 `json:"frames_dropped_receive"`
	ReplayDrops          uint64 `json:"replay_drops"`
	AuthFailures         uint64 `json:"auth_failures"`
	PacerDrops           uint64 `json:"pacer_drops"`
	FramesEncoded        uint64 `json:"frames_encoded"`
	FramesDecoded        uint64 `json:"frames_decoded"`
	EventsDropped        uint64 `json:"events_dropped"`
}

// Metrics aggregates the counters of every running session.
func (s *Supervisor) Metrics() Metrics {
	metrics := Metrics{EventsDropped: s.eventsDropped.Load()}
	for _, snapshot := range s.Snapshots() {
		metrics.Sessions++
		metrics.FramesDroppedCapture += snapshot.FramesDroppedCapture
		metrics.FramesDroppedReceive += snapshot.FramesDroppedReceive
		metrics.ReplayDrops += snapshot.Crypto.ReplayDrops
		metrics.AuthFailures += snapshot.Crypto.AuthFailures
		metrics.PacerDrops += snapshot.Link.PacerDrops
		metrics.FramesEncoded += snapshot.Encoder.FramesEncoded
		metrics.FramesDecoded += snapshot.Decoder.FramesDecoded
		metrics.EventsDropped += snapshot.EventsDropped
	}
	return metrics
}

// Close terminates every session and waits for them to end or for ctx
// to expire, then disconnects signaling and closes the event bus. The
// bus stays open when a session outlived ctx, since its forwarder may
// still publish. Later calls return the first result.
func (s *Supervisor) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { s.closeErr = s.shutdown(ctx) })
	return s.closeErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session.Session, 0, len(s.order))
	for _, id := range slices.Backward(s.order) {
		sessions = append(sessions, s.sessions[id])
	}
	s.mu.Unlock()
	s.cancel()

	s.logger.Info("shutting down", "sessions", len(sessions))
	var group errgroup.Group
	for _, target := range sessions {
		group.Go(func() error {
			if err := target.Terminate(ctx); err != nil {
				return fmt.Errorf("terminating session %s: %w", target.ID(), err)
			}
			return nil
		})
	}
	terminateErr := group.Wait()
	if terminateErr == nil {
		s.workers.Wait()
	}

	var disconnectErr error
	if err := s.config.Signaling.Disconnect(); err != nil {
		disconnectErr = fmt.Errorf("disconnecting signaling: %w", err)
	}
	if terminateErr == nil {
		close(s.events)
	}
	return errors.Join(terminateErr, disconnectErr)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/peerdesk/adaptive"
	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/media/codec"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/transport"
)

// historyLimit bounds the transitions kept for snapshots.
const historyLimit = 32

// Session is one peer-to-peer remote desktop session. The viewer side
// is created with Connect and plays the offerer; the host side is
// created with Incoming from a remote connect request and plays the
// answerer.
//
// All state machine changes run on one goroutine. Public methods post
// work to it and never touch its state directly; transport, control
// and media tasks report back the same way.
type Session struct {
	id        string
	role      e2e.Role
	config    Config
	clock     clock.Clock
	logger    *slog.Logger
	createdAt time.Time

	events        chan Event
	eventsDropped atomic.Uint64

	inbox   chan func()
	closing chan struct{}
	done    chan struct{}

	// Loop-owned.
	state          State
	link           Link
	handshake      *e2e.Handshake
	helloSent      bool
	mediaReady     bool
	streamedBefore bool
	timer          *clock.Timer
	timerSerial    uint64
	signalingUp    bool
	pending        []signaling.Envelope
	resyncs        int
	localOffer     transport.Description
	haveAnswer     bool
	answered       bool
	earlyRemote    []transport.Candidate
	remoteEnded    bool
	rejected       bool
	closeReason    string

	tasksCtx    context.Context
	cancelTasks context.CancelFunc
	tasks       sync.WaitGroup

	mediaCtx    context.Context
	cancelMedia context.CancelFunc
	mediaTasks  sync.WaitGroup

	wireCodec *dataproto.Codec
	sender    *dataproto.Sender
	receiver  *dataproto.Receiver
	transfers chan dataproto.Message

	// Shared with tasks.
	current           atomic.Int32
	paused            atomic.Bool
	gate              dataproto.InputGate
	inputInjected     atomic.Uint64
	inputDropped      atomic.Uint64
	injectFailures    atomic.Uint64
	decodeDrops       atomic.Uint64
	framesRendered    atomic.Uint64
	controlDrops      atomic.Uint64
	sealDrops         atomic.Uint64
	rekeyQueued       atomic.Bool
	keyframeRequested atomic.Int64

	mu          sync.Mutex
	remote      identity.PeerDescriptor
	control     ControlChannel
	keys        *e2e.SessionKeys
	encoder     *codec.Encoder
	decoder     codec.VideoDecoder
	capture     *media.VideoCapture
	audio       *media.AudioCapture
	track       MediaTrack
	runner      *adaptive.Runner
	captureSize media.Dimensions
	viewSize    media.Dimensions
	lastMetrics transport.Metrics
	lastReport  dataproto.LinkReport
	history     []State
	recoveries  int
	failure     *Error
}

// Connect starts a viewer session to remote. The session sends a
// connect request at once and fails if no answer arrives within the
// connect timeout.
func Connect(config Config, remote connid.ID) (*Session, error) {
	if remote.IsZero() {
		return nil, errors.New("session: remote connection id is required")
	}
	s, err := newSession(config, uuid.NewString(), e2e.Offerer, identity.PeerDescriptor{ConnectionID: remote})
	if err != nil {
		return nil, err
	}
	s.start(TriggerLocalConnect)
	return s, nil
}

// Incoming starts a host session for a connect request. The session
// waits in StateIncoming until Accept or Reject.
func Incoming(config Config, request signaling.Envelope) (*Session, error) {
	if request.Type != signaling.TypeConnectRequest {
		return nil, fmt.Errorf("session: %s envelope is not a connect request", request.Type)
	}
	if err := request.Validate(); err != nil {
		return nil, err
	}
	s, err := newSession(config, request.SessionID, e2e.Answerer, request.Peer())
	if err != nil {
		return nil, err
	}
	s.start(TriggerRemoteRequest)
	return s, nil
}

func newSession(config Config, id string, role e2e.Role, remote identity.PeerDescriptor) (*Session, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if remote.ConnectionID == config.Local.ConnectionID {
		return nil, errors.New("session: cannot connect to self")
	}
	tasksCtx, cancelTasks := context.WithCancel(context.Background())
	mediaCtx, cancelMedia := context.WithCancel(tasksCtx)
	s := &Session{
		id:          id,
		role:        role,
		config:      config,
		clock:       config.Clock,
		logger:      config.Logger.With("session_id", id, "role", role.String(), "peer", remote.ConnectionID.String()),
		createdAt:   config.Clock.Now(),
		events:      make(chan Event, config.EventBuffer),
		inbox:       make(chan func(), 64),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateIdle,
		signalingUp: true,
		tasksCtx:    tasksCtx,
		cancelTasks: cancelTasks,
		mediaCtx:    mediaCtx,
		cancelMedia: cancelMedia,
		wireCodec:   dataproto.NewCodec(),
		transfers:   make(chan dataproto.Message, 64),
		remote:      remote,
		history:     []State{StateIdle},
	}

	outbox := dataproto.OutboxFunc(s.sendControl)
	sender, err := dataproto.NewSender(dataproto.SenderConfig{
		Outbox:   outbox,
		Clock:    config.Clock,
		Logger:   s.logger,
		Progress: s.transferProgress,
	})
	if err != nil {
		cancelTasks()
		return nil, err
	}
	s.sender = sender
	if config.TransfersDir != "" {
		receiver, err := dataproto.NewReceiver(dataproto.ReceiverConfig{
			StateDir:    filepath.Join(config.TransfersDir, "peers", remote.ConnectionID.Digits()),
			DownloadDir: filepath.Join(config.TransfersDir, "completed"),
			Outbox:      outbox,
			Clock:       config.Clock,
			Logger:      s.logger,
			FreeSpace:   config.FreeSpace,
			Progress:    s.transferProgress,
		})
		if err != nil {
			cancelTasks()
			return nil, fmt.Errorf("opening transfer receiver: %w", err)
		}
		s.receiver = receiver
	}
	return s, nil
}

func (s *Session) start(trigger Trigger) {
	go s.run()
	s.post(func() { s.transition(trigger, nil) })
}

// ID returns the session id shared with the peer.
func (s *Session) ID() string { return s.id }

// Role returns the local key agreement role: Offerer on the viewer,
// Answerer on the host.
func (s *Session) Role() e2e.Role { return s.role }

// Remote returns what is known about the peer. The public key is
// empty on the viewer until the host accepts.
func (s *Session) Remote() identity.PeerDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// State returns the current state.
func (s *Session) State() State { return State(s.current.Load()) }

// Events delivers the session's events. It is never closed; select on
// Done to detect the end of the session. Events are dropped and
// counted when the buffer is full.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session reached Closed or Failed and freed
// its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the cause of a failed session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// Accept answers an incoming connect request and starts negotiation.
func (s *Session) Accept() error {
	return s.do(func() error {
		if s.state != StateIncoming {
			return fmt.Errorf("session: accept in state %s", s.state)
		}
		if err := s.pin(s.Remote()); err != nil {
			s.fail(newError(KindAgreementFailed, "peer key does not match the pinned key", err))
			return err
		}
		s.sendSignal(signaling.ConnectAccept(s.config.Local, s.Remote().ConnectionID, s.id))
		s.transition(TriggerAccept, nil)
		return nil
	})
}

// Reject declines an incoming connect request and closes the session.
func (s *Session) Reject(reason string) error {
	return s.do(func() error {
		if s.state != StateIncoming {
			return fmt.Errorf("session: reject in state %s", s.state)
		}
		s.sendSignal(signaling.ConnectReject(s.config.Local.ConnectionID, s.Remote().ConnectionID, s.id, reason))
		s.rejected = true
		s.closeReason = "rejected: " + reason
		s.transition(TriggerTerminate, nil)
		return nil
	})
}

// Terminate closes the session and waits until its resources are
// freed or ctx ends. Calling it again has no further effect.
func (s *Session) Terminate(ctx context.Context) error {
	s.post(func() {
		if s.closeReason == "" {
			s.closeReason = "local"
		}
		s.transition(TriggerTerminate, nil)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSignal delivers a signaling event routed to this session.
func (s *Session) HandleSignal(event signaling.Event) {
	s.post(func() { s.onSignal(event) })
}

// Rekey starts a key rotation now.
func (s *Session) Rekey() error {
	return s.do(func() error { return s.beginRekey() })
}

// do runs fn on the loop and returns its error. It reports
// ErrChannelClosed once the session is ending.
func (s *Session) do(fn func() error) error {
	result := make(chan error, 1)
	if !s.post(func() { result <- fn() }) {
		return fmt.Errorf("session %s: %w", s.id, transport.ErrChannelClosed)
	}
	select {
	case err := <-result:
		return err
	case <-s.closing:
		select {
		case err := <-result:
			return err
		default:
		}
		return fmt.Errorf("session %s: %w", s.id, transport.ErrChannelClosed)
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.closing:
		return false
	default:
	}
	select {
	case s.inbox <- fn:
		return true
	case <-s.closing:
		return false
	}
}

// call posts fn and waits until it ran. Control messages that change
// keys go through call so the next frame is read under the new keys.
func (s *Session) call(fn func()) bool {
	ran := make(chan struct{})
	if !s.post(func() { fn(); close(ran) }) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Session) run() {
	for {
		fn := <-s.inbox
		fn()
		if s.state.Terminal() {
			return
		}
	}
}

func (s *Session) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.eventsDropped.Add(1)
	}
}

func (s *Session) transition(trigger Trigger, cause *Error) {
	next, err := Next(s.state, trigger)
	if err != nil {
		s.logger.Debug("ignoring trigger", "trigger", trigger.String(), "state", s.state.String())
		return
	}
	previous := s.state
	s.state = next
	s.current.Store(int32(next))
	s.mu.Lock()
	s.history = append(s.history, next)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	if next == StateRecovering {
		s.recoveries++
	}
	s.mu.Unlock()

	attributes := []any{"from", previous.String(), "to", next.String(), "trigger", trigger.String()}
	if cause != nil {
		attributes = append(attributes, "error", cause.Error())
	}
	if next == StateFailed {
		s.logger.Warn("session state", attributes...)
	} else {
		s.logger.Info("session state", attributes...)
	}
	s.emit(StateChanged{SessionID: s.id, From: previous, To: next, At: s.clock.Now()})
	s.enter(previous, next, cause)
}

func (s *Session) enter(previous, next State, cause *Error) {
	switch next {
	case StateRequesting:
		s.sendSignal(signaling.ConnectRequest(s.config.Local, s.Remote().ConnectionID, s.id))
		s.arm(s.config.ConnectTimeout)
	case StateNegotiating:
		s.arm(s.config.NegotiateTimeout)
		if err := s.startNegotiation(); err != nil {
			s.fail(err)
		}
	case StateConnected:
		s.sendHello()
	case StateStreaming:
		s.disarm()
		if previous == StateRecovering {
			s.resumeMedia()
			return
		}
		if err := s.startMedia(); err != nil {
			s.fail(err)
			return
		}
		if !s.streamedBefore {
			s.streamedBefore = true
			remote := s.Remote()
			s.emit(PeerConnected{SessionID: s.id, Peer: remote, Fingerprint: remote.Fingerprint()})
		}
	case StateRecovering:
		s.paused.Store(true)
		s.arm(s.config.RecoveryTimeout)
		if s.role == e2e.Offerer {
			s.restartICE()
		}
	case StateClosed, StateFailed:
		s.teardown(next, cause)
	}
}

// fail moves the session to Failed.
func (s *Session) fail(err *Error) {
	s.mu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.mu.Unlock()
	s.transition(TriggerFatal, err)
}

// report surfaces a non-fatal error.
func (s *Session) report(err *Error) {
	s.logger.Debug("session diagnostic", "kind", string(err.Kind), "error", err.Error())
	s.emit(ErrorOccurred{SessionID: s.id, Err: err})
}

func (s *Session) arm(d time.Duration) {
	s.disarm()
	serial := s.timerSerial
	state := s.state
	s.timer = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if s.timerSerial != serial || s.state.Terminal() {
				return
			}
			s.timer = nil
			cause := newError(KindTimeout, fmt.Sprintf("no progress in %s after %v", state, d), context.DeadlineExceeded)
			s.mu.Lock()
			if s.failure == nil {
				s.failure = cause
			}
			s.mu.Unlock()
			s.transition(TriggerTimeout, cause)
		})
	})
}

func (s *Session) disarm() {
	s.timerSerial++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// teardown frees everything the session owns. The peer connection
// goes first, then the codec tasks, then capture, then signaling.
// Each step is bounded by the cancellation budget.
func (s *Session) teardown(final State, cause *Error) {
	close(s.closing)
	s.disarm()

	if s.link != nil {
		if final == StateClosed && !s.remoteEnded && s.wireCodec.Sealed() {
			s.bounded("bye", func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.CancellationBudget)
				defer cancel()
				s.sendControl(ctx, &dataproto.Bye{Reason: s.closeReason})
			})
		}
		s.bounded("transport", func() { s.link.Close() })
	}

	s.cancelMedia()
	s.bounded("codec", s.mediaTasks.Wait)

	s.mu.Lock()
	capture, audio := s.capture, s.audio
	s.mu.Unlock()
	if capture != nil {
		s.bounded("capture", capture.Stop)
	}
	if audio != nil {
		s.bounded("audio capture", audio.Stop)
	}

	if !s.remoteEnded && !s.rejected {
		s.bounded("signaling", func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.config.CancellationBudget)
			defer cancel()
			reason := s.closeReason
			if final == StateFailed && cause != nil {
				reason = string(cause.Kind)
			}
			hangup := signaling.Hangup(s.config.Local.ConnectionID, s.Remote().ConnectionID, s.id, reason)
			if err := s.config.Signaling.Send(ctx, hangup); err != nil {
				s.logger.Debug("hangup not delivered", "error", err)
			}
		})
	}

	s.cancelTasks()
	s.bounded("tasks", s.tasks.Wait)
	s.bounded("transfers", s.sender.CancelAll)
	if s.receiver != nil {
		if err := s.receiver.Close(); err != nil {
			s.logger.Warn("closing transfer receiver", "error", err)
		}
	}

	if s.handshake != nil {
		s.handshake.Close()
	}
	s.mu.Lock()
	keys := s.keys
	s.mu.Unlock()
	if keys != nil {
		keys.Close()
	}

	if cause != nil {
		s.emit(ErrorOccurred{SessionID: s.id, Err: cause, Fatal: true})
	}
	if s.streamedBefore {
		reason := s.closeReason
		if cause != nil {
			reason = cause.Error()
		}
		s.emit(PeerDisconnected{SessionID: s.id, Peer: s.Remote().ConnectionID, Reason: reason})
	}
	close(s.done)
}

// bounded runs fn and waits at most the cancellation budget for it.
// A step that overruns is abandoned; its goroutine finishes on its own.
func (s *Session) bounded(step string, fn func()) {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		fn()
	}()
	select {
	case <-finished:
	case <-s.clock.After(s.config.CancellationBudget):
		s.logger.Warn("cancellation budget exceeded", "step", step, "budget", s.config.CancellationBudget)
	}
}

// goTask runs fn as a session task that ends with the session.
func (s *Session) goTask(fn func(ctx context.Context)) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn(s.tasksCtx)
	}()
}

// goMedia runs fn as a media task. An error from fn fails the session.
func (s *Session) goMedia(name string, fn func(ctx context.Context) error) {
	s.mediaTasks.Add(1)
	go func() {
		defer s.mediaTasks.Done()
		err := fn(s.mediaCtx)
		if err == nil || s.mediaCtx.Err() != nil {
			return
		}
		s.post(func() { s.fail(newError("", name, err)) })
	}()
}

// Snapshot is a point-in-time copy of a session's observable state.
type Snapshot struct {
	ID        string                  `json:"id"`
	Role      string                  `json:"role"`
	State     string                  `json:"state"`
	Remote    identity.PeerDescriptor `json:"remote"`
	CreatedAt time.Time               `json:"created_at"`

	History    []State `json:"-"`
	Recoveries int     `json:"recoveries"`

	Crypto  e2e.Stats            `json:"crypto"`
	Link    transport.Metrics    `json:"link"`
	Encoder codec.EncoderStats   `json:"encoder"`
	Decoder codec.DecoderSignals `json:"decoder"`

	// Bucket is the adaptive link class on a host that adapts.
	Bucket string `json:"bucket,omitempty"`

	CaptureSize media.Dimensions `json:"capture_size"`
	ViewSize    media.Dimensions `json:"view_size"`

	FramesDroppedCapture uint64 `json:"frames_dropped_capture"`
	FramesDroppedReceive uint64 `json:"frames_dropped_receive"`
	FramesRendered       uint64 `json:"frames_rendered"`

	// PacketsDroppedKeyExpired counts media packets dropped while the
	// send key was past its packet budget and a rekey was pending.
	PacketsDroppedKeyExpired uint64 `json:"packets_dropped_key_expired"`

	RemoteControl  bool   `json:"remote_control"`
	InputInjected  uint64 `json:"input_injected"`
	InputDropped   uint64 `json:"input_dropped"`
	InjectFailures uint64 `json:"inject_failures"`
	EventsDropped  uint64 `json:"events_dropped"`

	LastReport dataproto.LinkReport      `json:"last_report"`
	Transfers  []dataproto.TransferState `json:"transfers,omitempty"`
}

// Snapshot copies the session's counters. It is safe to call from
// any goroutine.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snapshot := Snapshot{
		ID:          s.id,
		Role:        s.role.String(),
		State:       s.State().String(),
		Remote:      s.remote,
		CreatedAt:   s.createdAt,
		History:     append([]State(nil), s.history...),
		Recoveries:  s.recoveries,
		Link:        s.lastMetrics,
		CaptureSize: s.captureSize,
		ViewSize:    s.viewSize,
		LastReport:  s.lastReport,
	}
	keys, encoder, decoder, capture, runner := s.keys, s.encoder, s.decoder, s.capture, s.runner
	s.mu.Unlock()

	if keys != nil {
		snapshot.Crypto = keys.Stats()
	}
	if encoder != nil {
		snapshot.Encoder = encoder.Stats()
	}
	if decoder != nil {
		snapshot.Decoder = decoder.Signals()
	}
	if capture != nil {
		snapshot.FramesDroppedCapture = capture.FramesDropped()
	}
	if runner != nil {
		snapshot.Bucket = runner.Current().String()
	}
	snapshot.FramesDroppedReceive = s.decodeDrops.Load() + snapshot.Link.ReceiveDrops
	snapshot.FramesRendered = s.framesRendered.Load()
	snapshot.PacketsDroppedKeyExpired = s.sealDrops.Load()
	snapshot.RemoteControl = s.gate.Enabled()
	snapshot.InputInjected = s.inputInjected.Load()
	snapshot.InputDropped = s.inputDropped.Load() + s.gate.Dropped()
	snapshot.InjectFailures = s.injectFailures.Load()
	snapshot.EventsDropped = s.eventsDropped.Load()
	snapshot.Transfers = s.sender.Active()
	if s.receiver != nil {
		snapshot.Transfers = append(snapshot.Transfers, s.receiver.Active()...)
	}
	return snapshot
}

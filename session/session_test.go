// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/lib/testutil"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/media/codec"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/sink"
	"github.com/bureau-foundation/peerdesk/transport"
)

const testTimeout = 10 * time.Second

type endpoint struct {
	identity *identity.Identity
	channel  *signaling.MemoryEndpoint
}

func newEndpoint(t *testing.T, directory *signaling.MemoryDirectory, name string) endpoint {
	t.Helper()
	local, err := identity.Generate(rand.Reader, name)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	channel, err := directory.Join(local)
	if err != nil {
		t.Fatalf("Join(%s): %v", name, err)
	}
	t.Cleanup(func() { channel.Disconnect() })
	return endpoint{identity: local, channel: channel}
}

// harness wires a viewer and a host through an in-memory directory
// and link pair. The host accepts the first connect request it sees.
type harness struct {
	t       *testing.T
	clock   clock.Clock
	pair    *MemoryLinkPair
	viewer  endpoint
	host    endpoint
	hostCfg Config

	mu          sync.Mutex
	hostSession *Session
	hostReady   chan struct{}
}

func newHarness(t *testing.T, clk clock.Clock) *harness {
	t.Helper()
	directory := signaling.NewMemoryDirectory(slog.New(slog.DiscardHandler))
	h := &harness{
		t:         t,
		clock:     clk,
		pair:      NewMemoryLinkPair(),
		viewer:    newEndpoint(t, directory, "viewer"),
		host:      newEndpoint(t, directory, "host"),
		hostReady: make(chan struct{}),
	}
	h.hostCfg = h.baseConfig(h.host, e2e.Answerer)
	return h
}

func (h *harness) baseConfig(side endpoint, role e2e.Role) Config {
	return Config{
		Local:     side.identity,
		Signaling: side.channel,
		Links:     h.pair.Factory(role),
		Clock:     h.clock,
		Logger:    slog.New(slog.DiscardHandler),
	}
}

func (h *harness) viewerConfig() Config { return h.baseConfig(h.viewer, e2e.Offerer) }

// start connects the viewer and routes signaling for both sides.
func (h *harness) start(viewerConfig Config) (*Session, *Session) {
	h.t.Helper()
	var viewer *Session
	viewerReady := make(chan struct{})

	go func() {
		for event := range h.host.channel.Events() {
			if event.Kind == signaling.EventMessage && event.Envelope.Type == signaling.TypeConnectRequest {
				h.mu.Lock()
				existing := h.hostSession
				h.mu.Unlock()
				if existing != nil {
					existing.HandleSignal(event)
					continue
				}
				session, err := Incoming(h.hostCfg, event.Envelope)
				if err != nil {
					h.t.Errorf("Incoming: %v", err)
					continue
				}
				h.mu.Lock()
				h.hostSession = session
				h.mu.Unlock()
				close(h.hostReady)
				if err := session.Accept(); err != nil {
					h.t.Errorf("Accept: %v", err)
				}
				continue
			}
			h.mu.Lock()
			session := h.hostSession
			h.mu.Unlock()
			if session != nil {
				session.HandleSignal(event)
			}
		}
	}()
	go func() {
		<-viewerReady
		for event := range h.viewer.channel.Events() {
			viewer.HandleSignal(event)
		}
	}()

	viewer, err := Connect(viewerConfig, h.host.identity.ConnectionID)
	if err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	close(viewerReady)
	terminateOnCleanup(h.t, viewer)

	testutil.RequireClosed(h.t, h.hostReady, testTimeout, "host session created")
	h.mu.Lock()
	host := h.hostSession
	h.mu.Unlock()
	terminateOnCleanup(h.t, host)
	return viewer, host
}

func terminateOnCleanup(t *testing.T, session *Session) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := session.Terminate(ctx); err != nil {
			t.Errorf("Terminate %s: %v", session.Role(), err)
		}
	})
}

func waitState(t *testing.T, session *Session, want State) {
	t.Helper()
	testutil.Eventually(t, testTimeout, func() bool { return session.State() == want },
		session.Role().String(), "reaching", want.String())
}

func TestSessionReachesStreaming(t *testing.T) {
	h := newHarness(t, clock.Real())
	viewer, host := h.start(h.viewerConfig())

	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	if viewer.Role() != e2e.Offerer || host.Role() != e2e.Answerer {
		t.Errorf("roles = %s/%s, want offerer/answerer", viewer.Role(), host.Role())
	}
	if viewer.ID() != host.ID() {
		t.Errorf("session ids differ: %q vs %q", viewer.ID(), host.ID())
	}
	if got, want := viewer.Snapshot().Remote.Fingerprint(), h.host.identity.Fingerprint(); got != want {
		t.Errorf("viewer sees host fingerprint %s, want %s", got, want)
	}

	want := []State{StateIdle, StateRequesting, StateNegotiating, StateConnected, StateStreaming}
	if history := viewer.Snapshot().History; !equalStates(history, want) {
		t.Errorf("viewer history = %v, want %v", history, want)
	}
	want = []State{StateIdle, StateIncoming, StateNegotiating, StateConnected, StateStreaming}
	if history := host.Snapshot().History; !equalStates(history, want) {
		t.Errorf("host history = %v, want %v", history, want)
	}

	sawConnected := false
	for !sawConnected {
		event := testutil.RequireReceive(t, viewer.Events(), testTimeout, "waiting for PeerConnected")
		if connected, ok := event.(PeerConnected); ok {
			sawConnected = true
			if connected.Peer.ConnectionID != h.host.identity.ConnectionID {
				t.Errorf("PeerConnected peer = %s", connected.Peer.ConnectionID)
			}
		}
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSessionStreamsFramesInOrder(t *testing.T) {
	h := newHarness(t, clock.Real())
	displays := media.NewSyntheticDisplays(media.Dimensions{Width: 64, Height: 48})
	displays.FreezeAfter(101)
	h.hostCfg.Displays = displays
	h.hostCfg.Media = codec.MediaConfig{Codec: codec.ZDelta, Width: 64, Height: 48, FPS: 30, BitrateBPS: 50_000_000, GOPSeconds: 10}

	renderer := sink.NewRecordingRenderer(false)
	viewerConfig := h.viewerConfig()
	viewerConfig.Media = h.hostCfg.Media
	viewerConfig.Renderer = renderer
	viewer, host := h.start(viewerConfig)

	// Once the pattern freezes the encoder elides every frame, so the
	// counts stop moving.
	testutil.Eventually(t, 20*time.Second, func() bool {
		return host.Snapshot().Encoder.ElidedUnchanged >= 10
	}, "host waiting for the pattern to freeze")
	encoded := host.Snapshot().Encoder.FramesEncoded
	testutil.Eventually(t, testTimeout, func() bool {
		return viewer.Snapshot().Decoder.FramesDecoded == encoded
	}, "viewer decoding every encoded frame")

	hostSnapshot := host.Snapshot()
	if encoded > 101 {
		t.Errorf("encoded %d frames from 101 distinct ones", encoded)
	}
	if encoded+hostSnapshot.FramesDroppedCapture < 101 {
		t.Errorf("encoded %d + dropped %d frames, want at least 101", encoded, hostSnapshot.FramesDroppedCapture)
	}
	if hostSnapshot.Encoder.Keyframes < 1 {
		t.Error("no keyframe encoded")
	}

	viewerSnapshot := viewer.Snapshot()
	if viewerSnapshot.FramesDroppedReceive != 0 {
		t.Errorf("viewer dropped %d frames", viewerSnapshot.FramesDroppedReceive)
	}
	if viewerSnapshot.ViewSize != (media.Dimensions{Width: 64, Height: 48}) {
		t.Errorf("view size = %v", viewerSnapshot.ViewSize)
	}
	frames := renderer.Frames()
	if uint64(len(frames)) != encoded {
		t.Fatalf("rendered %d frames, want %d", len(frames), encoded)
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Timestamp <= frames[i-1].Timestamp {
			t.Fatalf("frame %d timestamp %v not after %v", i, frames[i].Timestamp, frames[i-1].Timestamp)
		}
	}
}

func TestSessionInjectsInputWithRemoteControl(t *testing.T) {
	h := newHarness(t, clock.Real())
	displays := media.NewSyntheticDisplays(media.Dimensions{Width: 800, Height: 600})
	displays.FreezeAfter(1)
	injector := sink.NewRecordingInjector()
	h.hostCfg.Displays = displays
	h.hostCfg.Media = codec.MediaConfig{Codec: codec.ZDelta, Width: 800, Height: 600, FPS: 5, BitrateBPS: 5_000_000, GOPSeconds: 2}
	h.hostCfg.Injector = injector
	h.hostCfg.RemoteControl = true

	viewerConfig := h.viewerConfig()
	viewerConfig.Media = h.hostCfg.Media
	viewerConfig.RequestRemoteControl = true
	viewer, host := h.start(viewerConfig)
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)
	testutil.Eventually(t, testTimeout, func() bool { return host.Snapshot().RemoteControl }, "host enabling remote control")

	ctx := context.Background()
	if err := viewer.SendInput(ctx, dataproto.MouseMove(400, 300, 800, 600)); err != nil {
		t.Fatalf("SendInput move: %v", err)
	}
	if err := viewer.SendInput(ctx, dataproto.MouseButtonEvent(dataproto.ButtonLeft, true)); err != nil {
		t.Fatalf("SendInput button: %v", err)
	}
	testutil.Eventually(t, testTimeout, func() bool { return len(injector.Events()) == 2 }, "host injecting both events")

	events := injector.Events()
	if events[0].Kind != dataproto.InputMouseMove || events[0].X != 400 || events[0].Y != 300 {
		t.Errorf("first event = %+v, want move to (400, 300)", events[0])
	}
	if events[1].Kind != dataproto.InputMouseButton || events[1].Button != dataproto.ButtonLeft || !events[1].Pressed {
		t.Errorf("second event = %+v, want left press", events[1])
	}
	if got := host.Snapshot().InputInjected; got != 2 {
		t.Errorf("InputInjected = %d, want 2", got)
	}
}

func TestSessionRefusesInputWithoutRemoteControl(t *testing.T) {
	h := newHarness(t, clock.Real())
	injector := sink.NewRecordingInjector()
	h.hostCfg.Injector = injector

	viewerConfig := h.viewerConfig()
	viewerConfig.RequestRemoteControl = true
	viewer, host := h.start(viewerConfig)
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	if err := viewer.SendInput(context.Background(), dataproto.KeyEvent(30, true)); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	for {
		event := testutil.RequireReceive(t, viewer.Events(), testTimeout, "waiting for the refusal")
		occurred, ok := event.(ErrorOccurred)
		if !ok {
			continue
		}
		if occurred.Err.Kind != KindPermissionDenied || occurred.Fatal {
			t.Errorf("error = %v fatal=%v, want non-fatal permission_denied", occurred.Err, occurred.Fatal)
		}
		break
	}
	testutil.Eventually(t, testTimeout, func() bool { return host.Snapshot().InputDropped >= 1 }, "host counting the refused event")
	if len(injector.Events()) != 0 {
		t.Errorf("injected %d events with remote control off", len(injector.Events()))
	}
	if viewer.State() != StateStreaming {
		t.Errorf("viewer state = %s after refusal", viewer.State())
	}
}

func TestSessionDropsInputBeforeStreaming(t *testing.T) {
	h := newHarness(t, clock.Real())
	h.pair.HoldMedia()
	injector := sink.NewRecordingInjector()
	h.hostCfg.Injector = injector
	h.hostCfg.RemoteControl = true
	viewerConfig := h.viewerConfig()
	viewerConfig.RequestRemoteControl = true
	viewer, host := h.start(viewerConfig)

	waitState(t, host, StateConnected)
	ctx := context.Background()
	testutil.Eventually(t, testTimeout, func() bool {
		return viewer.SendInput(ctx, dataproto.MouseMove(1, 1, 10, 10)) == nil
	}, "viewer sending input once keys exist")
	testutil.Eventually(t, testTimeout, func() bool { return host.Snapshot().InputDropped == 1 }, "host dropping early input")
	if host.State() != StateConnected {
		t.Errorf("host state = %s, want connected while media is held", host.State())
	}

	h.pair.ReleaseMedia()
	waitState(t, host, StateStreaming)
	waitState(t, viewer, StateStreaming)
	if len(injector.Events()) != 0 {
		t.Errorf("early input was injected: %+v", injector.Events())
	}
}

func TestSessionRecoversFromInterruption(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newHarness(t, clk)
	viewer, host := h.start(h.viewerConfig())
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	clk.Advance(20 * time.Second)
	h.pair.Disconnect()
	waitState(t, viewer, StateRecovering)
	waitState(t, host, StateRecovering)

	clk.Advance(5 * time.Second)
	h.pair.Reconnect()
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	for _, session := range []*Session{viewer, host} {
		snapshot := session.Snapshot()
		if snapshot.Recoveries != 1 {
			t.Errorf("%s recoveries = %d, want 1", session.Role(), snapshot.Recoveries)
		}
		if snapshot.Crypto.Epoch != 0 {
			t.Errorf("%s key epoch = %d, want 0 after recovery", session.Role(), snapshot.Crypto.Epoch)
		}
	}
	testutil.Eventually(t, testTimeout, func() bool { return h.pair.Link(e2e.Offerer).RestartOffers() == 1 }, "offerer restarting ICE")
	if got := h.pair.Link(e2e.Offerer).RestartOffers(); got != 1 {
		t.Errorf("restart offers = %d, want 1", got)
	}
}

func TestSessionFailsWhenRecoveryTimesOut(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	h := newHarness(t, clk)
	// Only the viewer's timer should decide the outcome.
	h.hostCfg.RecoveryTimeout = time.Hour
	viewer, host := h.start(h.viewerConfig())
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	h.pair.Disconnect()
	waitState(t, viewer, StateRecovering)

	// The recovery timer is armed on the session goroutine; keep
	// advancing until it has been and fires.
	testutil.Eventually(t, testTimeout, func() bool {
		clk.Advance(DefaultRecoveryTimeout + time.Second)
		return viewer.State() == StateFailed
	}, "viewer failing after the recovery timeout")
	testutil.RequireClosed(t, viewer.Done(), testTimeout, "viewer done")

	var sessionErr *Error
	if !errors.As(viewer.Err(), &sessionErr) || sessionErr.Kind != KindTimeout {
		t.Errorf("Err() = %v, want a timeout", viewer.Err())
	}
}

func TestSessionRejectsReplayedMedia(t *testing.T) {
	h := newHarness(t, clock.Real())
	displays := media.NewSyntheticDisplays(media.Dimensions{Width: 32, Height: 32})
	displays.FreezeAfter(5)
	h.hostCfg.Displays = displays
	h.hostCfg.Media = codec.MediaConfig{Codec: codec.ZDelta, Width: 32, Height: 32, FPS: 30, BitrateBPS: 1_000_000, GOPSeconds: 2}
	viewerConfig := h.viewerConfig()
	viewerConfig.Media = h.hostCfg.Media
	viewer, host := h.start(viewerConfig)

	testutil.Eventually(t, testTimeout, func() bool { return host.Snapshot().Encoder.ElidedUnchanged >= 3 }, "host freezing")
	encoded := host.Snapshot().Encoder.FramesEncoded
	testutil.Eventually(t, testTimeout, func() bool { return viewer.Snapshot().Decoder.FramesDecoded == encoded }, "viewer catching up")

	link := h.pair.Link(e2e.Offerer)
	last, ok := link.LastReceived(media.VideoStream)
	if !ok {
		t.Fatal("viewer received no video")
	}
	before := viewer.Snapshot().Crypto.ReplayDrops
	if !link.Inject(last) {
		t.Fatal("Inject: media queue full")
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return viewer.Snapshot().Crypto.ReplayDrops == before+1
	}, "viewer dropping the replayed packet")
	if got := viewer.Snapshot().Decoder.FramesDecoded; got != encoded {
		t.Errorf("decoded %d frames after replay, want %d", got, encoded)
	}
	if viewer.State() != StateStreaming {
		t.Errorf("viewer state = %s after replay", viewer.State())
	}
}

func TestSessionSendInputAfterClose(t *testing.T) {
	h := newHarness(t, clock.Real())
	viewer, host := h.start(h.viewerConfig())
	waitState(t, viewer, StateStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := viewer.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if viewer.State() != StateClosed {
		t.Errorf("viewer state = %s, want closed", viewer.State())
	}
	err := viewer.SendInput(ctx, dataproto.MouseMove(1, 1, 10, 10))
	if !errors.Is(err, transport.ErrChannelClosed) {
		t.Errorf("SendInput after close = %v, want ErrChannelClosed", err)
	}

	// The host hears the Bye and closes too.
	testutil.RequireClosed(t, host.Done(), testTimeout, "host done")
	if host.State() != StateClosed {
		t.Errorf("host state = %s, want closed", host.State())
	}
	if host.Err() != nil {
		t.Errorf("host Err() = %v after a clean close", host.Err())
	}
}

func TestSessionConnectTimeout(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	directory := signaling.NewMemoryDirectory(slog.New(slog.DiscardHandler))
	viewerEnd := newEndpoint(t, directory, "viewer")
	silent := newEndpoint(t, directory, "silent")

	viewer, err := Connect(Config{
		Local:     viewerEnd.identity,
		Signaling: viewerEnd.channel,
		Links:     NewMemoryLinkPair().Factory(e2e.Offerer),
		Clock:     clk,
	}, silent.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	terminateOnCleanup(t, viewer)
	waitState(t, viewer, StateRequesting)

	testutil.Eventually(t, testTimeout, func() bool {
		clk.Advance(DefaultConnectTimeout)
		return viewer.State() == StateFailed
	}, "viewer failing after the connect timeout")
	var sessionErr *Error
	if !errors.As(viewer.Err(), &sessionErr) || sessionErr.Kind != KindTimeout {
		t.Errorf("Err() = %v, want timeout", viewer.Err())
	}
}

func TestSessionRejected(t *testing.T) {
	directory := signaling.NewMemoryDirectory(slog.New(slog.DiscardHandler))
	viewerEnd := newEndpoint(t, directory, "viewer")
	hostEnd := newEndpoint(t, directory, "host")
	pair := NewMemoryLinkPair()

	viewer, err := Connect(Config{
		Local:     viewerEnd.identity,
		Signaling: viewerEnd.channel,
		Links:     pair.Factory(e2e.Offerer),
	}, hostEnd.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	terminateOnCleanup(t, viewer)
	go func() {
		for event := range viewerEnd.channel.Events() {
			viewer.HandleSignal(event)
		}
	}()

	event := testutil.RequireReceive(t, hostEnd.channel.Events(), testTimeout, "waiting for the request")
	host, err := Incoming(Config{
		Local:     hostEnd.identity,
		Signaling: hostEnd.channel,
		Links:     pair.Factory(e2e.Answerer),
	}, event.Envelope)
	if err != nil {
		t.Fatalf("Incoming: %v", err)
	}
	waitState(t, host, StateIncoming)
	if err := host.Reject("busy"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	testutil.RequireClosed(t, host.Done(), testTimeout, "host done")
	if host.State() != StateClosed {
		t.Errorf("host state = %s, want closed", host.State())
	}

	testutil.RequireClosed(t, viewer.Done(), testTimeout, "viewer done")
	var sessionErr *Error
	if !errors.As(viewer.Err(), &sessionErr) || sessionErr.Kind != KindRejected {
		t.Errorf("viewer Err() = %v, want rejected", viewer.Err())
	}
	if !errors.Is(viewer.Err(), signaling.ErrRejected) {
		t.Errorf("viewer Err() = %v does not wrap ErrRejected", viewer.Err())
	}
}

func TestSessionRejectsPinnedKeyMismatch(t *testing.T) {
	h := newHarness(t, clock.Real())
	pins := &fixedPinner{err: identity.ErrKeyMismatch}
	viewerConfig := h.viewerConfig()
	viewerConfig.KnownPeers = pins
	viewer, _ := h.start(viewerConfig)

	testutil.RequireClosed(t, viewer.Done(), testTimeout, "viewer done")
	var sessionErr *Error
	if !errors.As(viewer.Err(), &sessionErr) || sessionErr.Kind != KindAgreementFailed {
		t.Errorf("Err() = %v, want agreement_failed", viewer.Err())
	}
	if !errors.Is(viewer.Err(), identity.ErrKeyMismatch) {
		t.Errorf("Err() = %v does not wrap ErrKeyMismatch", viewer.Err())
	}
}

type fixedPinner struct{ err error }

func (p *fixedPinner) Pin(identity.PeerDescriptor) error { return p.err }

func TestSessionRekeyKeepsStreaming(t *testing.T) {
	h := newHarness(t, clock.Real())
	viewer, host := h.start(h.viewerConfig())
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	if err := viewer.Rekey(); err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return viewer.Snapshot().Crypto.Epoch == 1 && host.Snapshot().Crypto.Epoch == 1
	}, "both sides reaching epoch 1")

	// Control traffic still flows under the new keys.
	if err := host.Rekey(); err != nil {
		t.Fatalf("host Rekey: %v", err)
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return viewer.Snapshot().Crypto.Epoch == 2 && host.Snapshot().Crypto.Epoch == 2
	}, "both sides reaching epoch 2")
	if viewer.State() != StateStreaming || host.State() != StateStreaming {
		t.Errorf("states = %s/%s after rekeys", viewer.State(), host.State())
	}
}

func TestSessionTransfersFile(t *testing.T) {
	h := newHarness(t, clock.Real())
	transfers := t.TempDir()
	h.hostCfg.TransfersDir = transfers
	h.hostCfg.FreeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	viewer, host := h.start(h.viewerConfig())
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	content := bytes.Repeat([]byte("peerdesk transfer "), 4096)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	outgoing, err := viewer.SendFile(ctx, dataproto.Source{Name: "notes.txt", Size: int64(len(content)), Reader: bytes.NewReader(content)},
		dataproto.SendOptions{ChunkSize: 16 * 1024})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := outgoing.Wait(ctx); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	received, err := os.ReadFile(filepath.Join(transfers, "completed", "notes.txt"))
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if !bytes.Equal(received, content) {
		t.Errorf("received %d bytes, want %d matching bytes", len(received), len(content))
	}
}

func TestSessionRefusesFilesWithoutTransfersDir(t *testing.T) {
	h := newHarness(t, clock.Real())
	viewer, host := h.start(h.viewerConfig())
	waitState(t, viewer, StateStreaming)
	waitState(t, host, StateStreaming)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	content := []byte("refused")
	outgoing, err := viewer.SendFile(ctx, dataproto.Source{Name: "x.bin", Size: int64(len(content)), Reader: bytes.NewReader(content)},
		dataproto.SendOptions{})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := outgoing.Wait(ctx); !errors.Is(err, dataproto.ErrRefused) {
		t.Errorf("transfer = %v, want ErrRefused", err)
	}
}

func TestIncomingRejectsNonRequest(t *testing.T) {
	directory := signaling.NewMemoryDirectory(slog.New(slog.DiscardHandler))
	hostEnd := newEndpoint(t, directory, "host")
	_, err := Incoming(Config{
		Local:     hostEnd.identity,
		Signaling: hostEnd.channel,
		Links:     NewMemoryLinkPair().Factory(e2e.Answerer),
	}, signaling.Envelope{Type: signaling.TypeOffer})
	if err == nil {
		t.Fatal("Incoming accepted an offer envelope")
	}
}

func TestSessionOverPeerConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	h := newHarness(t, clock.Real())
	links := TransportLinks(transport.Config{ReconnectGrace: time.Second}, clock.Real(), slog.New(slog.DiscardHandler))
	h.hostCfg.Links = links
	displays := media.NewSyntheticDisplays(media.Dimensions{Width: 64, Height: 48})
	h.hostCfg.Displays = displays
	h.hostCfg.Media = codec.MediaConfig{Codec: codec.ZDelta, Width: 64, Height: 48, FPS: 10, BitrateBPS: 1_000_000, GOPSeconds: 1}

	viewerConfig := h.viewerConfig()
	viewerConfig.Links = links
	viewerConfig.Media = h.hostCfg.Media
	viewer, host := h.start(viewerConfig)

	testutil.Eventually(t, 20*time.Second, func() bool { return viewer.State() == StateStreaming }, "viewer streaming over pion")
	waitState(t, host, StateStreaming)
	testutil.Eventually(t, 20*time.Second, func() bool { return viewer.Snapshot().FramesRendered >= 5 }, "viewer rendering frames")
}

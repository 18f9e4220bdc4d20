// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/lib/testutil"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/session"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/sink"
)

const testTimeout = 10 * time.Second

type node struct {
	identity   *identity.Identity
	supervisor *Supervisor
	runErr     chan error
}

func newIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	local, err := identity.Generate(rand.Reader, name)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return local
}

// startNode joins directory, starts a Supervisor over the endpoint and
// closes it at cleanup. configure may adjust the config before New.
func startNode(t *testing.T, directory *signaling.MemoryDirectory, links session.LinkFactory, name string, configure func(*Config)) *node {
	t.Helper()
	local := newIdentity(t, name)
	channel, err := directory.Join(local)
	if err != nil {
		t.Fatalf("Join(%s): %v", name, err)
	}
	config := Config{
		Signaling: channel,
		Session: session.Config{
			Local: local,
			Links: links,
		},
	}
	if configure != nil {
		configure(&config)
	}
	supervisor, err := New(config)
	if err != nil {
		t.Fatalf("New(%s): %v", name, err)
	}
	n := &node{identity: local, supervisor: supervisor, runErr: make(chan error, 1)}
	go func() { n.runErr <- supervisor.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := supervisor.Close(ctx); err != nil {
			t.Errorf("Close(%s): %v", name, err)
		}
	})
	return n
}

func newDirectory() *signaling.MemoryDirectory {
	return signaling.NewMemoryDirectory(slog.New(slog.DiscardHandler))
}

func onlySession(t *testing.T, n *node) *session.Session {
	t.Helper()
	var found *session.Session
	testutil.Eventually(t, testTimeout, func() bool {
		list := n.supervisor.List()
		if len(list) != 1 {
			return false
		}
		found = list[0]
		return true
	}, "waiting for exactly one session")
	return found
}

func requireKind(t *testing.T, err error, want session.Kind) {
	t.Helper()
	var sessionErr *session.Error
	if !errors.As(err, &sessionErr) {
		t.Fatalf("error = %v, want a *session.Error", err)
	}
	if sessionErr.Kind != want {
		t.Fatalf("error kind = %s, want %s (%v)", sessionErr.Kind, want, err)
	}
}

func TestSupervisorConnectsAndStreams(t *testing.T) {
	directory := newDirectory()
	pair := session.NewMemoryLinkPair()
	host := startNode(t, directory, pair.Factory(e2e.Answerer), "host", func(config *Config) {
		config.AutoAccept = true
		config.Session.Displays = media.NewSyntheticDisplays(media.Dimensions{Width: 64, Height: 48})
	})
	viewer := startNode(t, directory, pair.Factory(e2e.Offerer), "viewer", func(config *Config) {
		config.Session.Renderer = sink.NewRecordingRenderer(false)
	})

	outgoing, err := viewer.supervisor.Connect(host.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if found, ok := viewer.supervisor.Session(outgoing.ID()); !ok || found != outgoing {
		t.Fatalf("Session(%s) did not return the new session", outgoing.ID())
	}

	incoming := onlySession(t, host)
	if incoming.ID() != outgoing.ID() {
		t.Errorf("host session id = %q, want %q", incoming.ID(), outgoing.ID())
	}
	testutil.Eventually(t, testTimeout, func() bool {
		return outgoing.State() == session.StateStreaming && incoming.State() == session.StateStreaming
	}, "both sides streaming")

	for {
		event := testutil.RequireReceive(t, viewer.supervisor.Events(), testTimeout, "waiting for PeerConnected on the bus")
		connected, ok := event.(session.PeerConnected)
		if !ok {
			continue
		}
		if connected.Session() != outgoing.ID() {
			t.Errorf("PeerConnected for session %q, want %q", connected.Session(), outgoing.ID())
		}
		if connected.Peer.ConnectionID != host.identity.ConnectionID {
			t.Errorf("PeerConnected peer = %s, want %s", connected.Peer.ConnectionID, host.identity.ConnectionID)
		}
		break
	}

	testutil.Eventually(t, testTimeout, func() bool {
		return host.supervisor.Metrics().FramesEncoded > 0 && viewer.supervisor.Metrics().FramesDecoded > 0
	}, "frames flowing")
	if metrics := host.supervisor.Metrics(); metrics.Sessions != 1 {
		t.Errorf("host Metrics().Sessions = %d, want 1", metrics.Sessions)
	}
	if metrics := viewer.supervisor.Metrics(); metrics.AuthFailures != 0 || metrics.ReplayDrops != 0 {
		t.Errorf("viewer crypto drops = %d auth, %d replay; want none", metrics.AuthFailures, metrics.ReplayDrops)
	}
}

func TestSupervisorDeclinesRequest(t *testing.T) {
	directory := newDirectory()
	pair := session.NewMemoryLinkPair()
	host := startNode(t, directory, pair.Factory(e2e.Answerer), "host", func(config *Config) {
		config.Acceptor = func(context.Context, signaling.Envelope) (bool, string) {
			return false, "not now"
		}
	})
	viewer := startNode(t, directory, pair.Factory(e2e.Offerer), "viewer", nil)

	outgoing, err := viewer.supervisor.Connect(host.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireClosed(t, outgoing.Done(), testTimeout, "viewer session ending")
	requireKind(t, outgoing.Err(), session.KindRejected)
	if !errors.Is(outgoing.Err(), signaling.ErrRejected) {
		t.Errorf("viewer error %v does not wrap signaling.ErrRejected", outgoing.Err())
	}

	testutil.Eventually(t, testTimeout, func() bool {
		return len(host.supervisor.List()) == 0 && len(viewer.supervisor.List()) == 0
	}, "registries emptied")
}

func TestSupervisorDeclinesByDefault(t *testing.T) {
	directory := newDirectory()
	pair := session.NewMemoryLinkPair()
	host := startNode(t, directory, pair.Factory(e2e.Answerer), "host", nil)
	viewer := startNode(t, directory, pair.Factory(e2e.Offerer), "viewer", nil)

	outgoing, err := viewer.supervisor.Connect(host.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireClosed(t, outgoing.Done(), testTimeout, "viewer session ending")
	requireKind(t, outgoing.Err(), session.KindRejected)
}

func TestSupervisorRefusesWhenBusy(t *testing.T) {
	directory := newDirectory()
	pair := session.NewMemoryLinkPair()
	asked := make(chan struct{}, 1)
	host := startNode(t, directory, pair.Factory(e2e.Answerer), "host", func(config *Config) {
		config.MaxSessions = 1
		// Leave the first request pending until shutdown.
		config.Acceptor = func(ctx context.Context, _ signaling.Envelope) (bool, string) {
			asked <- struct{}{}
			<-ctx.Done()
			return false, ReasonShuttingDown
		}
	})
	first := startNode(t, directory, pair.Factory(e2e.Offerer), "first", nil)
	second := startNode(t, directory, session.NewMemoryLinkPair().Factory(e2e.Offerer), "second", nil)

	if _, err := first.supervisor.Connect(host.identity.ConnectionID); err != nil {
		t.Fatalf("Connect(first): %v", err)
	}
	testutil.RequireReceive(t, asked, testTimeout, "acceptor consulted for the first request")

	outgoing, err := second.supervisor.Connect(host.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect(second): %v", err)
	}
	testutil.RequireClosed(t, outgoing.Done(), testTimeout, "second viewer refused")
	requireKind(t, outgoing.Err(), session.KindRejected)
	if len(host.supervisor.List()) != 1 {
		t.Errorf("host runs %d sessions, want 1", len(host.supervisor.List()))
	}
}

func TestSupervisorUnknownPeer(t *testing.T) {
	directory := newDirectory()
	viewer := startNode(t, directory, session.NewMemoryLinkPair().Factory(e2e.Offerer), "viewer", nil)
	ghost := newIdentity(t, "ghost")

	outgoing, err := viewer.supervisor.Connect(ghost.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	testutil.RequireClosed(t, outgoing.Done(), testTimeout, "session to an offline peer ending")
	requireKind(t, outgoing.Err(), session.KindRejected)
}

func TestSupervisorCloseTerminatesSessions(t *testing.T) {
	directory := newDirectory()
	pair := session.NewMemoryLinkPair()
	host := startNode(t, directory, pair.Factory(e2e.Answerer), "host", func(config *Config) {
		config.AutoAccept = true
	})
	viewer := startNode(t, directory, pair.Factory(e2e.Offerer), "viewer", nil)

	outgoing, err := viewer.supervisor.Connect(host.identity.ConnectionID)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	incoming := onlySession(t, host)
	testutil.Eventually(t, testTimeout, func() bool {
		return outgoing.State() == session.StateStreaming && incoming.State() == session.StateStreaming
	}, "both sides streaming")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := host.supervisor.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if state := incoming.State(); state != session.StateClosed {
		t.Errorf("host session state after Close = %s, want closed", state)
	}
	if len(host.supervisor.List()) != 0 {
		t.Errorf("host still lists %d sessions after Close", len(host.supervisor.List()))
	}
	if err := testutil.RequireReceive(t, host.runErr, testTimeout, "Run returning"); err != nil {
		t.Errorf("Run after Close = %v, want nil", err)
	}

	drained := make(chan struct{})
	go func() {
		for range host.supervisor.Events() {
		}
		close(drained)
	}()
	testutil.RequireClosed(t, drained, testTimeout, "event bus closed")

	testutil.RequireClosed(t, outgoing.Done(), testTimeout, "viewer session ending after the host left")
	testutil.Eventually(t, testTimeout, func() bool { return len(viewer.supervisor.List()) == 0 },
		"viewer registry emptied")

	if _, err := host.supervisor.Connect(viewer.identity.ConnectionID); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	directory := newDirectory()
	local := newIdentity(t, "local")
	channel, err := directory.Join(local)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer channel.Disconnect()

	links := session.NewMemoryLinkPair().Factory(e2e.Offerer)
	tests := []struct {
		name   string
		config Config
	}{
		{"missing signaling", Config{Session: session.Config{Local: local, Links: links}}},
		{"missing identity", Config{Signaling: channel, Session: session.Config{Links: links}}},
		{"missing links", Config{Signaling: channel, Session: session.Config{Local: local}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.config); err == nil {
				t.Error("New succeeded, want an error")
			}
		})
	}
}

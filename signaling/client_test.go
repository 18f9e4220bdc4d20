// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/lib/testutil"
)

func websocketURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialTestClient(t *testing.T, url string, local *identity.Identity, clk clock.Clock) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	client, err := Dial(ctx, ClientConfig{URL: url, Identity: local, Clock: clk})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestClientThroughDirectory(t *testing.T) {
	directory := NewDirectory(nil, nil)
	server := httptest.NewServer(directory)
	t.Cleanup(server.Close)

	alpha := dialTestClient(t, websocketURL(server), newTestIdentity(t, alphaID, "alpha", 1), nil)
	beta := dialTestClient(t, websocketURL(server), newTestIdentity(t, betaID, "beta", 2), nil)
	if !directory.Online(alphaID) || !directory.Online(betaID) {
		t.Fatal("directory does not list both clients")
	}

	ctx := context.Background()
	if err := alpha.Send(ctx, Envelope{Type: TypeOffer, From: alphaID, To: betaID, SessionID: "s", SDP: "v=0"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	offer := nextMessage(t, beta)
	if offer.Type != TypeOffer || offer.SDP != "v=0" || offer.From != alphaID {
		t.Fatalf("beta received %+v", offer)
	}

	if err := beta.Send(ctx, Hangup(alphaID, betaID, "s", "")); err != nil {
		t.Fatal(err)
	}
	if reply := nextMessage(t, beta); reply.Type != TypeError || reply.Reason != ReasonSpoofedFrom {
		t.Fatalf("spoofed hangup answered with %+v", reply)
	}
}

func TestClientRejectedRegistration(t *testing.T) {
	directory := NewDirectory(nil, nil)
	server := httptest.NewServer(directory)
	t.Cleanup(server.Close)

	dialTestClient(t, websocketURL(server), newTestIdentity(t, alphaID, "alpha", 1), nil)

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	_, err := Dial(ctx, ClientConfig{URL: websocketURL(server), Identity: newTestIdentity(t, alphaID, "impostor", 3)})
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), ReasonIDTaken) {
		t.Fatalf("Dial with a taken id = %v, want %s rejection", err, ReasonIDTaken)
	}
}

func TestClientDisconnectIsIdempotent(t *testing.T) {
	server := httptest.NewServer(NewDirectory(nil, nil))
	t.Cleanup(server.Close)
	client := dialTestClient(t, websocketURL(server), newTestIdentity(t, alphaID, "alpha", 1), nil)

	if err := client.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := client.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, ok := <-client.Events(); ok {
		t.Fatal("events still open after Disconnect")
	}
	err := client.Send(context.Background(), Envelope{Type: TypePing})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Send after Disconnect = %v, want ErrDisconnected", err)
	}
}

// scriptedDirectory acknowledges registrations and hands each
// connection to the test, which decides what happens next.
func scriptedDirectory(t *testing.T) (*httptest.Server, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		conn, err := upgrader.Upgrade(writer, request, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		register, err := Unmarshal(data)
		if err != nil {
			conn.Close()
			return
		}
		reply, _ := Envelope{Type: TypeRegistered, ConnectionID: register.ConnectionID}.Marshal()
		conn.WriteMessage(websocket.TextMessage, reply)
		conns <- conn
	}))
	t.Cleanup(server.Close)
	return server, conns
}

func TestClientReconnectsAndResynchronizes(t *testing.T) {
	server, conns := scriptedDirectory(t)
	fake := clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	client := dialTestClient(t, websocketURL(server), newTestIdentity(t, alphaID, "alpha", 1), fake)

	first := testutil.RequireReceive(t, conns, eventTimeout, "first connection")
	first.Close()

	event := testutil.RequireReceive(t, client.Events(), eventTimeout, "disconnect event")
	if event.Kind != EventDisconnected || !errors.Is(event.Err, ErrDisconnected) {
		t.Fatalf("event = %+v, want disconnected", event)
	}
	if err := client.Send(context.Background(), Envelope{Type: TypePing}); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Send while reconnecting = %v, want ErrDisconnected", err)
	}

	// The ping ticker is gone; the only timer is the backoff.
	fake.BlockUntil(1)
	fake.Advance(DefaultBackoffInitial)

	second := testutil.RequireReceive(t, conns, eventTimeout, "second connection")
	defer second.Close()
	event = testutil.RequireReceive(t, client.Events(), eventTimeout, "resync event")
	if event.Kind != EventResynchronized {
		t.Fatalf("event = %v, want resynchronized", event.Kind)
	}
	if !client.Connected() {
		t.Fatal("client not connected after resync")
	}
}

func TestClientPongTimeout(t *testing.T) {
	server, conns := scriptedDirectory(t)
	fake := clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	client := dialTestClient(t, websocketURL(server), newTestIdentity(t, alphaID, "alpha", 1), fake)
	conn := testutil.RequireReceive(t, conns, eventTimeout, "connection")
	defer conn.Close()

	// Read and ignore pings so writes never block.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var event Event
	testutil.Eventually(t, eventTimeout, func() bool {
		fake.Advance(DefaultPingInterval)
		select {
		case event = <-client.Events():
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, "client never noticed the missing pongs")
	if event.Kind != EventDisconnected || !strings.Contains(event.Err.Error(), "no pong") {
		t.Fatalf("event = %+v, want pong timeout", event)
	}
}

func TestClientDropsQueuedEnvelopesAfterStop(t *testing.T) {
	server, conns := scriptedDirectory(t)
	fake := clock.NewFake(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	client := &Client{
		config:   ClientConfig{URL: websocketURL(server), Identity: newTestIdentity(t, alphaID, "alpha", 1), Clock: fake}.withDefaults(),
		logger:   slog.New(slog.DiscardHandler),
		events:   make(chan Event, eventQueueDepth),
		outbound: make(chan []byte, sendQueueDepth),
		done:     make(chan struct{}),
	}
	client.ctx, client.cancel = context.WithCancel(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	conn, err := client.connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	remote := testutil.RequireReceive(t, conns, eventTimeout, "connection")
	defer remote.Close()

	offer, _ := Envelope{Type: TypeOffer, From: alphaID, To: betaID, SessionID: "s", SDP: "v=0"}.Marshal()
	for range sendQueueDepth {
		client.outbound <- offer
	}
	client.cancel()
	if err := client.serve(conn); err != nil {
		t.Fatalf("serve after stop = %v, want nil", err)
	}

	remote.SetReadDeadline(time.Now().Add(eventTimeout))
	_, data, err := remote.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("directory read %q, %v; want a normal close before any queued envelope", data, err)
	}
}

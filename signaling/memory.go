// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/identity"
)

// Compile-time interface check.
var _ Channel = (*MemoryEndpoint)(nil)

// memoryQueueDepth bounds each endpoint's inbound queue.
const memoryQueueDepth = 256

// MemoryDirectory routes envelopes between in-process endpoints with
// the same rules as Directory. Tests use it to run sessions without
// a network.
type MemoryDirectory struct {
	router *router
}

// NewMemoryDirectory creates an empty in-process directory.
func NewMemoryDirectory(logger *slog.Logger) *MemoryDirectory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryDirectory{router: newRouter(logger)}
}

// Join registers local and returns its endpoint.
func (d *MemoryDirectory) Join(local *identity.Identity) (*MemoryEndpoint, error) {
	endpoint := &MemoryEndpoint{
		directory: d,
		local:     local,
		events:    make(chan Event, memoryQueueDepth),
		connected: true,
	}
	if err := d.registerEndpoint(endpoint); err != nil {
		return nil, err
	}
	return endpoint, nil
}

// Online reports whether id is registered.
func (d *MemoryDirectory) Online(id connid.ID) bool { return d.router.online(id) }

func (d *MemoryDirectory) registerEndpoint(endpoint *MemoryEndpoint) error {
	envelope := NewRegister(endpoint.local, time.Now())
	if err := VerifyRegister(envelope, time.Now()); err != nil {
		return err
	}
	return d.router.register(envelope, endpoint)
}

// MemoryEndpoint is one node's channel into a MemoryDirectory.
type MemoryEndpoint struct {
	directory *MemoryDirectory
	local     *identity.Identity
	events    chan Event

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (e *MemoryEndpoint) LocalID() connid.ID { return e.local.ConnectionID }

func (e *MemoryEndpoint) Events() <-chan Event { return e.events }

func (e *MemoryEndpoint) Send(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := envelope.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	up := e.connected && !e.closed
	e.mu.Unlock()
	if !up {
		return ErrDisconnected
	}
	e.directory.router.route(e.local.ConnectionID, e, envelope)
	return nil
}

// Drop simulates losing the directory connection.
func (e *MemoryEndpoint) Drop() {
	e.mu.Lock()
	if e.closed || !e.connected {
		e.mu.Unlock()
		return
	}
	e.connected = false
	e.mu.Unlock()
	e.directory.router.unregister(e.local.ConnectionID, e)
	e.emit(Event{Kind: EventDisconnected, Err: ErrDisconnected})
}

// Reconnect re-registers after Drop and emits EventResynchronized.
func (e *MemoryEndpoint) Reconnect() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrDisconnected
	}
	e.connected = true
	e.mu.Unlock()
	if err := e.directory.registerEndpoint(e); err != nil {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		return err
	}
	e.emit(Event{Kind: EventResynchronized})
	return nil
}

func (e *MemoryEndpoint) Disconnect() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.connected = false
	close(e.events)
	e.mu.Unlock()
	e.directory.router.unregister(e.local.ConnectionID, e)
	return nil
}

func (e *MemoryEndpoint) deliver(envelope Envelope) bool {
	if envelope.Type == TypeRegistered {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.connected {
		return false
	}
	select {
	case e.events <- Event{Kind: EventMessage, Envelope: envelope}:
		return true
	default:
		return false
	}
}

func (e *MemoryEndpoint) evict() { e.Drop() }

func (e *MemoryEndpoint) emit(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- event:
	default:
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/peerdesk/lib/connid"
)

// member is one registered endpoint as the router sees it.
type member interface {
	// deliver queues an envelope without blocking. It reports false
	// when the endpoint's queue is full and the envelope was dropped.
	deliver(Envelope) bool

	// evict disconnects the endpoint because another registration with
	// the same key replaced it.
	evict()
}

type registration struct {
	member    member
	publicKey []byte
}

// router is the routing core shared by Directory and MemoryDirectory.
// It routes by connection id and tracks which peers have exchanged
// envelopes so presence changes reach the peers that care.
type router struct {
	logger *slog.Logger

	mu       sync.Mutex
	members  map[connid.ID]registration
	interest map[connid.ID]map[connid.ID]struct{}
}

func newRouter(logger *slog.Logger) *router {
	return &router{
		logger:   logger,
		members:  make(map[connid.ID]registration),
		interest: make(map[connid.ID]map[connid.ID]struct{}),
	}
}

// register binds a verified Register envelope to m. A second
// registration with the same key replaces the first; a different key
// for a registered id is refused.
func (r *router) register(envelope Envelope, m member) error {
	id := envelope.ConnectionID
	r.mu.Lock()
	previous, exists := r.members[id]
	if exists && !bytes.Equal(previous.publicKey, envelope.PublicKey) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is registered with another key", ErrRejected, id)
	}
	r.members[id] = registration{member: m, publicKey: bytes.Clone(envelope.PublicKey)}
	watchers := r.watchersLocked(id)
	r.mu.Unlock()

	if exists && previous.member != m {
		previous.member.evict()
	}
	m.deliver(Envelope{Type: TypeRegistered, ConnectionID: id})
	for _, watcher := range watchers {
		watcher.deliver(Envelope{Type: TypePeerOnline, ConnectionID: id})
	}
	r.logger.Info("peer registered", "peer", id.String(), "replaced", exists)
	return nil
}

// unregister removes m if it still holds id.
func (r *router) unregister(id connid.ID, m member) {
	r.mu.Lock()
	current, ok := r.members[id]
	if !ok || current.member != m {
		r.mu.Unlock()
		return
	}
	delete(r.members, id)
	watchers := r.watchersLocked(id)
	r.mu.Unlock()

	for _, watcher := range watchers {
		watcher.deliver(Envelope{Type: TypePeerOffline, ConnectionID: id})
	}
	r.logger.Info("peer unregistered", "peer", id.String())
}

// route handles one envelope received from the endpoint registered as
// sender.
func (r *router) route(sender connid.ID, m member, envelope Envelope) {
	switch {
	case envelope.Type == TypePing:
		m.deliver(Envelope{Type: TypePong, Nonce: envelope.Nonce})
		return
	case envelope.Type == TypePong:
		return
	case !envelope.Routed():
		m.deliver(Envelope{Type: TypeError, Reason: ReasonMalformed, SessionID: envelope.SessionID})
		return
	case envelope.From != sender:
		m.deliver(Envelope{Type: TypeError, Reason: ReasonSpoofedFrom, SessionID: envelope.SessionID})
		return
	}

	r.mu.Lock()
	target, ok := r.members[envelope.To]
	if ok {
		r.noteInterestLocked(envelope.From, envelope.To)
	}
	r.mu.Unlock()

	if !ok {
		m.deliver(Envelope{
			Type:         TypeError,
			Reason:       ReasonUnknownPeer,
			SessionID:    envelope.SessionID,
			ConnectionID: envelope.To,
		})
		return
	}
	if !target.member.deliver(envelope) {
		r.logger.Warn("dropping envelope for slow peer",
			"type", string(envelope.Type),
			"from", envelope.From.String(),
			"to", envelope.To.String(),
		)
	}
}

func (r *router) noteInterestLocked(a, b connid.ID) {
	for _, pair := range [][2]connid.ID{{a, b}, {b, a}} {
		watchers, ok := r.interest[pair[0]]
		if !ok {
			watchers = make(map[connid.ID]struct{})
			r.interest[pair[0]] = watchers
		}
		watchers[pair[1]] = struct{}{}
	}
}

// watchersLocked returns the online members interested in id.
func (r *router) watchersLocked(id connid.ID) []member {
	var watchers []member
	for watcher := range r.interest[id] {
		if registration, ok := r.members[watcher]; ok {
			watchers = append(watchers, registration.member)
		}
	}
	return watchers
}

// online reports whether id currently has a registration.
func (r *router) online(id connid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[id]
	return ok
}

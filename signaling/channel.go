// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"

	"github.com/bureau-foundation/peerdesk/lib/connid"
)

// EventKind classifies events delivered by a Channel.
type EventKind int

const (
	// EventMessage carries one inbound envelope.
	EventMessage EventKind = iota

	// EventDisconnected reports that the directory connection was lost.
	// Sends fail with ErrDisconnected until EventResynchronized.
	EventDisconnected

	// EventResynchronized reports a successful re-registration. Any
	// negotiation in flight before the preceding EventDisconnected is
	// lost and must be restarted.
	EventResynchronized
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	case EventResynchronized:
		return "resynchronized"
	default:
		return "unknown"
	}
}

// Event is one occurrence on a signaling channel.
type Event struct {
	Kind     EventKind
	Envelope Envelope

	// Err is the cause of an EventDisconnected.
	Err error
}

// Channel is a registered, bidirectional link to a directory.
// Delivery is at-most-once and in order per peer pair while
// connected; nothing is queued across a disconnect.
type Channel interface {
	// LocalID is the connection id this channel registered.
	LocalID() connid.ID

	// Send queues one envelope for the directory.
	Send(ctx context.Context, envelope Envelope) error

	// Events delivers inbound envelopes and connectivity changes. It
	// is closed after Disconnect.
	Events() <-chan Event

	// Disconnect discards anything queued and closes the channel.
	// Calling it again has no further effect.
	Disconnect() error
}

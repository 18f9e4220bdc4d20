// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/media"
)

// Event is anything a session surfaces to the host application. Every
// event carries the id of the session that produced it.
type Event interface {
	Session() string
}

// StateChanged reports one state machine transition.
type StateChanged struct {
	SessionID string
	From      State
	To        State
	At        time.Time
}

// PeerConnected reports that media started flowing for the first time
// with a verified peer.
type PeerConnected struct {
	SessionID   string
	Peer        identity.PeerDescriptor
	Fingerprint string
}

// PeerDisconnected reports that a connected peer is gone.
type PeerDisconnected struct {
	SessionID string
	Peer      connid.ID
	Reason    string
}

// FrameReceived reports one decoded and rendered video frame.
type FrameReceived struct {
	SessionID  string
	Timestamp  time.Duration
	Kind       media.FrameKind
	Dimensions media.Dimensions
}

// InputReceived reports one input event handed to the injector.
type InputReceived struct {
	SessionID string
	Input     dataproto.InputEvent
}

// TransferProgress reports the state of a file transfer in either
// direction.
type TransferProgress struct {
	SessionID string
	Transfer  dataproto.TransferState
}

// ErrorOccurred reports a classified error. Fatal errors end the
// session; the others are diagnostics.
type ErrorOccurred struct {
	SessionID string
	Err       *Error
	Fatal     bool
}

func (e StateChanged) Session() string     { return e.SessionID }
func (e PeerConnected) Session() string    { return e.SessionID }
func (e PeerDisconnected) Session() string { return e.SessionID }
func (e FrameReceived) Session() string    { return e.SessionID }
func (e InputReceived) Session() string    { return e.SessionID }
func (e TransferProgress) Session() string { return e.SessionID }
func (e ErrorOccurred) Session() string    { return e.SessionID }

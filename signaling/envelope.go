// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/transport"
)

// Type discriminates envelopes on the wire.
type Type string

const (
	TypeRegister       Type = "register"
	TypeRegistered     Type = "registered"
	TypeConnectRequest Type = "connect_request"
	TypeConnectAccept  Type = "connect_accept"
	TypeConnectReject  Type = "connect_reject"
	TypeOffer          Type = "offer"
	TypeAnswer         Type = "answer"
	TypeICECandidate   Type = "ice_candidate"
	TypeHangup         Type = "hangup"
	TypePeerOnline     Type = "peer_online"
	TypePeerOffline    Type = "peer_offline"
	TypePing           Type = "ping"
	TypePong           Type = "pong"
	TypeError          Type = "error"
)

// registerContext prefixes the signed Register payload.
const registerContext = "peerdesk.register.v1"

// MaxRegisterSkew bounds how far a Register timestamp may drift from
// the directory's clock.
const MaxRegisterSkew = 5 * time.Minute

// Directory error reasons.
const (
	ReasonUnknownPeer = "unknown-peer"
	ReasonSpoofedFrom = "spoofed-from"
	ReasonIDTaken     = "id-taken"
	ReasonBadRegister = "bad-register"
	ReasonMalformed   = "malformed"
)

// Envelope is one signaling message. Fields beyond Type are populated
// according to the type; Validate enforces which are required.
type Envelope struct {
	Type Type `json:"type"`

	From connid.ID `json:"from,omitzero"`
	To   connid.ID `json:"to,omitzero"`

	// SessionID ties every negotiation envelope to one session.
	SessionID string `json:"session_id,omitempty"`

	// ConnectionID names the subject of register and presence
	// envelopes.
	ConnectionID connid.ID `json:"connection_id,omitzero"`
	DisplayName  string    `json:"display_name,omitempty"`
	PublicKey    []byte    `json:"public_key,omitempty"`

	// Timestamp is Unix milliseconds for register envelopes.
	Timestamp int64  `json:"timestamp,omitempty"`
	Signature []byte `json:"signature,omitempty"`

	SDP       string               `json:"sdp,omitempty"`
	Candidate *transport.Candidate `json:"candidate,omitempty"`

	Reason string `json:"reason,omitempty"`
	Nonce  uint64 `json:"nonce,omitempty"`
}

// Marshal encodes the envelope as one JSON message.
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Unmarshal decodes and validates one JSON message.
func Unmarshal(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Validate checks that the fields the type needs are present.
func (e Envelope) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s envelope without %s", ErrMalformed, e.Type, field)
	}
	routed := func() error {
		if e.From.IsZero() {
			return missing("from")
		}
		if e.To.IsZero() {
			return missing("to")
		}
		if e.SessionID == "" {
			return missing("session_id")
		}
		return nil
	}

	switch e.Type {
	case TypeRegister:
		if e.ConnectionID.IsZero() {
			return missing("connection_id")
		}
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return missing("public_key")
		}
		if len(e.Signature) != ed25519.SignatureSize {
			return missing("signature")
		}
	case TypeRegistered, TypePeerOnline, TypePeerOffline:
		if e.ConnectionID.IsZero() {
			return missing("connection_id")
		}
	case TypeConnectRequest, TypeConnectAccept:
		if err := routed(); err != nil {
			return err
		}
		if len(e.PublicKey) != ed25519.PublicKeySize {
			return missing("public_key")
		}
	case TypeConnectReject, TypeHangup:
		return routed()
	case TypeOffer, TypeAnswer:
		if err := routed(); err != nil {
			return err
		}
		if e.SDP == "" {
			return missing("sdp")
		}
	case TypeICECandidate:
		if err := routed(); err != nil {
			return err
		}
		if e.Candidate == nil {
			return missing("candidate")
		}
	case TypePing, TypePong, TypeError:
	default:
		return fmt.Errorf("%w: unknown envelope type %q", ErrMalformed, e.Type)
	}
	return nil
}

// Routed reports whether the directory forwards this envelope to To.
func (e Envelope) Routed() bool {
	switch e.Type {
	case TypeConnectRequest, TypeConnectAccept, TypeConnectReject,
		TypeOffer, TypeAnswer, TypeICECandidate, TypeHangup:
		return true
	}
	return false
}

// Peer returns the descriptor a connect envelope advertises for its
// sender.
func (e Envelope) Peer() identity.PeerDescriptor {
	return identity.PeerDescriptor{
		ConnectionID: e.From,
		DisplayName:  e.DisplayName,
		PublicKey:    ed25519.PublicKey(e.PublicKey),
	}
}

// NewRegister builds a signed Register envelope for local.
func NewRegister(local *identity.Identity, now time.Time) Envelope {
	timestamp := now.UnixMilli()
	return Envelope{
		Type:         TypeRegister,
		ConnectionID: local.ConnectionID,
		DisplayName:  local.DisplayName,
		PublicKey:    local.Public(),
		Timestamp:    timestamp,
		Signature:    local.Sign(registerMessage(local.ConnectionID, timestamp)),
	}
}

// VerifyRegister checks the Register signature and that its timestamp
// is within MaxRegisterSkew of now.
func VerifyRegister(envelope Envelope, now time.Time) error {
	if envelope.Type != TypeRegister {
		return fmt.Errorf("%w: expected register, got %s", ErrMalformed, envelope.Type)
	}
	signedAt := time.UnixMilli(envelope.Timestamp)
	if skew := now.Sub(signedAt); skew > MaxRegisterSkew || skew < -MaxRegisterSkew {
		return fmt.Errorf("%w: register timestamp off by %v", ErrRejected, skew)
	}
	message := registerMessage(envelope.ConnectionID, envelope.Timestamp)
	if err := identity.Verify(envelope.PublicKey, message, envelope.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

func registerMessage(id connid.ID, timestamp int64) []byte {
	message := make([]byte, 0, len(registerContext)+connid.Digits+8)
	message = append(message, registerContext...)
	message = append(message, id.Digits()...)
	return binary.BigEndian.AppendUint64(message, uint64(timestamp))
}

// ConnectRequest asks to to start a session. The sender becomes the
// viewer and offerer.
func ConnectRequest(local *identity.Identity, to connid.ID, sessionID string) Envelope {
	return Envelope{
		Type:        TypeConnectRequest,
		From:        local.ConnectionID,
		To:          to,
		SessionID:   sessionID,
		DisplayName: local.DisplayName,
		PublicKey:   local.Public(),
	}
}

// ConnectAccept answers a ConnectRequest.
func ConnectAccept(local *identity.Identity, to connid.ID, sessionID string) Envelope {
	return Envelope{
		Type:        TypeConnectAccept,
		From:        local.ConnectionID,
		To:          to,
		SessionID:   sessionID,
		DisplayName: local.DisplayName,
		PublicKey:   local.Public(),
	}
}

// ConnectReject declines a ConnectRequest.
func ConnectReject(from, to connid.ID, sessionID, reason string) Envelope {
	return Envelope{Type: TypeConnectReject, From: from, To: to, SessionID: sessionID, Reason: reason}
}

// Hangup ends a session in an orderly way.
func Hangup(from, to connid.ID, sessionID, reason string) Envelope {
	return Envelope{Type: TypeHangup, From: from, To: to, SessionID: sessionID, Reason: reason}
}

// Description wraps an offer or answer.
func Description(from, to connid.ID, sessionID string, description transport.Description) Envelope {
	kind := TypeOffer
	if description.Type == transport.Answer {
		kind = TypeAnswer
	}
	return Envelope{Type: kind, From: from, To: to, SessionID: sessionID, SDP: description.SDP}
}

// Candidate wraps a trickled ICE candidate.
func Candidate(from, to connid.ID, sessionID string, candidate transport.Candidate) Envelope {
	return Envelope{Type: TypeICECandidate, From: from, To: to, SessionID: sessionID, Candidate: &candidate}
}

// TransportDescription converts an offer or answer envelope back to a
// transport description.
func (e Envelope) TransportDescription() transport.Description {
	kind := transport.Offer
	if e.Type == TypeAnswer {
		kind = transport.Answer
	}
	return transport.Description{Type: kind, SDP: e.SDP}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io/fs"

	"github.com/bureau-foundation/peerdesk/dataproto"
	"github.com/bureau-foundation/peerdesk/e2e"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/media"
	"github.com/bureau-foundation/peerdesk/media/codec"
	"github.com/bureau-foundation/peerdesk/signaling"
	"github.com/bureau-foundation/peerdesk/transport"
)

// Kind classifies session errors so the host application can decide
// how to present them without parsing error text.
type Kind string

const (
	KindCapture Kind = "capture"
	KindEncoder Kind = "encoder"
	KindDecoder Kind = "decoder"

	KindAuthFailed      Kind = "crypto.auth_failed"
	KindReplayDetected  Kind = "crypto.replay_detected"
	KindKeyExpired      Kind = "crypto.key_expired"
	KindAgreementFailed Kind = "crypto.agreement_failed"

	KindICEFailed      Kind = "transport.ice_failed"
	KindConnectionLost Kind = "transport.connection_lost"
	KindChannelClosed  Kind = "transport.channel_closed"

	KindSignalingDisconnected Kind = "signaling.disconnected"
	KindRejected              Kind = "signaling.rejected"
	KindMalformed             Kind = "signaling.malformed"

	KindUnexpectedMessage Kind = "protocol.unexpected_message"
	KindIntegrityFailed   Kind = "protocol.integrity_failed"

	KindIO               Kind = "io"
	KindTimeout          Kind = "timeout"
	KindPermissionDenied Kind = "permission_denied"
)

// Error is a classified session failure. It wraps the underlying
// error so errors.Is and errors.As see the full chain.
type Error struct {
	Kind Kind

	// Detail is a short human-readable description of what failed.
	Detail string

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Detail
	}
	if e.Detail == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error, deriving the kind from err when kind is
// empty.
func newError(kind Kind, detail string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) && kind == "" {
		return existing
	}
	if kind == "" {
		kind = Classify(err)
	}
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Classify maps an error from any peerdesk package onto a Kind. Errors
// it does not recognise are reported as KindIO.
func Classify(err error) Kind {
	var sessionError *Error
	switch {
	case errors.As(err, &sessionError):
		return sessionError.Kind
	case errors.Is(err, e2e.ErrAuthFailed), errors.Is(err, e2e.ErrAuthStorm), errors.Is(err, e2e.ErrMalformed):
		return KindAuthFailed
	case errors.Is(err, e2e.ErrReplayDetected):
		return KindReplayDetected
	case errors.Is(err, e2e.ErrKeyExpired):
		return KindKeyExpired
	case errors.Is(err, e2e.ErrAgreementFailed), errors.Is(err, identity.ErrKeyMismatch), errors.Is(err, identity.ErrBadSignature):
		return KindAgreementFailed
	case errors.Is(err, transport.ErrChannelClosed), errors.Is(err, transport.ErrClosed), errors.Is(err, transport.ErrChannelNotOpen):
		return KindChannelClosed
	case errors.Is(err, signaling.ErrDisconnected):
		return KindSignalingDisconnected
	case errors.Is(err, signaling.ErrRejected):
		return KindRejected
	case errors.Is(err, signaling.ErrMalformed):
		return KindMalformed
	case errors.Is(err, dataproto.ErrRemoteControlDisabled):
		return KindPermissionDenied
	case errors.Is(err, dataproto.ErrIntegrityFailed):
		return KindIntegrityFailed
	case errors.Is(err, dataproto.ErrUnexpectedMessage):
		return KindUnexpectedMessage
	case errors.Is(err, media.ErrCaptureFailed):
		return KindCapture
	case errors.Is(err, codec.ErrInvalidConfig), errors.Is(err, codec.ErrCodecUnavailable):
		return KindEncoder
	case errors.Is(err, codec.ErrKeyframeRequired), errors.Is(err, codec.ErrMalformed), errors.Is(err, codec.ErrStalePacket):
		return KindDecoder
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	default:
		return KindIO
	}
}

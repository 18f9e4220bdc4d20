// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import "errors"

var (
	// ErrDisconnected is returned by Send while the channel is down or
	// after Disconnect.
	ErrDisconnected = errors.New("signaling: disconnected")

	// ErrRejected is returned when the directory refuses registration.
	ErrRejected = errors.New("signaling: rejected")

	// ErrMalformed wraps envelopes that fail to decode or validate.
	ErrMalformed = errors.New("signaling: malformed envelope")
)

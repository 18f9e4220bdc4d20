// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

var (
	// ErrInvalidConfig wraps every Config validation failure.
	ErrInvalidConfig = errors.New("transport: invalid config")

	// ErrClosed is returned by operations on a closed PeerConnection.
	ErrClosed = errors.New("transport: peer connection closed")

	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("transport: channel closed")

	// ErrChannelNotOpen is returned when sending before the channel opened.
	ErrChannelNotOpen = errors.New("transport: channel not open")

	// ErrMessageTooLarge is returned for media messages beyond the
	// fragment count limit.
	ErrMessageTooLarge = errors.New("transport: message too large")

	// ErrUnknownStream is returned for a media stream without a channel.
	ErrUnknownStream = errors.New("transport: unknown media stream")
)

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import "errors"

var (
	// ErrUnexpectedMessage covers frames with an unknown discriminator
	// or type, plaintext frames after keys are installed, and messages
	// that make no sense in the current transfer state.
	ErrUnexpectedMessage = errors.New("dataproto: unexpected message")

	// ErrIntegrityFailed means a chunk or file checksum did not match.
	ErrIntegrityFailed = errors.New("dataproto: integrity check failed")

	// ErrRefused is returned to a sender whose transfer was refused.
	ErrRefused = errors.New("dataproto: transfer refused")

	// ErrCancelled is returned for a transfer cancelled locally.
	ErrCancelled = errors.New("dataproto: transfer cancelled")

	// ErrRemoteControlDisabled is the error reply for input events
	// while remote control is off.
	ErrRemoteControlDisabled = errors.New("dataproto: remote control disabled")
)

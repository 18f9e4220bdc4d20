// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import "errors"

var (
	// ErrAuthFailed means the AEAD tag did not verify. The packet is
	// dropped.
	ErrAuthFailed = errors.New("e2e: authentication failed")

	// ErrReplayDetected means the sequence number was already seen or
	// fell behind the replay window. The packet is dropped silently.
	ErrReplayDetected = errors.New("e2e: replay detected")

	// ErrKeyExpired means the send key has reached its packet budget.
	// Nothing more is sealed until a rekey.
	ErrKeyExpired = errors.New("e2e: send key expired")

	// ErrAgreementFailed covers every key agreement failure: bad
	// signatures, unexpected identity keys, low-order points.
	ErrAgreementFailed = errors.New("e2e: key agreement failed")

	// ErrAuthStorm is returned once a stream accumulates too many
	// consecutive authentication failures.
	ErrAuthStorm = errors.New("e2e: auth-storm")

	// ErrNoKeys is returned by seal and open before Install.
	ErrNoKeys = errors.New("e2e: session keys not installed")

	// ErrMalformed means a sealed frame could not be parsed.
	ErrMalformed = errors.New("e2e: malformed sealed frame")

	// ErrRekeyCollision means the peer's rekey request lost to ours.
	ErrRekeyCollision = errors.New("e2e: rekey collision")
)

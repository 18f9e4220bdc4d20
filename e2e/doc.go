// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package e2e is the end-to-end cryptographic layer between two peers.
//
// # Key agreement
//
// Peers run a signed ephemeral X25519 exchange in the
// Station-to-Station family. Each side sends a [Hello] carrying its
// long-lived Ed25519 identity key, a fresh X25519 public key and an
// Ed25519 signature over the session ID, its role and both public
// keys. The receiver checks the signature against the identity key it
// learned from signaling (and pinned in known_peers) before computing
// the Diffie-Hellman output. The shared secret is
//
//	HKDF-SHA256(X25519(local, remote), salt=session_id,
//	            info="peerdesk.shared.v1" ∥ offerer_eph ∥ answerer_eph)
//
// and the directional AEAD keys are
//
//	key(s→r) = HKDF-SHA256(shared, info=session_id ∥ "s→r")
//	key(r→s) = HKDF-SHA256(shared, info=session_id ∥ "r→s")
//
// The offerer sends with key(s→r), the answerer with key(r→s).
//
// # Framing
//
// A sealed media packet is an RTP fixed header (SSRC = stream ID,
// marker = keyframe) with a one-byte header extension carrying the
// packet flags and the key epoch, followed by the 12-byte nonce and
// the AEAD output. The nonce is the 8-byte big-endian send sequence
// followed by the 4-byte stream discriminator. The associated data is
// rebuilt from the received header, so any header modification fails
// authentication.
//
// Control messages use the same keys under a separate counter and the
// reserved control discriminator: tag ∥ epoch ∥ nonce ∥ ciphertext.
//
// # Replay and key lifetime
//
// Each stream has a [ReplayWindow] over the last W+1 sequence numbers.
// A key seals at most Config.PacketBudget packets; passing three
// quarters of the budget, or Config.RotateAfter, raises the rekey
// signal, and reaching the budget makes sealing fail with
// [ErrKeyExpired]. Rekeying runs a fresh signed exchange over the
// control channel and switches to a new key epoch.
package e2e

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages the per-install identity of a peerdesk node
// and the record of peers it has met.
//
// An install owns one Ed25519 keypair and one connection ID, created
// on first launch by [LoadOrCreate] and never changed afterwards. The
// state directory holds:
//
//	identity.key    Ed25519 seed, mode 0600, optionally age-sealed
//	identity.pub    base64 public key
//	connection_id   nine ASCII digits
//	known_peers/    badger database of every PeerDescriptor seen
//
// [KnownPeers] is append-only: each sighting of a peer adds a record,
// and lookups return the newest one. The first key seen for a
// connection ID is pinned; a later sighting with a different key is
// reported as [ErrKeyMismatch] so key agreement can refuse it.
package identity

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dataproto defines the messages carried on a session's
// reliable control channel and the file transfer engine built on them.
//
// Every frame starts with a discriminator byte selecting the input,
// transfer, or session sub-protocol. Until the handshake installs
// keys only session messages travel, in plaintext; afterwards all
// frames are sealed by the session keys and plaintext frames are
// rejected.
//
// File transfers are chunked. Each chunk carries its own SHA-256 so
// the receiver can discard a corrupt chunk without writing it, and the
// completion handshake asks the sender to resend exactly the chunks
// the receiver does not hold. The receiver persists a bitmap of held
// chunks next to a sparse data file, so a transfer interrupted by a
// restart resumes where it stopped.
//
// InputGate decides what a host does with input events while remote
// control is disabled.
package dataproto

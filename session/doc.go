// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs one remote desktop session between a viewer and
// a host.
//
// A session is a state machine driven by one goroutine:
//
//	Idle -> Requesting -> Negotiating -> Connected -> Streaming
//	Idle -> Incoming   -> Negotiating
//	Streaming <-> Recovering
//
// and any state may end in Closed or Failed. The viewer sends a
// connect request over signaling and plays the offerer; the host
// accepts and answers. Once the control channel opens both sides send
// a signed Hello, derive per-direction keys, and seal every control
// and media message from then on. Streaming starts when keys exist and
// the media channels are open.
//
// While streaming, the host captures its display, encodes, seals and
// paces frames onto the video track; a rate controller steps the
// encoder profile down and up with link quality. The viewer opens,
// decodes and renders frames and reports what it sees so the host's
// controller can react to loss only the receiver observes. Input
// events flow from viewer to host and are injected only while the
// host allows remote control.
//
// A peer connection interruption moves the session to Recovering. The
// offerer restarts ICE and the keys survive; the session fails if the
// path does not come back within the recovery timeout.
//
// Sessions never touch the network directly. Signaling is a
// signaling.Channel and the peer connection comes from a LinkFactory,
// so the whole lifecycle runs in a single process with a
// MemoryLinkPair and a signaling.MemoryDirectory.
package session

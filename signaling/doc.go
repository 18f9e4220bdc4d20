// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling exchanges rendezvous envelopes between peers
// through a directory.
//
// Envelopes are JSON objects discriminated by a "type" field. The
// directory routes by destination connection id and otherwise treats
// envelopes as opaque; everything sensitive is protected end to end
// once the peers share a control channel.
//
// [Client] is the websocket [Channel] a node keeps open to its
// directory. It registers with an Ed25519-signed Register envelope,
// pings every 15 seconds, and reconnects with exponential backoff
// when no pong arrives for 30 seconds or the socket fails. Delivery
// is at-most-once: nothing queued survives a disconnect, and after
// reconnecting the client emits [EventResynchronized] so sessions can
// restart whatever negotiation was in flight.
//
// [Directory] is the relay itself as an http.Handler, and
// [MemoryDirectory] offers the same routing in-process for tests.
package signaling

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries a remote-desktop session over one
// pion/webrtc PeerConnection.
//
// Every [PeerConnection] pre-negotiates three SCTP data channels with
// fixed ids: a reliable ordered control channel and unordered
// zero-retransmit channels for video and audio. Media messages are
// split into fragments that fit one SCTP datagram and reassembled on
// the far side; a message with any fragment missing after a short
// window is abandoned rather than retransmitted. A [Track] paces
// fragments against the configured bitrate and, when its queue passes
// the high-water mark, drops the oldest whole non-keyframe message.
//
// ICE candidates trickle through [PeerConnection.Candidates]. Remote
// candidates that arrive before the remote description are buffered.
// Connection state is filtered before it reaches the owner: a
// Disconnected that recovers within the reconnect grace period is
// never surfaced.
//
// The package knows nothing about encryption. Everything handed to a
// Track or the control channel is already sealed by the caller.
package transport

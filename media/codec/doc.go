// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec turns raw frames and audio into [media.EncodedPacket]s
// and back.
//
// Codec families are provided by factories in a [Registry]. Platform
// hardware encoders (H264, VP8, VP9) register themselves at startup;
// the built-in ZDELTA family is always present and is the fallback on
// hosts without one. ZDELTA is lossless: keyframes are zstd-compressed
// pixel planes and deltas are LZ4-compressed XORs against the previous
// emitted frame.
//
// Encoders own the keyframe policy: a keyframe is forced when the
// delta run would exceed fps*gop_seconds, on [Encoder.RequestKeyframe],
// and on any dimension change. Unchanged frames (same BLAKE3 digest)
// and frames beyond the bitrate budget are elided; keyframes never are.
//
// Decoders never stall on a broken reference chain. They return
// [ErrKeyframeRequired] and drop deltas until the next keyframe; the
// caller forwards the request to the encoder side.
package codec

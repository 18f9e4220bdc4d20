// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package adaptive maps observed link conditions onto encoder
// parameters.
//
// Every sample interval the [Runner] reads a [Sample] (round-trip
// time, loss, send rate, queued media) and the [Controller] classifies
// it into one of five buckets, from Excellent down to VeryPoor. The
// controller moves at most one bucket per sample, and only after the
// classification has disagreed with the current bucket for
// DegradeAfter consecutive samples (downward) or UpgradeAfter
// consecutive samples (upward). Each bucket names a [Profile]; the
// runner applies it to the encoder and the media track.
//
// Upgrades that raise the resolution request a keyframe explicitly.
// Downgrades that change resolution get one from the encoder
// reconfiguration.
package adaptive

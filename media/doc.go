// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package media defines raw and encoded media types and the capture
// pipeline that feeds the encoder.
//
// Video capture runs on a locked OS thread and publishes into a
// [LatestSlot]: the consumer always sees the newest frame and
// replaced frames are counted as drops. Source loss surfaces as a
// [*Disruption] on the stream before capture resumes; exhausting the
// reopen budget or a non-transient error ends the stream with
// [ErrCaptureFailed].
//
// Audio capture never stalls. Missing samples are replaced by silence
// and chunks are bounded by [MaxAudioChunk].
package media

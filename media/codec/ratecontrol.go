// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import "time"

// rateBucket is a token bucket over encoded bits, refilled from frame
// timestamps rather than wall time so encoding is deterministic for a
// given input. Spending may drive the balance negative; the encoder
// elides deltas until it recovers.
type rateBucket struct {
	bitsPerSecond int
	capacity      float64
	tokens        float64
	last          time.Duration
	started       bool
}

// bucketWindow is the burst the bucket absorbs, as stream time.
const bucketWindow = 500 * time.Millisecond

func newRateBucket(bitsPerSecond int) *rateBucket {
	bucket := &rateBucket{}
	bucket.setRate(bitsPerSecond)
	bucket.tokens = bucket.capacity
	return bucket
}

func (b *rateBucket) setRate(bitsPerSecond int) {
	b.bitsPerSecond = bitsPerSecond
	b.capacity = float64(bitsPerSecond) * bucketWindow.Seconds()
	b.tokens = min(b.tokens, b.capacity)
}

// refill credits the stream time elapsed since the previous frame.
// Timestamps that go backwards credit nothing.
func (b *rateBucket) refill(timestamp time.Duration) {
	if b.started && timestamp > b.last {
		elapsed := (timestamp - b.last).Seconds()
		b.tokens = min(b.capacity, b.tokens+elapsed*float64(b.bitsPerSecond))
	}
	if !b.started || timestamp > b.last {
		b.last = timestamp
	}
	b.started = true
}

func (b *rateBucket) exhausted() bool { return b.tokens <= 0 }

func (b *rateBucket) spend(bytes int) { b.tokens -= float64(bytes * 8) }

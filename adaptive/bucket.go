// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package adaptive

import "fmt"

// Bucket is a link quality class. Lower values are better links.
type Bucket int

const (
	Excellent Bucket = iota
	Good
	Fair
	Poor
	VeryPoor
)

// bucketCount is the number of defined buckets.
const bucketCount = int(VeryPoor) + 1

func (b Bucket) String() string {
	switch b {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	case VeryPoor:
		return "very-poor"
	default:
		return fmt.Sprintf("bucket(%d)", int(b))
	}
}

// Valid reports whether b is one of the defined buckets.
func (b Bucket) Valid() bool { return b >= Excellent && b <= VeryPoor }

// Sample is one observation of the link.
type Sample struct {
	RTTMillis float64 `json:"rtt_ms"`
	LossRatio float64 `json:"loss_ratio"`
	SendBPS   float64 `json:"send_bps"`

	// QueueDepth is the number of encoded packets waiting to be sent.
	QueueDepth int `json:"queue_depth"`

	// ApplicationLimited is set when the sender, not the link, bounded
	// SendBPS. Classify then ignores the send rate.
	ApplicationLimited bool `json:"application_limited"`
}

// threshold is the upper bound (exclusive) on rtt and loss and the lower
// bound (inclusive) on send rate for one bucket.
type threshold struct {
	rttMillis float64
	loss      float64
	sendBPS   float64
}

// thresholds are ordered from Excellent to Poor; anything failing Poor
// is VeryPoor.
var thresholds = [...]threshold{
	Excellent: {rttMillis: 50, loss: 0.01, sendBPS: 5_000_000},
	Good:      {rttMillis: 100, loss: 0.03, sendBPS: 2_000_000},
	Fair:      {rttMillis: 200, loss: 0.05, sendBPS: 1_000_000},
	Poor:      {rttMillis: 500, loss: 0.10, sendBPS: 500_000},
}

// Classify returns the best bucket whose thresholds sample meets. A
// queue deeper than queueThreshold costs one bucket; queueThreshold
// <= 0 disables the penalty.
func Classify(sample Sample, queueThreshold int) Bucket {
	bucket := VeryPoor
	for candidate, limit := range thresholds {
		sendOK := sample.ApplicationLimited || sample.SendBPS >= limit.sendBPS
		if sample.RTTMillis < limit.rttMillis && sample.LossRatio < limit.loss && sendOK {
			bucket = Bucket(candidate)
			break
		}
	}
	if queueThreshold > 0 && sample.QueueDepth > queueThreshold && bucket < VeryPoor {
		bucket++
	}
	return bucket
}

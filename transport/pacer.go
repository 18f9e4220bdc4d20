// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
)

// Pacer burst bounds: the bucket holds 50ms of rate but never less
// than 16KiB so one fragment-sized write always fits.
const (
	pacerBurstWindow = 50 * time.Millisecond
	pacerMinBurst    = 16 * 1024
)

type pacedPacket struct {
	fragments [][]byte
	keyframe  bool
	started   bool
	bytes     int
}

// pacer smooths one media stream to a byte rate. Packets are queued
// whole and drained fragment by fragment; when the queue is at its
// watermark the oldest unstarted non-keyframe packet is dropped to
// make room. Keyframes are never dropped.
type pacer struct {
	clock     clock.Clock
	send      func([]byte) error
	watermark int

	mu          sync.Mutex
	queue       []*pacedPacket
	queuedBytes int
	rate        float64 // bytes per second; zero means unpaced
	burst       float64
	tokens      float64
	lastRefill  time.Time
	drops       uint64
	sentBytes   uint64

	wake chan struct{}
}

func newPacer(clk clock.Clock, bitsPerSecond, watermark int, send func([]byte) error) *pacer {
	p := &pacer{
		clock:      clk,
		send:       send,
		watermark:  watermark,
		lastRefill: clk.Now(),
		wake:       make(chan struct{}, 1),
	}
	p.setRateLocked(bitsPerSecond)
	p.tokens = p.burst
	return p
}

// SetRate changes the ceiling. Zero disables pacing.
func (p *pacer) SetRate(bitsPerSecond int) {
	p.mu.Lock()
	p.refillLocked()
	p.setRateLocked(bitsPerSecond)
	p.mu.Unlock()
	p.notify()
}

func (p *pacer) setRateLocked(bitsPerSecond int) {
	p.rate = float64(bitsPerSecond) / 8
	p.burst = max(p.rate*pacerBurstWindow.Seconds(), pacerMinBurst)
	p.tokens = min(p.tokens, p.burst)
}

// enqueue queues one packet's fragments. It returns the number of
// packets dropped to stay under the watermark.
func (p *pacer) enqueue(fragments [][]byte, keyframe bool) int {
	packet := &pacedPacket{fragments: fragments, keyframe: keyframe}
	for _, piece := range fragments {
		packet.bytes += len(piece)
	}
	p.mu.Lock()
	dropped := 0
	for len(p.queue) >= p.watermark {
		if !p.dropOldestLocked() {
			break
		}
		dropped++
	}
	p.queue = append(p.queue, packet)
	p.queuedBytes += packet.bytes
	p.mu.Unlock()
	p.notify()
	return dropped
}

func (p *pacer) dropOldestLocked() bool {
	for index, candidate := range p.queue {
		if candidate.keyframe || candidate.started {
			continue
		}
		p.queue = append(p.queue[:index], p.queue[index+1:]...)
		p.queuedBytes -= candidate.bytes
		p.drops++
		return true
	}
	return false
}

func (p *pacer) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *pacer) refillLocked() {
	now := p.clock.Now()
	if elapsed := now.Sub(p.lastRefill); elapsed > 0 {
		p.tokens = min(p.burst, p.tokens+elapsed.Seconds()*p.rate)
	}
	p.lastRefill = now
}

// next pops the next fragment if the bucket allows it. Otherwise it
// returns how long to wait; zero wait with no fragment means the
// queue is empty.
func (p *pacer) next() ([]byte, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, 0
	}
	head := p.queue[0]
	piece := head.fragments[0]
	if p.rate > 0 {
		p.refillLocked()
		if p.tokens < float64(len(piece)) {
			deficit := float64(len(piece)) - p.tokens
			wait := time.Duration(deficit / p.rate * float64(time.Second))
			return nil, max(wait, time.Millisecond)
		}
		p.tokens -= float64(len(piece))
	}
	head.started = true
	head.fragments = head.fragments[1:]
	p.queuedBytes -= len(piece)
	if len(head.fragments) == 0 {
		p.queue = p.queue[1:]
	}
	p.sentBytes += uint64(len(piece))
	return piece, 0
}

// run drains the queue until ctx ends. Send errors on an unreliable
// channel lose only the fragment; they are returned to the caller's
// error hook and pacing continues.
func (p *pacer) run(ctx context.Context, onError func(error)) {
	for {
		piece, wait := p.next()
		if piece != nil {
			if err := p.send(piece); err != nil && onError != nil {
				onError(err)
			}
			continue
		}
		if wait == 0 {
			select {
			case <-p.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case <-p.clock.After(wait):
		case <-p.wake:
		case <-ctx.Done():
			return
		}
	}
}

type pacerStats struct {
	QueueDepth  int
	QueuedBytes int
	Drops       uint64
	SentBytes   uint64
}

func (p *pacer) stats() pacerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pacerStats{QueueDepth: len(p.queue), QueuedBytes: p.queuedBytes, Drops: p.drops, SentBytes: p.sentBytes}
}

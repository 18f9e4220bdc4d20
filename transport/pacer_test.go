// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
)

type sink struct {
	mu     sync.Mutex
	pieces [][]byte
	bytes  int
}

func (s *sink) send(piece []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieces = append(s.pieces, piece)
	s.bytes += len(piece)
	return nil
}

func (s *sink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func pieces(count, size int, marker byte) [][]byte {
	out := make([][]byte, count)
	for i := range out {
		out[i] = bytes.Repeat([]byte{marker}, size)
	}
	return out
}

func TestPacerDrainsAtRate(t *testing.T) {
	fake := clock.NewFake(epoch)
	output := &sink{}
	// 1 Mbit/s = 125000 B/s; burst = max(6250, 16384) = 16384 bytes.
	p := newPacer(fake, 1_000_000, 256, output.send)

	for packet := 0; packet < 40; packet++ {
		p.enqueue(pieces(1, 1000, byte(packet)), false)
	}
	// Consume the enqueue notification so run only wakes on the clock.
	<-p.wake

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.run(ctx, nil)

	fake.BlockUntil(1)
	if total := output.total(); total != 16000 {
		t.Fatalf("initial burst sent %d bytes, want 16000", total)
	}

	// 100ms at 125000 B/s refills 12500 bytes: the 384 left over plus
	// the refill covers 12 more packets.
	for step := 0; step < 10; step++ {
		fake.Advance(10 * time.Millisecond)
		fake.BlockUntil(1)
	}
	// Fire any wakeup the pacer armed for a deadline already reached.
	fake.Advance(0)
	fake.BlockUntil(1)
	if total := output.total(); total != 28000 {
		t.Errorf("sent %d bytes after 100ms, want 28000", total)
	}
}

func TestPacerDropsOldestDelta(t *testing.T) {
	fake := clock.NewFake(epoch)
	output := &sink{}
	p := newPacer(fake, 1_000_000, 3, output.send)

	p.enqueue(pieces(1, 100, 'K'), true)
	p.enqueue(pieces(1, 100, 'a'), false)
	p.enqueue(pieces(1, 100, 'b'), false)
	if dropped := p.enqueue(pieces(1, 100, 'c'), false); dropped != 1 {
		t.Fatalf("dropped %d, want 1", dropped)
	}

	var order []byte
	for {
		piece, _ := p.next()
		if piece == nil {
			break
		}
		order = append(order, piece[0])
	}
	if string(order) != "Kbc" {
		t.Errorf("drain order %q, want Kbc", order)
	}
	if stats := p.stats(); stats.Drops != 1 || stats.QueueDepth != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPacerNeverDropsKeyframes(t *testing.T) {
	p := newPacer(clock.NewFake(epoch), 1_000_000, 2, func([]byte) error { return nil })
	p.enqueue(pieces(1, 10, 'K'), true)
	p.enqueue(pieces(1, 10, 'L'), true)
	if dropped := p.enqueue(pieces(1, 10, 'M'), true); dropped != 0 {
		t.Errorf("dropped %d keyframes", dropped)
	}
	if depth := p.stats().QueueDepth; depth != 3 {
		t.Errorf("queue depth = %d, want 3", depth)
	}
}

func TestPacerKeepsPartiallySentPacket(t *testing.T) {
	fake := clock.NewFake(epoch)
	p := newPacer(fake, 8*pacerMinBurst, 1, func([]byte) error { return nil })
	p.enqueue(pieces(3, 1000, 'x'), false)
	if piece, _ := p.next(); piece == nil {
		t.Fatal("first fragment not released")
	}
	// The started packet must finish; the new one waits behind it.
	if dropped := p.enqueue(pieces(1, 1000, 'y'), false); dropped != 0 {
		t.Errorf("dropped %d; a started packet is not droppable", dropped)
	}
	var markers []byte
	for {
		piece, _ := p.next()
		if piece == nil {
			break
		}
		markers = append(markers, piece[0])
	}
	if string(markers) != "xxy" {
		t.Errorf("markers = %q", markers)
	}
}

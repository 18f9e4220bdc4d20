// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import "fmt"

// ReplayWindow tracks which of the most recent sequence numbers have
// been accepted. With size W and highest accepted sequence max, the
// window covers [max-W, max]; anything older is rejected.
type ReplayWindow struct {
	size    uint64
	highest uint64
	started bool

	// ring holds one bit per sequence, indexed by sequence mod
	// len(ring)*64. Its capacity is at least size+1.
	ring []uint64
}

// NewReplayWindow returns an empty window of the given size.
func NewReplayWindow(size int) *ReplayWindow {
	if size < 1 {
		panic(fmt.Sprintf("e2e: replay window size %d", size))
	}
	words := (size + 1 + 63) / 64
	return &ReplayWindow{size: uint64(size), ring: make([]uint64, words)}
}

// Check reports whether sequence would be accepted, without recording
// it.
func (w *ReplayWindow) Check(sequence uint64) bool {
	if !w.started || sequence > w.highest {
		return true
	}
	if w.highest-sequence > w.size {
		return false
	}
	return !w.bit(sequence)
}

// Accept records sequence. It returns false, and records nothing, when
// Check would have rejected it.
func (w *ReplayWindow) Accept(sequence uint64) bool {
	if !w.Check(sequence) {
		return false
	}
	if !w.started {
		w.started = true
		w.highest = sequence
		w.set(sequence)
		return true
	}
	if sequence > w.highest {
		w.advance(sequence)
	}
	w.set(sequence)
	return true
}

// Highest returns the largest accepted sequence.
func (w *ReplayWindow) Highest() uint64 { return w.highest }

func (w *ReplayWindow) capacity() uint64 { return uint64(len(w.ring)) * 64 }

// advance clears the slots of the sequences between the old highest
// and next; those slots still hold bits from a previous lap.
func (w *ReplayWindow) advance(next uint64) {
	if next-w.highest >= w.capacity() {
		clear(w.ring)
	} else {
		for sequence := w.highest + 1; sequence <= next; sequence++ {
			w.clearBit(sequence)
		}
	}
	w.highest = next
}

func (w *ReplayWindow) bit(sequence uint64) bool {
	slot := sequence % w.capacity()
	return w.ring[slot/64]&(1<<(slot%64)) != 0
}

func (w *ReplayWindow) set(sequence uint64) {
	slot := sequence % w.capacity()
	w.ring[slot/64] |= 1 << (slot % 64)
}

func (w *ReplayWindow) clearBit(sequence uint64) {
	slot := sequence % w.capacity()
	w.ring[slot/64] &^= 1 << (slot % 64)
}

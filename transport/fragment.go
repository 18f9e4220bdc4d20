// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Media messages are split into fragments carrying an 8-byte header:
// frame id (u32), fragment index (u16), fragment count (u16), all
// big-endian.
const fragmentHeaderSize = 8

// fragmentTimeout bounds how long an incomplete frame is held.
const fragmentTimeout = 500 * time.Millisecond

// maxFragments bounds the count field and therefore the largest media
// message the channel accepts.
const maxFragments = 1 << 12

// fragment splits message into pieces of at most size bytes each.
func fragment(frameID uint32, message []byte, size int) ([][]byte, error) {
	payload := size - fragmentHeaderSize
	count := (len(message) + payload - 1) / payload
	if count == 0 {
		count = 1
	}
	if count > maxFragments {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments", ErrMessageTooLarge, len(message), count)
	}
	fragments := make([][]byte, 0, count)
	for index := 0; index < count; index++ {
		start := index * payload
		end := min(start+payload, len(message))
		piece := make([]byte, fragmentHeaderSize, fragmentHeaderSize+end-start)
		binary.BigEndian.PutUint32(piece[0:4], frameID)
		binary.BigEndian.PutUint16(piece[4:6], uint16(index))
		binary.BigEndian.PutUint16(piece[6:8], uint16(count))
		fragments = append(fragments, append(piece, message[start:end]...))
	}
	return fragments, nil
}

type partialFrame struct {
	pieces    [][]byte
	received  int
	firstSeen time.Time
}

// reassembler rebuilds media messages from fragments that may arrive
// out of order, duplicated, or not at all. Frames older than the
// newest completed frame are abandoned, since media is only useful
// while fresh.
type reassembler struct {
	partial   map[uint32]*partialFrame
	newest    uint32
	completed bool

	framesCompleted uint64
	framesLost      uint64
}

func newReassembler() *reassembler {
	return &reassembler{partial: make(map[uint32]*partialFrame)}
}

// add accepts one fragment. It returns the reassembled message when
// the fragment completed its frame.
func (r *reassembler) add(piece []byte, now time.Time) ([]byte, error) {
	if len(piece) < fragmentHeaderSize {
		return nil, fmt.Errorf("fragment of %d bytes is shorter than its header", len(piece))
	}
	frameID := binary.BigEndian.Uint32(piece[0:4])
	index := int(binary.BigEndian.Uint16(piece[4:6]))
	count := int(binary.BigEndian.Uint16(piece[6:8]))
	if count == 0 || count > maxFragments || index >= count {
		return nil, fmt.Errorf("fragment %d of %d is invalid", index, count)
	}
	r.expire(now)
	if r.completed && !newer(frameID, r.newest) {
		// Late piece of an abandoned or already delivered frame.
		return nil, nil
	}

	frame, ok := r.partial[frameID]
	if !ok {
		frame = &partialFrame{pieces: make([][]byte, count), firstSeen: now}
		r.partial[frameID] = frame
	}
	if len(frame.pieces) != count {
		return nil, fmt.Errorf("frame %d fragment count changed from %d to %d", frameID, len(frame.pieces), count)
	}
	if frame.pieces[index] != nil {
		return nil, nil
	}
	frame.pieces[index] = piece[fragmentHeaderSize:]
	frame.received++
	if frame.received < count {
		return nil, nil
	}

	delete(r.partial, frameID)
	size := 0
	for _, part := range frame.pieces {
		size += len(part)
	}
	message := make([]byte, 0, size)
	for _, part := range frame.pieces {
		message = append(message, part...)
	}
	r.newest, r.completed = frameID, true
	r.framesCompleted++
	for id := range r.partial {
		if !newer(id, frameID) {
			delete(r.partial, id)
			r.framesLost++
		}
	}
	return message, nil
}

func (r *reassembler) expire(now time.Time) {
	for id, frame := range r.partial {
		if now.Sub(frame.firstSeen) >= fragmentTimeout {
			delete(r.partial, id)
			r.framesLost++
		}
	}
}

// newer reports whether a follows b in serial-number order.
func newer(a, b uint32) bool { return int32(a-b) > 0 }

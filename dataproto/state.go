// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"time"
)

// Transfer sizing.
const (
	DefaultChunkSize = 64 * 1024
	MaxChunkSize     = 1 << 20
)

// Direction says which side of a transfer a state describes.
type Direction uint8

const (
	DirectionOutgoing Direction = 1
	DirectionIncoming Direction = 2
)

func (d Direction) String() string {
	if d == DirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// Status is where a transfer is in its lifecycle.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusPaused
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransferState is the persisted record of one transfer. Bitmap has
// one bit per chunk; Checksum is SHA-256 of the full plaintext.
type TransferState struct {
	TransferID string    `cbor:"transfer_id"`
	Direction  Direction `cbor:"direction"`
	Name       string    `cbor:"name"`
	Size       int64     `cbor:"size"`
	ChunkSize  int       `cbor:"chunk_size"`
	Bitmap     Bitmap    `cbor:"bitmap"`
	Checksum   [32]byte  `cbor:"checksum"`
	Compressed bool      `cbor:"compressed"`
	Status     Status    `cbor:"status"`
	StartedAt  time.Time `cbor:"started_at"`

	// Path is where a completed incoming file was placed.
	Path string `cbor:"path,omitempty"`
}

// ChunkCount returns ceil(size / chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// chunkLength is the plaintext length of chunk index.
func chunkLength(size int64, chunkSize, index int) int {
	offset := int64(index) * int64(chunkSize)
	return int(min(int64(chunkSize), size-offset))
}

// BytesTransferred is popcount(bitmap) × chunk size, clamped to Size.
func (s TransferState) BytesTransferred() int64 {
	return min(int64(s.Bitmap.Count())*int64(s.ChunkSize), s.Size)
}

// Clone returns a copy that shares no memory with s.
func (s TransferState) Clone() TransferState {
	s.Bitmap = s.Bitmap.Clone()
	return s
}

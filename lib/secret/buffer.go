// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations on a closed Buffer.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer holds secret bytes. It must not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	mapped bool
	locked bool
	closed bool
}

// New allocates a zeroed buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: size must be positive, got %d", size)
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return &Buffer{data: make([]byte, size)}, nil
	}
	buffer := &Buffer{data: data, mapped: true}
	if unix.Mlock(data) == nil {
		buffer.locked = true
	}
	// Best effort; older kernels reject MADV_DONTDUMP.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return buffer, nil
}

// FromBytes copies source into a new Buffer and zeroes source.
func FromBytes(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the live backing slice. It is valid until Close.
// Panics after Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic(ErrClosed)
	}
	return b.data
}

// Len returns the buffer size, or 0 after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether the memory is pinned against swap.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Equal compares contents in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, other) == 1
}

// Close zeroes and releases the memory. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.data)

	var closeErr error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			closeErr = fmt.Errorf("secret: munlock: %w", err)
		}
	}
	if b.mapped {
		if err := unix.Munmap(b.data); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("secret: munmap: %w", err)
		}
	}
	b.data = nil
	return closeErr
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	clear(data)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-length set of chunk indices.
type Bitmap struct {
	Length int    `cbor:"length"`
	Bits   []byte `cbor:"bits"`
}

// NewBitmap returns an empty bitmap of length bits.
func NewBitmap(length int) Bitmap {
	return Bitmap{Length: length, Bits: make([]byte, (length+7)/8)}
}

// Valid reports whether the backing storage matches Length.
func (b Bitmap) Valid() bool {
	return b.Length >= 0 && len(b.Bits) == (b.Length+7)/8
}

// Has reports whether index is set. Out-of-range indices are unset.
func (b Bitmap) Has(index int) bool {
	if index < 0 || index >= b.Length {
		return false
	}
	return b.Bits[index/8]&(1<<(index%8)) != 0
}

// Set marks index.
func (b Bitmap) Set(index int) {
	if index < 0 || index >= b.Length {
		panic(fmt.Sprintf("dataproto: bitmap index %d out of range %d", index, b.Length))
	}
	b.Bits[index/8] |= 1 << (index % 8)
}

// Clear unmarks index.
func (b Bitmap) Clear(index int) {
	if index >= 0 && index < b.Length {
		b.Bits[index/8] &^= 1 << (index % 8)
	}
}

// Count is the number of set indices.
func (b Bitmap) Count() int {
	count := 0
	for _, octet := range b.Bits {
		count += bits.OnesCount8(octet)
	}
	return count
}

// Full reports whether every index is set.
func (b Bitmap) Full() bool { return b.Count() == b.Length }

// Missing returns a bitmap with exactly the unset indices set.
func (b Bitmap) Missing() Bitmap {
	missing := NewBitmap(b.Length)
	for index := range b.Length {
		if !b.Has(index) {
			missing.Set(index)
		}
	}
	return missing
}

// Indices lists the set indices in order.
func (b Bitmap) Indices() []int {
	var indices []int
	for index := range b.Length {
		if b.Has(index) {
			indices = append(indices, index)
		}
	}
	return indices
}

// Clone returns an independent copy.
func (b Bitmap) Clone() Bitmap {
	return Bitmap{Length: b.Length, Bits: append([]byte(nil), b.Bits...)}
}

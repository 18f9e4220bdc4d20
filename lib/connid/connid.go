// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connid implements the 9-digit connection identifier peers
// use to find each other through the signaling directory.
//
// An ID is nine decimal digits. The canonical display form groups
// them as XXX-XXX-XXX; the wire form is the bare digits. Parsing
// accepts either, along with stray spaces, so users can type what
// they read off another screen.
package connid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Digits is the number of decimal digits in an ID.
const Digits = 9

const space = 1_000_000_000

// ErrInvalid is wrapped by every Parse failure.
var ErrInvalid = errors.New("invalid connection id")

// ID is a connection identifier. The zero value is not a valid ID.
type ID struct {
	value uint32
}

// Parse reads an ID from text containing exactly nine digits,
// optionally separated by hyphens or spaces.
func Parse(text string) (ID, error) {
	var value uint32
	count := 0
	for _, character := range text {
		switch {
		case character >= '0' && character <= '9':
			count++
			if count > Digits {
				return ID{}, fmt.Errorf("%w: %q has more than %d digits", ErrInvalid, text, Digits)
			}
			value = value*10 + uint32(character-'0')
		case character == '-' || character == ' ':
		default:
			return ID{}, fmt.Errorf("%w: %q contains %q", ErrInvalid, text, character)
		}
	}
	if count != Digits {
		return ID{}, fmt.Errorf("%w: %q has %d digits, want %d", ErrInvalid, text, count, Digits)
	}
	if value == 0 {
		return ID{}, fmt.Errorf("%w: all-zero id is reserved", ErrInvalid)
	}
	return ID{value: value}, nil
}

// MustParse is Parse for constants in tests and examples.
func MustParse(text string) ID {
	id, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return id
}

// Generate draws a uniformly random non-zero ID from random, or from
// crypto/rand when random is nil.
func Generate(random io.Reader) (ID, error) {
	if random == nil {
		random = rand.Reader
	}
	// Rejection sampling keeps the distribution uniform.
	const limit = (1 << 32) / space * space
	var buffer [4]byte
	for {
		if _, err := io.ReadFull(random, buffer[:]); err != nil {
			return ID{}, fmt.Errorf("generating connection id: %w", err)
		}
		candidate := binary.BigEndian.Uint32(buffer[:])
		if candidate >= limit {
			continue
		}
		candidate %= space
		if candidate == 0 {
			continue
		}
		return ID{value: candidate}, nil
	}
}

// IsZero reports whether id is the unset zero value.
func (id ID) IsZero() bool { return id.value == 0 }

// Digits returns the nine-digit wire form.
func (id ID) Digits() string {
	return fmt.Sprintf("%09d", id.value)
}

// String returns the XXX-XXX-XXX display form.
func (id ID) String() string {
	digits := id.Digits()
	var builder strings.Builder
	builder.Grow(Digits + 2)
	builder.WriteString(digits[0:3])
	builder.WriteByte('-')
	builder.WriteString(digits[3:6])
	builder.WriteByte('-')
	builder.WriteString(digits[6:9])
	return builder.String()
}

// MarshalText encodes the wire form.
func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: cannot encode zero id", ErrInvalid)
	}
	return []byte(id.Digits()), nil
}

// UnmarshalText accepts any form Parse accepts.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

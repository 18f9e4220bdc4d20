// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD names an authenticated cipher.
type AEAD string

const (
	AES256GCM        AEAD = "AES-256-GCM"
	ChaCha20Poly1305 AEAD = "ChaCha20-Poly1305"
)

// Replay window bounds.
const (
	MinReplayWindow = 64
	MaxReplayWindow = 1024
)

// Config parameterizes a crypto session.
type Config struct {
	AEAD         AEAD
	ReplayWindow int

	// RotateAfter is the key age that raises the rekey signal.
	RotateAfter time.Duration

	// PacketBudget is the number of media packets one key may seal.
	PacketBudget uint64

	// AuthStormCount consecutive authentication failures on one
	// stream within AuthStormWindow fail the session.
	AuthStormCount  int
	AuthStormWindow time.Duration

	// PreviousKeyGrace keeps the previous receive key usable after a
	// rekey.
	PreviousKeyGrace time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		AEAD:             ChaCha20Poly1305,
		ReplayWindow:     256,
		RotateAfter:      time.Hour,
		PacketBudget:     (1 << 32) / 4,
		AuthStormCount:   32,
		AuthStormWindow:  2 * time.Second,
		PreviousKeyGrace: 5 * time.Second,
	}
}

// NewCryptoConfig returns DefaultConfig with the given cipher and
// replay window, or an error if either is out of range.
func NewCryptoConfig(aead string, replayWindow int) (Config, error) {
	config := DefaultConfig()
	config.AEAD = AEAD(aead)
	config.ReplayWindow = replayWindow
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks every field.
func (c Config) Validate() error {
	switch c.AEAD {
	case AES256GCM, ChaCha20Poly1305:
	default:
		return fmt.Errorf("e2e: aead %q is not %q or %q", c.AEAD, AES256GCM, ChaCha20Poly1305)
	}
	if c.ReplayWindow < MinReplayWindow || c.ReplayWindow > MaxReplayWindow {
		return fmt.Errorf("e2e: replay window %d outside [%d, %d]", c.ReplayWindow, MinReplayWindow, MaxReplayWindow)
	}
	if c.PacketBudget < 2 {
		return fmt.Errorf("e2e: packet budget %d is too small", c.PacketBudget)
	}
	if c.RotateAfter <= 0 {
		return fmt.Errorf("e2e: rotate_after must be positive")
	}
	if c.AuthStormCount < 1 || c.AuthStormWindow <= 0 {
		return fmt.Errorf("e2e: auth storm threshold must be positive")
	}
	return nil
}

func (c Config) newAEAD(key []byte) (cipher.AEAD, error) {
	switch c.AEAD {
	case AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	}
	return nil, fmt.Errorf("e2e: unknown aead %q", c.AEAD)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small secrets at rest under a passphrase.
//
// It wraps filippo.io/age with the scrypt recipient, the format age
// uses for passphrase-protected files. peerdesk uses it for the
// identity seed when the operator configures a passphrase; opened
// plaintext is returned in a [secret.Buffer].
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/bureau-foundation/peerdesk/lib/secret"
)

// DefaultWorkFactor is the scrypt log2(N) used for new ciphertexts.
const DefaultWorkFactor = 18

// ErrWrongPassphrase is returned when the passphrase does not open the
// ciphertext.
var ErrWrongPassphrase = errors.New("sealed: wrong passphrase")

// Header is the prefix every age binary file starts with. Callers use
// it to tell sealed files from raw key files.
var Header = []byte("age-encryption.org/v1\n")

// Seal encrypts plaintext under passphrase with the given scrypt work
// factor. A workFactor of 0 selects DefaultWorkFactor.
func Seal(plaintext []byte, passphrase string, workFactor int) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("sealed: empty passphrase")
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealed: building scrypt recipient: %w", err)
	}
	if workFactor == 0 {
		workFactor = DefaultWorkFactor
	}
	recipient.SetWorkFactor(workFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finishing encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts a ciphertext produced by Seal.
func Open(ciphertext []byte, passphrase string) (*secret.Buffer, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealed: building scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("sealed: opening ciphertext: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return secret.FromBytes(plaintext)
}

// IsSealed reports whether data looks like an age ciphertext.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, Header)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"testing"
)

// Low work factor keeps the tests fast.
const testWorkFactor = 10

func TestSealOpenRoundTrip(t *testing.T) {
	plaintext := bytes.Repeat([]byte{0x42}, 32)
	ciphertext, err := Seal(plaintext, "hunter2", testWorkFactor)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(ciphertext) {
		t.Fatal("ciphertext lacks age header")
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	opened, err := Open(ciphertext, "hunter2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()
	if !bytes.Equal(opened.Bytes(), plaintext) {
		t.Fatal("opened plaintext differs")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	ciphertext, err := Seal([]byte("seed"), "right", testWorkFactor)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	_, err = Open(ciphertext, "wrong")
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("Open with wrong passphrase: %v, want ErrWrongPassphrase", err)
	}
}

func TestSealRejectsEmptyPassphrase(t *testing.T) {
	if _, err := Seal([]byte("x"), "", testWorkFactor); err == nil {
		t.Fatal("Seal accepted an empty passphrase")
	}
}

func TestIsSealedRawKey(t *testing.T) {
	if IsSealed(make([]byte, 32)) {
		t.Fatal("raw seed reported as sealed")
	}
}

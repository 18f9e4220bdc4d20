// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestFromBytesZeroesSource(t *testing.T) {
	source := []byte("correct horse battery staple")
	want := bytes.Clone(source)

	buffer, err := FromBytes(source)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), want) {
		t.Fatalf("Bytes() = %q, want %q", buffer.Bytes(), want)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source[%d] = %d after FromBytes, want 0", index, value)
		}
	}
	if !buffer.Equal(want) {
		t.Fatal("Equal returned false for identical contents")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if buffer.Len() != 0 {
		t.Fatalf("Len() after Close = %d", buffer.Len())
	}
	if buffer.Equal(make([]byte, 32)) {
		t.Fatal("closed buffer compared equal")
	}
}

func TestBytesPanicsAfterClose(t *testing.T) {
	buffer, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buffer.Close()
	defer func() {
		if recover() == nil {
			t.Fatal("Bytes after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Fatal("New(0) succeeded")
	}
}

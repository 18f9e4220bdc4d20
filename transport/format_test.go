// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"go/format"
	"os"
	"testing"
)

func TestPeerSourceIsFormatted(t *testing.T) {
	source, err := os.ReadFile("peer.go")
	if err != nil {
		t.Fatal(err)
	}
	formatted, err := format.Source(source)
	if err != nil {
		t.Fatalf("format.Source: %v", err)
	}
	if !bytes.Equal(source, formatted) {
		t.Fatal("peer.go is not gofmt-formatted")
	}
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"errors"
	"testing"
)

func sequentialBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return data
}

func TestFragmentSizes(t *testing.T) {
	message := sequentialBytes(3000)
	fragments, err := fragment(7, message, 1150)
	if err != nil {
		t.Fatal(err)
	}
	if len(fragments) != 3 {
		t.Fatalf("got %d fragments, want 3", len(fragments))
	}
	for index, piece := range fragments {
		if len(piece) > 1150 {
			t.Errorf("fragment %d is %d bytes", index, len(piece))
		}
	}
	empty, err := fragment(8, nil, 1150)
	if err != nil || len(empty) != 1 || len(empty[0]) != fragmentHeaderSize {
		t.Errorf("empty message fragments = %v, %v", empty, err)
	}
	if _, err := fragment(9, make([]byte, maxFragments*1142+1), 1150); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized message: %v", err)
	}
}

func TestReassembleOutOfOrder(t *testing.T) {
	message := sequentialBytes(5000)
	fragments, _ := fragment(1, message, 1150)
	assembler := newReassembler()
	now := epoch

	order := []int{4, 0, 2, 2, 3, 1}
	var result []byte
	for position, index := range order {
		out, err := assembler.add(fragments[index], now)
		if err != nil {
			t.Fatal(err)
		}
		if out != nil {
			if position != len(order)-1 {
				t.Fatalf("frame completed early at position %d", position)
			}
			result = out
		}
	}
	if !bytes.Equal(result, message) {
		t.Fatal("reassembled message differs")
	}
}

func TestReassembleAbandonsOlderFrames(t *testing.T) {
	old, _ := fragment(10, sequentialBytes(2000), 1150)
	fresh, _ := fragment(11, sequentialBytes(500), 1150)
	assembler := newReassembler()

	assembler.add(old[0], epoch)
	if out, _ := assembler.add(fresh[0], epoch); out == nil {
		t.Fatal("single-fragment frame did not complete")
	}
	if out, _ := assembler.add(old[1], epoch); out != nil {
		t.Error("frame older than the newest delivered frame was completed")
	}
	if assembler.framesLost != 1 || assembler.framesCompleted != 1 {
		t.Errorf("lost=%d completed=%d", assembler.framesLost, assembler.framesCompleted)
	}
}

func TestReassembleTimeout(t *testing.T) {
	pieces, _ := fragment(3, sequentialBytes(2000), 1150)
	assembler := newReassembler()
	assembler.add(pieces[0], epoch)
	out, err := assembler.add(pieces[1], epoch.Add(fragmentTimeout))
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Error("expired frame completed")
	}
	if assembler.framesLost != 1 {
		t.Errorf("framesLost = %d, want 1", assembler.framesLost)
	}
}

func TestReassembleRejectsGarbage(t *testing.T) {
	assembler := newReassembler()
	for _, piece := range [][]byte{
		{1, 2, 3},
		{0, 0, 0, 1, 0, 5, 0, 2}, // index beyond count
		{0, 0, 0, 1, 0, 0, 0, 0}, // zero count
	} {
		if _, err := assembler.add(piece, epoch); err == nil {
			t.Errorf("accepted %v", piece)
		}
	}
}

func TestNewerWraps(t *testing.T) {
	if !newer(0, 0xFFFFFFFF) || newer(0xFFFFFFFF, 0) || newer(5, 5) {
		t.Error("serial comparison is wrong across the wrap")
	}
}

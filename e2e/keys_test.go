// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/media"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// newPair runs a full handshake and returns the offerer's and the
// answerer's installed keys.
func newPair(t *testing.T, config Config, clk clock.Clock) (*SessionKeys, *SessionKeys) {
	t.Helper()
	alice, bob := newIdentity(t, "alice"), newIdentity(t, "bob")
	sessionID := []byte("pair-session")

	offererHandshake, err := NewHandshake(alice, sessionID, Offerer, nil)
	if err != nil {
		t.Fatal(err)
	}
	answererHandshake, err := NewHandshake(bob, sessionID, Answerer, nil)
	if err != nil {
		t.Fatal(err)
	}
	offererSecret, err := offererHandshake.Complete(answererHandshake.Hello(), bob.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	defer offererSecret.Close()
	answererSecret, err := answererHandshake.Complete(offererHandshake.Hello(), alice.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	defer answererSecret.Close()

	offerer, err := Install(config, clk, alice, Offerer, sessionID, offererSecret, bob.PublicKey)
	if err != nil {
		t.Fatalf("Install offerer: %v", err)
	}
	answerer, err := Install(config, clk, bob, Answerer, sessionID, answererSecret, alice.PublicKey)
	if err != nil {
		t.Fatalf("Install answerer: %v", err)
	}
	t.Cleanup(func() {
		offerer.Close()
		answerer.Close()
	})
	return offerer, answerer
}

func videoPacket(sequence uint64, payload string) media.EncodedPacket {
	return media.EncodedPacket{
		StreamID:     media.VideoStream,
		Sequence:     sequence,
		TimestampRTP: uint32(sequence * 3000),
		Payload:      []byte(payload),
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, aead := range []AEAD{AES256GCM, ChaCha20Poly1305} {
		t.Run(string(aead), func(t *testing.T) {
			config, err := NewCryptoConfig(string(aead), 128)
			if err != nil {
				t.Fatal(err)
			}
			offerer, answerer := newPair(t, config, clock.NewFake(epoch))

			for _, packet := range []media.EncodedPacket{
				videoPacket(1, "delta"),
				{StreamID: media.VideoStream, Sequence: 2, TimestampRTP: 9000, Flags: media.FlagKeyframe, Payload: bytes.Repeat([]byte{0xAB}, 4000)},
				{StreamID: media.AudioStream, Sequence: 1, TimestampRTP: 960, Flags: media.FlagAudio, Payload: []byte{}},
			} {
				blob, err := offerer.SealMedia(packet)
				if err != nil {
					t.Fatalf("SealMedia: %v", err)
				}
				opened, err := answerer.OpenMedia(blob)
				if err != nil {
					t.Fatalf("OpenMedia: %v", err)
				}
				if !bytes.Equal(opened.Payload, packet.Payload) {
					t.Fatal("payload changed in transit")
				}
				if opened.StreamID != packet.StreamID || opened.TimestampRTP != packet.TimestampRTP || opened.Flags != packet.Flags {
					t.Fatalf("header fields changed: got %+v, sent %+v", opened, packet)
				}
				if opened.Sequence != packet.Sequence {
					t.Fatalf("sequence %d, want %d", opened.Sequence, packet.Sequence)
				}
			}
		})
	}
}

func TestDirectionalKeysDoNotReflect(t *testing.T) {
	offerer, _ := newPair(t, DefaultConfig(), clock.NewFake(epoch))
	blob, err := offerer.SealMedia(videoPacket(1, "x"))
	if err != nil {
		t.Fatal(err)
	}
	// A packet reflected back at its sender must not open.
	if _, err := offerer.OpenMedia(blob); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("reflected packet: %v, want ErrAuthFailed", err)
	}
}

func TestTamperedHeaderFailsAuthentication(t *testing.T) {
	offerer, answerer := newPair(t, DefaultConfig(), clock.NewFake(epoch))
	packet := videoPacket(5, "frame")
	blob, err := offerer.SealMedia(packet)
	if err != nil {
		t.Fatal(err)
	}

	// Bytes 4..7 of the RTP header are the timestamp.
	tampered := bytes.Clone(blob)
	tampered[7] ^= 0x01
	if _, err := answerer.OpenMedia(tampered); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("tampered timestamp: %v, want ErrAuthFailed", err)
	}

	// Flipping the marker bit disagrees with the authenticated flags.
	tampered = bytes.Clone(blob)
	tampered[1] ^= 0x80
	if _, err := answerer.OpenMedia(tampered); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("tampered marker: %v, want ErrAuthFailed", err)
	}

	// The untouched original still opens: failed packets are not
	// recorded in the replay window.
	if _, err := answerer.OpenMedia(blob); err != nil {
		t.Fatalf("original after tampering attempts: %v", err)
	}
	if answerer.Stats().AuthFailures != 2 {
		t.Fatalf("AuthFailures = %d, want 2", answerer.Stats().AuthFailures)
	}
}

func TestReplayDroppedAndCounted(t *testing.T) {
	fake := clock.NewFake(epoch)
	offerer, answerer := newPair(t, DefaultConfig(), fake)

	blob, err := offerer.SealMedia(videoPacket(1, "captured"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := answerer.OpenMedia(blob); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	fake.Advance(time.Second)
	if _, err := answerer.OpenMedia(blob); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay: %v, want ErrReplayDetected", err)
	}
	if drops := answerer.Stats().ReplayDrops; drops != 1 {
		t.Fatalf("ReplayDrops = %d, want 1", drops)
	}
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	offerer, answerer := newPair(t, DefaultConfig(), clock.NewFake(epoch))
	var blobs [][]byte
	for sequence := uint64(1); sequence <= 20; sequence++ {
		blob, err := offerer.SealMedia(videoPacket(sequence, "p"))
		if err != nil {
			t.Fatal(err)
		}
		blobs = append(blobs, blob)
	}
	for index := len(blobs) - 1; index >= 0; index-- {
		opened, err := answerer.OpenMedia(blobs[index])
		if err != nil {
			t.Fatalf("packet %d delivered late: %v", index+1, err)
		}
		if opened.Sequence != uint64(index+1) {
			t.Fatalf("sequence %d, want %d", opened.Sequence, index+1)
		}
	}
}

func TestSendSequenceExhaustion(t *testing.T) {
	config := DefaultConfig()
	config.PacketBudget = 4
	offerer, _ := newPair(t, config, clock.NewFake(epoch))

	for index := range 4 {
		if _, err := offerer.SealMedia(videoPacket(uint64(index+1), "p")); err != nil {
			t.Fatalf("seal %d: %v", index+1, err)
		}
	}
	// Three quarters of the budget raised the rekey signal.
	select {
	case <-offerer.RekeyDue():
	default:
		t.Fatal("rekey signal not raised")
	}
	if _, err := offerer.SealMedia(videoPacket(5, "p")); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("seal past budget: %v, want ErrKeyExpired", err)
	}
	if offerer.Stats().SendSequence != 4 {
		t.Fatalf("SendSequence = %d, want 4", offerer.Stats().SendSequence)
	}
}

func TestSendSequenceStrictlyIncreases(t *testing.T) {
	offerer, _ := newPair(t, DefaultConfig(), clock.NewFake(epoch))
	var last uint64
	for index := range 50 {
		blob, err := offerer.SealMedia(videoPacket(uint64(index), "p"))
		if err != nil {
			t.Fatal(err)
		}
		// The nonce follows the 20-byte RTP header: 12 fixed, 4 of
		// extension header and 4 of padded extension body.
		sequence := bigEndian64(blob[20:28])
		if sequence <= last {
			t.Fatalf("send sequence %d after %d", sequence, last)
		}
		last = sequence
	}
}

func bigEndian64(data []byte) uint64 {
	var value uint64
	for _, b := range data {
		value = value<<8 | uint64(b)
	}
	return value
}

func TestRotationAgeRaisesRekey(t *testing.T) {
	fake := clock.NewFake(epoch)
	offerer, _ := newPair(t, DefaultConfig(), fake)
	if offerer.NeedsRekey() {
		t.Fatal("fresh key reported due")
	}
	fake.Advance(time.Hour)
	if !offerer.NeedsRekey() {
		t.Fatal("hour-old key not reported due")
	}
}

func TestAuthStorm(t *testing.T) {
	fake := clock.NewFake(epoch)
	config := DefaultConfig()
	config.AuthStormCount = 4
	offerer, answerer := newPair(t, config, fake)

	blob, err := offerer.SealMedia(videoPacket(1, "p"))
	if err != nil {
		t.Fatal(err)
	}
	forged := bytes.Clone(blob)
	forged[len(forged)-1] ^= 0xFF

	for attempt := 1; attempt < 4; attempt++ {
		if _, err := answerer.OpenMedia(forged); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("attempt %d: %v, want ErrAuthFailed", attempt, err)
		}
	}
	if _, err := answerer.OpenMedia(forged); !errors.Is(err, ErrAuthStorm) {
		t.Fatalf("fourth failure: %v, want ErrAuthStorm", err)
	}
}

func TestAuthStormWindowExpires(t *testing.T) {
	fake := clock.NewFake(epoch)
	config := DefaultConfig()
	config.AuthStormCount = 3
	offerer, answerer := newPair(t, config, fake)

	blob, _ := offerer.SealMedia(videoPacket(1, "p"))
	forged := bytes.Clone(blob)
	forged[len(forged)-1] ^= 0xFF

	answerer.OpenMedia(forged)
	answerer.OpenMedia(forged)
	fake.Advance(3 * time.Second)
	// The window has passed; counting starts over.
	if _, err := answerer.OpenMedia(forged); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("failure after window: %v, want ErrAuthFailed", err)
	}
}

func TestControlRoundTripAndReplay(t *testing.T) {
	offerer, answerer := newPair(t, DefaultConfig(), clock.NewFake(epoch))
	frame, err := offerer.SealControl(0x83, []byte("keyframe please"))
	if err != nil {
		t.Fatal(err)
	}
	tag, plaintext, err := answerer.OpenControl(frame)
	if err != nil {
		t.Fatalf("OpenControl: %v", err)
	}
	if tag != 0x83 || string(plaintext) != "keyframe please" {
		t.Fatalf("OpenControl = %#x %q", tag, plaintext)
	}
	if _, _, err := answerer.OpenControl(frame); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("control replay: %v, want ErrReplayDetected", err)
	}

	retagged, _ := offerer.SealControl(0x81, []byte("x"))
	retagged[0] = 0x82
	if _, _, err := answerer.OpenControl(retagged); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("retagged control frame: %v, want ErrAuthFailed", err)
	}
}

func TestSealBeforeInstall(t *testing.T) {
	var keys SessionKeys
	if _, err := keys.SealMedia(videoPacket(1, "p")); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("SealMedia on empty keys: %v", err)
	}
}

func TestNewCryptoConfigBounds(t *testing.T) {
	tests := []struct {
		aead   string
		window int
		ok     bool
	}{
		{"AES-256-GCM", 64, true},
		{"ChaCha20-Poly1305", 1024, true},
		{"ChaCha20-Poly1305", 63, false},
		{"ChaCha20-Poly1305", 1025, false},
		{"AES-128-GCM", 256, false},
	}
	for _, test := range tests {
		_, err := NewCryptoConfig(test.aead, test.window)
		if (err == nil) != test.ok {
			t.Errorf("NewCryptoConfig(%q, %d) error = %v, want ok=%v", test.aead, test.window, err, test.ok)
		}
	}
}

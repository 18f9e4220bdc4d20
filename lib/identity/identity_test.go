// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/connid"
)

func TestLoadOrCreatePersists(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(Options{Dir: dir, DisplayName: "desk"})
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	defer first.Close()

	info, err := os.Stat(filepath.Join(dir, KeyFile))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("%s mode = %o, want 600", KeyFile, mode)
	}

	second, err := LoadOrCreate(Options{Dir: dir, DisplayName: "desk"})
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	defer second.Close()

	if first.ConnectionID != second.ConnectionID {
		t.Fatalf("connection id changed: %v -> %v", first.ConnectionID, second.ConnectionID)
	}
	if !bytes.Equal(first.PublicKey, second.PublicKey) {
		t.Fatal("public key changed across loads")
	}

	message := []byte("hello")
	if err := Verify(first.PublicKey, message, second.Sign(message)); err != nil {
		t.Fatalf("reloaded key signs differently: %v", err)
	}
}

func TestLoadOrCreateSealed(t *testing.T) {
	dir := t.TempDir()
	created, err := LoadOrCreate(Options{Dir: dir, Passphrase: "pw", WorkFactor: 10})
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	defer created.Close()

	raw, err := os.ReadFile(filepath.Join(dir, KeyFile))
	if err != nil {
		t.Fatalf("reading key: %v", err)
	}
	if len(raw) == ed25519.SeedSize {
		t.Fatal("key file was written unsealed")
	}

	if _, err := LoadOrCreate(Options{Dir: dir}); err == nil {
		t.Fatal("loading a sealed key without passphrase succeeded")
	}
	reloaded, err := LoadOrCreate(Options{Dir: dir, Passphrase: "pw"})
	if err != nil {
		t.Fatalf("reload with passphrase: %v", err)
	}
	defer reloaded.Close()
	if !bytes.Equal(reloaded.PublicKey, created.PublicKey) {
		t.Fatal("sealed key reloaded to a different public key")
	}
}

func TestLoadDetectsMismatchedPublicKey(t *testing.T) {
	dir := t.TempDir()
	created, err := LoadOrCreate(Options{Dir: dir})
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	created.Close()

	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte("AAAA\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreate(Options{Dir: dir}); err == nil {
		t.Fatal("load succeeded with a tampered identity.pub")
	}
}

func TestFingerprintFormat(t *testing.T) {
	fingerprint := Fingerprint(make([]byte, 32))
	// 8 bytes in unpadded base64 is 11 characters.
	if len(fingerprint) != 11 {
		t.Fatalf("fingerprint %q has length %d, want 11", fingerprint, len(fingerprint))
	}
	if Fingerprint([]byte{1}) == fingerprint {
		t.Fatal("different keys share a fingerprint")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	local, err := Generate(nil, "a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	defer local.Close()
	signature := local.Sign([]byte("payload"))
	if err := Verify(local.PublicKey, []byte("Payload"), signature); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify tampered = %v, want ErrBadSignature", err)
	}
}

func TestIdentitySignsFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	want := ed25519.NewKeyFromSeed(bytes.Clone(seed))

	local, err := New(connid.MustParse("123-456-789"), "desk", seed)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer local.Close()
	if !bytes.Equal(seed, make([]byte, ed25519.SeedSize)) {
		t.Fatal("New left the caller's seed intact")
	}
	if !bytes.Equal(local.PublicKey, want.Public().(ed25519.PublicKey)) {
		t.Fatal("public key does not match the seed")
	}

	// Repeated signing exercises the per-key cache in crypto/ed25519.
	for _, message := range [][]byte{[]byte("register"), []byte("hello"), []byte("rekey")} {
		signature := local.Sign(message)
		if !bytes.Equal(signature, ed25519.Sign(want, message)) {
			t.Fatalf("signature over %q differs from the reference key", message)
		}
		if err := Verify(local.Public(), message, signature); err != nil {
			t.Fatalf("Verify(%q): %v", message, err)
		}
	}
	if !bytes.Equal(local.seedCopy(), want.Seed()) {
		t.Fatal("persisted seed does not match")
	}
}

func TestKnownPeersAppendOnly(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store, err := OpenKnownPeers("", fake)
	if err != nil {
		t.Fatalf("OpenKnownPeers: %v", err)
	}
	defer store.Close()

	alice := PeerDescriptor{ConnectionID: connid.MustParse("111-111-111"), DisplayName: "alice", PublicKey: bytes.Repeat([]byte{1}, 32)}
	bob := PeerDescriptor{ConnectionID: connid.MustParse("222-222-222"), DisplayName: "bob", PublicKey: bytes.Repeat([]byte{2}, 32)}

	if err := store.Pin(alice); err != nil {
		t.Fatalf("Pin alice: %v", err)
	}
	fake.Advance(time.Hour)
	renamed := alice
	renamed.DisplayName = "alice laptop"
	if err := store.Pin(renamed); err != nil {
		t.Fatalf("Pin renamed alice: %v", err)
	}
	if err := store.Pin(bob); err != nil {
		t.Fatalf("Pin bob: %v", err)
	}

	history, err := store.History(alice.ConnectionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d records, want 2", len(history))
	}
	latest, found, err := store.Lookup(alice.ConnectionID)
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if latest.DisplayName != "alice laptop" {
		t.Fatalf("latest display name %q", latest.DisplayName)
	}
	if !latest.LastSeen.After(history[0].LastSeen) {
		t.Fatal("latest record is not newer than the first")
	}

	peers, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(peers) != 2 || peers[0].DisplayName != "alice laptop" || peers[1].DisplayName != "bob" {
		t.Fatalf("List = %+v", peers)
	}
}

func TestKnownPeersPinRejectsNewKey(t *testing.T) {
	store, err := OpenKnownPeers("", nil)
	if err != nil {
		t.Fatalf("OpenKnownPeers: %v", err)
	}
	defer store.Close()

	peer := PeerDescriptor{ConnectionID: connid.MustParse("333-333-333"), PublicKey: bytes.Repeat([]byte{3}, 32)}
	if err := store.Pin(peer); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	impostor := peer
	impostor.PublicKey = bytes.Repeat([]byte{4}, 32)
	if err := store.Pin(impostor); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("Pin impostor = %v, want ErrKeyMismatch", err)
	}
	history, _ := store.History(peer.ConnectionID)
	if len(history) != 1 {
		t.Fatalf("impostor sighting was recorded: %d records", len(history))
	}
}

func TestKnownPeersSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), KnownPeersDir)
	store, err := OpenKnownPeers(path, nil)
	if err != nil {
		t.Fatalf("OpenKnownPeers: %v", err)
	}
	peer := PeerDescriptor{ConnectionID: connid.MustParse("444-444-444"), PublicKey: bytes.Repeat([]byte{5}, 32)}
	if err := store.Record(peer); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenKnownPeers(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Record(peer); err != nil {
		t.Fatalf("Record after reopen: %v", err)
	}
	history, err := reopened.History(peer.ConnectionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d records, want 2", len(history))
	}
}

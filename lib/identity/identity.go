// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/host"

	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/sealed"
	"github.com/bureau-foundation/peerdesk/lib/secret"
)

// File names inside the state directory.
const (
	KeyFile          = "identity.key"
	PublicKeyFile    = "identity.pub"
	ConnectionIDFile = "connection_id"
	KnownPeersDir    = "known_peers"
)

// ErrBadSignature is returned by Verify when a signature does not
// check out.
var ErrBadSignature = errors.New("identity: signature verification failed")

// PeerDescriptor describes a remote node. Two descriptors are the same
// peer when their connection IDs match.
type PeerDescriptor struct {
	ConnectionID connid.ID         `cbor:"connection_id" json:"connection_id"`
	DisplayName  string            `cbor:"display_name" json:"display_name"`
	PublicKey    ed25519.PublicKey `cbor:"public_key" json:"public_key"`
	LastSeen     time.Time         `cbor:"last_seen" json:"last_seen"`
}

// SamePeer reports whether two descriptors name the same node.
func (p PeerDescriptor) SamePeer(other PeerDescriptor) bool {
	return p.ConnectionID == other.ConnectionID
}

// Fingerprint returns the short human-comparable digest of the peer's
// public key.
func (p PeerDescriptor) Fingerprint() string {
	return Fingerprint(p.PublicKey)
}

// Fingerprint is the unpadded base64 of the first 8 bytes of
// SHA-256(publicKey). It is shown to users for out-of-band checks.
func Fingerprint(publicKey []byte) string {
	digest := sha256.Sum256(publicKey)
	return base64.RawStdEncoding.EncodeToString(digest[:8])
}

// Identity is the local node's long-lived keypair and connection ID.
// It is read-only after construction and safe to share between
// sessions.
type Identity struct {
	ConnectionID connid.ID
	DisplayName  string
	PublicKey    ed25519.PublicKey

	// seed is the locked copy used for persistence.
	seed *secret.Buffer

	// signingKey lives on the Go heap: crypto/ed25519 caches per-key
	// state through weak pointers, which cannot refer to mmap'd memory.
	signingKey ed25519.PrivateKey
}

// New builds an identity from a 32-byte Ed25519 seed. The seed slice
// is zeroed.
func New(id connid.ID, displayName string, seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	signingKey := ed25519.NewKeyFromSeed(seed)
	publicKey := bytes.Clone(signingKey[ed25519.SeedSize:])
	buffer, err := secret.FromBytes(seed)
	if err != nil {
		secret.Zero(signingKey)
		return nil, fmt.Errorf("identity: protecting seed: %w", err)
	}
	return &Identity{
		ConnectionID: id,
		DisplayName:  displayName,
		PublicKey:    publicKey,
		seed:         buffer,
		signingKey:   signingKey,
	}, nil
}

// Generate creates a fresh identity with a random connection ID. When
// random is nil crypto/rand is used.
func Generate(random io.Reader, displayName string) (*Identity, error) {
	if random == nil {
		random = rand.Reader
	}
	id, err := connid.Generate(random)
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("identity: generating seed: %w", err)
	}
	return New(id, displayName, seed)
}

// Sign signs message with the identity key.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.signingKey, message)
}

// Public returns the identity public key.
func (i *Identity) Public() ed25519.PublicKey {
	return i.PublicKey
}

// Descriptor returns the descriptor peers learn about this node.
func (i *Identity) Descriptor() PeerDescriptor {
	return PeerDescriptor{
		ConnectionID: i.ConnectionID,
		DisplayName:  i.DisplayName,
		PublicKey:    bytes.Clone(i.PublicKey),
	}
}

// Fingerprint returns the local key's fingerprint.
func (i *Identity) Fingerprint() string {
	return Fingerprint(i.PublicKey)
}

// Close wipes the private key.
func (i *Identity) Close() error {
	secret.Zero(i.signingKey)
	return i.seed.Close()
}

// seedCopy returns a copy of the 32-byte seed for persistence.
func (i *Identity) seedCopy() []byte {
	return bytes.Clone(i.seed.Bytes())
}

// Verify checks an Ed25519 signature.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key is %d bytes", ErrBadSignature, len(publicKey))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return ErrBadSignature
	}
	return nil
}

// Options controls LoadOrCreate.
type Options struct {
	// Dir is the state directory. Created with mode 0700 if missing.
	Dir string

	// DisplayName defaults to the host name.
	DisplayName string

	// Passphrase, when set, seals identity.key with age scrypt.
	Passphrase string

	// WorkFactor overrides the scrypt work factor for new key files.
	WorkFactor int

	// Random overrides crypto/rand on first launch.
	Random io.Reader
}

// LoadOrCreate reads the identity from opts.Dir, creating it on first
// launch.
func LoadOrCreate(opts Options) (*Identity, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("identity: state directory is required")
	}
	if opts.DisplayName == "" {
		opts.DisplayName = defaultDisplayName()
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: creating state directory: %w", err)
	}

	keyPath := filepath.Join(opts.Dir, KeyFile)
	keyData, err := os.ReadFile(keyPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return create(opts)
	case err != nil:
		return nil, fmt.Errorf("identity: reading %s: %w", keyPath, err)
	}
	return load(opts, keyData)
}

func create(opts Options) (*Identity, error) {
	identity, err := Generate(opts.Random, opts.DisplayName)
	if err != nil {
		return nil, err
	}
	seed := identity.seedCopy()
	defer secret.Zero(seed)

	keyData := seed
	if opts.Passphrase != "" {
		keyData, err = sealed.Seal(seed, opts.Passphrase, opts.WorkFactor)
		if err != nil {
			identity.Close()
			return nil, fmt.Errorf("identity: sealing key: %w", err)
		}
	}

	files := []struct {
		name string
		data []byte
	}{
		{KeyFile, keyData},
		{PublicKeyFile, []byte(base64.StdEncoding.EncodeToString(identity.PublicKey) + "\n")},
		{ConnectionIDFile, []byte(identity.ConnectionID.Digits() + "\n")},
	}
	for _, file := range files {
		if err := writeFileAtomic(filepath.Join(opts.Dir, file.name), file.data, 0o600); err != nil {
			identity.Close()
			return nil, err
		}
	}
	return identity, nil
}

func load(opts Options, keyData []byte) (*Identity, error) {
	var seed []byte
	if sealed.IsSealed(keyData) {
		if opts.Passphrase == "" {
			return nil, fmt.Errorf("identity: %s is sealed and no passphrase was given", KeyFile)
		}
		opened, err := sealed.Open(keyData, opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("identity: opening %s: %w", KeyFile, err)
		}
		defer opened.Close()
		seed = bytes.Clone(opened.Bytes())
	} else {
		seed = keyData
	}

	idData, err := os.ReadFile(filepath.Join(opts.Dir, ConnectionIDFile))
	if err != nil {
		secret.Zero(seed)
		return nil, fmt.Errorf("identity: reading %s: %w", ConnectionIDFile, err)
	}
	id, err := connid.Parse(strings.TrimSpace(string(idData)))
	if err != nil {
		secret.Zero(seed)
		return nil, fmt.Errorf("identity: %s: %w", ConnectionIDFile, err)
	}

	identity, err := New(id, opts.DisplayName, seed)
	if err != nil {
		return nil, err
	}

	publicData, err := os.ReadFile(filepath.Join(opts.Dir, PublicKeyFile))
	if err != nil {
		identity.Close()
		return nil, fmt.Errorf("identity: reading %s: %w", PublicKeyFile, err)
	}
	stored, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(publicData)))
	if err != nil || !bytes.Equal(stored, identity.PublicKey) {
		identity.Close()
		return nil, fmt.Errorf("identity: %s does not match %s", PublicKeyFile, KeyFile)
	}
	return identity, nil
}

func defaultDisplayName() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "peerdesk"
}

// writeFileAtomic writes data to a temporary sibling, syncs it and
// renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("identity: creating temporary for %s: %w", path, err)
	}
	temporaryPath := temporary.Name()
	cleanup := func() {
		temporary.Close()
		os.Remove(temporaryPath)
	}
	if err := temporary.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("identity: chmod %s: %w", temporaryPath, err)
	}
	if _, err := temporary.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("identity: writing %s: %w", temporaryPath, err)
	}
	if err := temporary.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("identity: syncing %s: %w", temporaryPath, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("identity: closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("identity: renaming into %s: %w", path, err)
	}
	return nil
}

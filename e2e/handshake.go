// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/peerdesk/lib/secret"
)

// KeySize is the size of shared secrets and AEAD keys.
const KeySize = 32

// Role is the local side of the session negotiation.
type Role uint8

const (
	Offerer Role = iota + 1
	Answerer
)

func (r Role) String() string {
	switch r {
	case Offerer:
		return "offerer"
	case Answerer:
		return "answerer"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == Offerer {
		return Answerer
	}
	return Offerer
}

// Domain separation strings.
var (
	helloContext  = []byte("peerdesk.hello.v1")
	rekeyContext  = []byte("peerdesk.rekey.v1")
	sharedContext = []byte("peerdesk.shared.v1")

	// Direction tags appended to the session ID when deriving the
	// send and receive keys.
	tagOffererToAnswerer = []byte("s→r")
	tagAnswererToOfferer = []byte("r→s")
)

// Signer produces Ed25519 signatures with the local identity key.
type Signer interface {
	Sign(message []byte) []byte
	Public() ed25519.PublicKey
}

// Hello is one side's key agreement message.
type Hello struct {
	SessionID   []byte `cbor:"session_id"`
	Role        Role   `cbor:"role"`
	IdentityKey []byte `cbor:"identity_key"`
	Ephemeral   []byte `cbor:"ephemeral"`
	Signature   []byte `cbor:"signature"`
}

// Handshake is one side of a key agreement in progress.
type Handshake struct {
	signer    Signer
	role      Role
	sessionID []byte
	ephemeral *secret.Buffer
	hello     Hello
}

// NewHandshake draws an ephemeral key and signs the local Hello.
// random defaults to crypto/rand.
func NewHandshake(signer Signer, sessionID []byte, role Role, random io.Reader) (*Handshake, error) {
	if len(sessionID) == 0 {
		return nil, fmt.Errorf("%w: empty session id", ErrAgreementFailed)
	}
	private, public, err := generateEphemeral(random)
	if err != nil {
		return nil, err
	}
	hello := Hello{
		SessionID:   bytes.Clone(sessionID),
		Role:        role,
		IdentityKey: bytes.Clone(signer.Public()),
		Ephemeral:   public,
	}
	hello.Signature = signer.Sign(helloTranscript(hello))
	return &Handshake{
		signer:    signer,
		role:      role,
		sessionID: hello.SessionID,
		ephemeral: private,
		hello:     hello,
	}, nil
}

// Hello returns the message to send to the peer.
func (h *Handshake) Hello() Hello { return h.hello }

// Role returns the local role.
func (h *Handshake) Role() Role { return h.role }

// Complete verifies the peer's Hello against the identity key learned
// out of band and returns the shared secret. The ephemeral private key
// is wiped whether or not agreement succeeds.
func (h *Handshake) Complete(peer Hello, expectedIdentity ed25519.PublicKey) (*secret.Buffer, error) {
	defer h.ephemeral.Close()

	if err := verifyHello(peer, h.sessionID, h.role.Peer(), expectedIdentity); err != nil {
		return nil, err
	}
	offerer, answerer := h.hello.Ephemeral, peer.Ephemeral
	if h.role == Answerer {
		offerer, answerer = answerer, offerer
	}
	return agree(h.ephemeral.Bytes(), peer.Ephemeral, h.sessionID, offerer, answerer)
}

// Close wipes the ephemeral key if Complete was never called.
func (h *Handshake) Close() error { return h.ephemeral.Close() }

func verifyHello(peer Hello, sessionID []byte, role Role, expectedIdentity ed25519.PublicKey) error {
	if !bytes.Equal(peer.SessionID, sessionID) {
		return fmt.Errorf("%w: hello for another session", ErrAgreementFailed)
	}
	if peer.Role != role {
		return fmt.Errorf("%w: peer claims role %v, want %v", ErrAgreementFailed, peer.Role, role)
	}
	if len(expectedIdentity) != ed25519.PublicKeySize || !bytes.Equal(peer.IdentityKey, expectedIdentity) {
		return fmt.Errorf("%w: peer identity key does not match the advertised key", ErrAgreementFailed)
	}
	if len(peer.Ephemeral) != curve25519.PointSize {
		return fmt.Errorf("%w: ephemeral key is %d bytes", ErrAgreementFailed, len(peer.Ephemeral))
	}
	if !ed25519.Verify(expectedIdentity, helloTranscript(peer), peer.Signature) {
		return fmt.Errorf("%w: bad hello signature", ErrAgreementFailed)
	}
	return nil
}

// helloTranscript is the byte string a Hello signature covers.
func helloTranscript(hello Hello) []byte {
	transcript := make([]byte, 0, len(helloContext)+len(hello.SessionID)+1+len(hello.IdentityKey)+len(hello.Ephemeral))
	transcript = append(transcript, helloContext...)
	transcript = appendLengthPrefixed(transcript, hello.SessionID)
	transcript = append(transcript, byte(hello.Role))
	transcript = appendLengthPrefixed(transcript, hello.IdentityKey)
	return appendLengthPrefixed(transcript, hello.Ephemeral)
}

func appendLengthPrefixed(buffer, field []byte) []byte {
	buffer = append(buffer, byte(len(field)>>8), byte(len(field)))
	return append(buffer, field...)
}

func generateEphemeral(random io.Reader) (*secret.Buffer, []byte, error) {
	if random == nil {
		random = rand.Reader
	}
	scalar := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(random, scalar); err != nil {
		return nil, nil, fmt.Errorf("e2e: generating ephemeral key: %w", err)
	}
	public, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		secret.Zero(scalar)
		return nil, nil, fmt.Errorf("e2e: computing ephemeral public key: %w", err)
	}
	private, err := secret.FromBytes(scalar)
	if err != nil {
		return nil, nil, err
	}
	return private, public, nil
}

// agree computes the HKDF-expanded X25519 shared secret.
func agree(private, peerPublic, sessionID, offererEphemeral, answererEphemeral []byte) (*secret.Buffer, error) {
	dh, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgreementFailed, err)
	}
	defer secret.Zero(dh)

	info := make([]byte, 0, len(sharedContext)+2*curve25519.PointSize)
	info = append(info, sharedContext...)
	info = append(info, offererEphemeral...)
	info = append(info, answererEphemeral...)
	return expand(dh, sessionID, info)
}

// DeriveKey is the one-way KDF from the shared secret to an AEAD key:
// HKDF-SHA256 with info = sessionID ∥ directionTag.
func DeriveKey(shared, sessionID, directionTag []byte) (*secret.Buffer, error) {
	info := make([]byte, 0, len(sessionID)+len(directionTag))
	info = append(info, sessionID...)
	info = append(info, directionTag...)
	return expand(shared, nil, info)
}

func expand(inputKey, salt, info []byte) (*secret.Buffer, error) {
	output := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, inputKey, salt, info), output); err != nil {
		return nil, fmt.Errorf("e2e: hkdf: %w", err)
	}
	return secret.FromBytes(output)
}

// directionKeys derives (send, receive) keys for role.
func directionKeys(shared, sessionID []byte, role Role) (*secret.Buffer, *secret.Buffer, error) {
	offererKey, err := DeriveKey(shared, sessionID, tagOffererToAnswerer)
	if err != nil {
		return nil, nil, err
	}
	answererKey, err := DeriveKey(shared, sessionID, tagAnswererToOfferer)
	if err != nil {
		offererKey.Close()
		return nil, nil, err
	}
	if role == Offerer {
		return offererKey, answererKey, nil
	}
	return answererKey, offererKey, nil
}

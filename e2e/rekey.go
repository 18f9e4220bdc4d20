// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/bureau-foundation/peerdesk/lib/secret"
)

// RekeyRequest opens a key rotation. Both rekey messages carry a fresh
// signed ephemeral key for the next epoch.
type RekeyRequest struct {
	Epoch     uint8  `cbor:"epoch"`
	Ephemeral []byte `cbor:"ephemeral"`
	Signature []byte `cbor:"signature"`
}

// RekeyAck answers a RekeyRequest.
type RekeyAck struct {
	Epoch     uint8  `cbor:"epoch"`
	Ephemeral []byte `cbor:"ephemeral"`
	Signature []byte `cbor:"signature"`
}

type pendingRekey struct {
	epoch     uint8
	ephemeral *secret.Buffer
	public    []byte
}

// BeginRekey starts a rotation and returns the request to send on the
// control channel. Calling it while a rotation is outstanding returns
// the outstanding request again.
func (k *SessionKeys) BeginRekey(random io.Reader) (RekeyRequest, error) {
	k.rekeyMu.Lock()
	defer k.rekeyMu.Unlock()

	if pending := k.pendingRekey; pending != nil {
		return RekeyRequest{Epoch: pending.epoch, Ephemeral: bytes.Clone(pending.public), Signature: k.signRekey(k.role, pending.epoch, pending.public)}, nil
	}
	epoch, err := k.nextEpoch()
	if err != nil {
		return RekeyRequest{}, err
	}
	private, public, err := generateEphemeral(random)
	if err != nil {
		return RekeyRequest{}, err
	}
	k.pendingRekey = &pendingRekey{epoch: epoch, ephemeral: private, public: public}
	return RekeyRequest{Epoch: epoch, Ephemeral: bytes.Clone(public), Signature: k.signRekey(k.role, epoch, public)}, nil
}

// AcceptRekey answers a peer's request. The new receive key is usable
// immediately; the new send key is staged and takes effect at
// CommitRekey, which the caller invokes after sending the ack so the
// ack itself still travels under the old key.
//
// If both sides started a rotation at once the offerer's wins: an
// offerer returns ErrRekeyCollision and keeps waiting for its own ack,
// while an answerer abandons its request and accepts.
func (k *SessionKeys) AcceptRekey(request RekeyRequest, random io.Reader) (RekeyAck, error) {
	k.rekeyMu.Lock()
	defer k.rekeyMu.Unlock()

	if k.pendingRekey != nil {
		if k.role == Offerer {
			return RekeyAck{}, ErrRekeyCollision
		}
		k.pendingRekey.ephemeral.Close()
		k.pendingRekey = nil
	}
	epoch, err := k.nextEpoch()
	if err != nil {
		return RekeyAck{}, err
	}
	if request.Epoch != epoch {
		return RekeyAck{}, fmt.Errorf("%w: rekey to epoch %d, expected %d", ErrAgreementFailed, request.Epoch, epoch)
	}
	if err := k.verifyRekey(k.role.Peer(), request.Epoch, request.Ephemeral, request.Signature); err != nil {
		return RekeyAck{}, err
	}

	private, public, err := generateEphemeral(random)
	if err != nil {
		return RekeyAck{}, err
	}
	defer private.Close()
	if err := k.rotate(epoch, private.Bytes(), public, request.Ephemeral, false); err != nil {
		return RekeyAck{}, err
	}
	return RekeyAck{Epoch: epoch, Ephemeral: public, Signature: k.signRekey(k.role, epoch, public)}, nil
}

// CommitRekey switches sending to the key staged by AcceptRekey.
func (k *SessionKeys) CommitRekey() {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	if k.staged == nil {
		return
	}
	if k.send != nil {
		k.send.key.Close()
	}
	k.send, k.staged = k.staged, nil
}

// CompleteRekey finishes a rotation this side started.
func (k *SessionKeys) CompleteRekey(ack RekeyAck) error {
	k.rekeyMu.Lock()
	defer k.rekeyMu.Unlock()

	pending := k.pendingRekey
	if pending == nil {
		return fmt.Errorf("%w: unsolicited rekey ack", ErrAgreementFailed)
	}
	if ack.Epoch != pending.epoch {
		return fmt.Errorf("%w: ack for epoch %d, requested %d", ErrAgreementFailed, ack.Epoch, pending.epoch)
	}
	if err := k.verifyRekey(k.role.Peer(), ack.Epoch, ack.Ephemeral, ack.Signature); err != nil {
		return err
	}
	k.pendingRekey = nil
	defer pending.ephemeral.Close()
	return k.rotate(pending.epoch, pending.ephemeral.Bytes(), pending.public, ack.Ephemeral, true)
}

// RekeyPending reports whether a locally started rotation awaits its
// ack.
func (k *SessionKeys) RekeyPending() bool {
	k.rekeyMu.Lock()
	defer k.rekeyMu.Unlock()
	return k.pendingRekey != nil
}

// rotate derives the epoch's keys and installs them. The receive key
// switches now and the old one stays usable until PreviousKeyGrace has
// passed and a packet has opened under the new one. The
// send key switches now when switchSend is set, otherwise it is staged.
func (k *SessionKeys) rotate(epoch uint8, private, localPublic, peerPublic []byte, switchSend bool) error {
	offerer, answerer := localPublic, peerPublic
	if k.role == Answerer {
		offerer, answerer = peerPublic, localPublic
	}
	salt := append(bytes.Clone(k.sessionID), epoch)
	shared, err := agree(private, peerPublic, salt, offerer, answerer)
	if err != nil {
		return err
	}
	defer shared.Close()
	send, recv, err := k.buildKeys(shared.Bytes(), epoch)
	if err != nil {
		return err
	}

	k.recvMu.Lock()
	if k.previous != nil {
		k.previous.key.Close()
	}
	k.previous = k.current
	k.previousUntil = k.clock.Now().Add(k.config.PreviousKeyGrace)
	k.current = recv
	k.recvMu.Unlock()

	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	if switchSend {
		if k.send != nil {
			k.send.key.Close()
		}
		k.send = send
		return nil
	}
	if k.staged != nil {
		k.staged.key.Close()
	}
	k.staged = send
	return nil
}

func (k *SessionKeys) nextEpoch() (uint8, error) {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	if k.send == nil {
		return 0, ErrNoKeys
	}
	return k.send.epoch + 1, nil
}

func (k *SessionKeys) signRekey(role Role, epoch uint8, ephemeral []byte) []byte {
	return k.signer.Sign(rekeyTranscript(k.sessionID, role, epoch, ephemeral))
}

func (k *SessionKeys) verifyRekey(role Role, epoch uint8, ephemeral, signature []byte) error {
	if len(ephemeral) != curve25519.PointSize {
		return fmt.Errorf("%w: rekey ephemeral is %d bytes", ErrAgreementFailed, len(ephemeral))
	}
	if !ed25519.Verify(k.peerIdentity, rekeyTranscript(k.sessionID, role, epoch, ephemeral), signature) {
		return fmt.Errorf("%w: bad rekey signature", ErrAgreementFailed)
	}
	return nil
}

func rekeyTranscript(sessionID []byte, role Role, epoch uint8, ephemeral []byte) []byte {
	transcript := make([]byte, 0, len(rekeyContext)+len(sessionID)+4+len(ephemeral))
	transcript = append(transcript, rekeyContext...)
	transcript = appendLengthPrefixed(transcript, sessionID)
	transcript = append(transcript, byte(role), epoch)
	return appendLengthPrefixed(transcript, ephemeral)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"bytes"
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/identity"
	"github.com/bureau-foundation/peerdesk/lib/secret"
	"github.com/bureau-foundation/peerdesk/media"
)

// NonceSize is the AEAD nonce length used by both ciphers.
const NonceSize = 12

const (
	extensionFlags   = 1
	payloadTypeVideo = 96
	payloadTypeAudio = 111
)

// SessionKeys is the crypto state of one session: the directional
// keys, the send counters and the receive replay windows. Seal and
// open only touch local state and may be called from any goroutine.
type SessionKeys struct {
	config       Config
	clock        clock.Clock
	role         Role
	sessionID    []byte
	peerIdentity ed25519.PublicKey
	signer       Signer

	sendMu sync.Mutex
	send   *sendKey
	staged *sendKey

	recvMu        sync.Mutex
	current       *recvKey
	previous      *recvKey
	previousUntil time.Time
	unwrappers    map[uint32]*sequenceUnwrapper

	rekeyMu      sync.Mutex
	pendingRekey *pendingRekey

	rekeyDue chan struct{}

	replayDrops  atomic.Uint64
	authFailures atomic.Uint64
}

type sendKey struct {
	epoch       uint8
	key         *secret.Buffer
	aead        cipher.AEAD
	sequence    uint64
	control     uint64
	installedAt time.Time
	signalled   bool
}

type recvKey struct {
	epoch          uint8
	key            *secret.Buffer
	aead           cipher.AEAD
	windows        map[uint32]*ReplayWindow
	controlHighest uint64
	storms         map[uint32]*stormTracker

	// seen is set once a packet authenticates under this key.
	seen bool
}

type stormTracker struct {
	consecutive int
	firstAt     time.Time
}

// Stats is a snapshot of crypto counters.
type Stats struct {
	Epoch        uint8
	SendSequence uint64
	ReplayDrops  uint64
	AuthFailures uint64
}

// Install derives the directional keys from shared and returns the
// session's crypto state. shared stays owned by the caller.
func Install(config Config, clk clock.Clock, signer Signer, role Role, sessionID []byte, shared *secret.Buffer, peerIdentity ed25519.PublicKey) (*SessionKeys, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	keys := &SessionKeys{
		config:       config,
		clock:        clk,
		role:         role,
		sessionID:    bytes.Clone(sessionID),
		peerIdentity: bytes.Clone(peerIdentity),
		signer:       signer,
		unwrappers:   make(map[uint32]*sequenceUnwrapper),
		rekeyDue:     make(chan struct{}, 1),
	}
	send, recv, err := keys.buildKeys(shared.Bytes(), 0)
	if err != nil {
		return nil, err
	}
	keys.send = send
	keys.current = recv
	return keys, nil
}

func (k *SessionKeys) buildKeys(shared []byte, epoch uint8) (*sendKey, *recvKey, error) {
	sendBuffer, recvBuffer, err := directionKeys(shared, k.sessionID, k.role)
	if err != nil {
		return nil, nil, err
	}
	sendAEAD, err := k.config.newAEAD(sendBuffer.Bytes())
	if err != nil {
		sendBuffer.Close()
		recvBuffer.Close()
		return nil, nil, fmt.Errorf("e2e: building send cipher: %w", err)
	}
	recvAEAD, err := k.config.newAEAD(recvBuffer.Bytes())
	if err != nil {
		sendBuffer.Close()
		recvBuffer.Close()
		return nil, nil, fmt.Errorf("e2e: building receive cipher: %w", err)
	}
	send := &sendKey{epoch: epoch, key: sendBuffer, aead: sendAEAD, installedAt: k.clock.Now()}
	recv := &recvKey{
		epoch:   epoch,
		key:     recvBuffer,
		aead:    recvAEAD,
		windows: make(map[uint32]*ReplayWindow),
		storms:  make(map[uint32]*stormTracker),
	}
	return send, recv, nil
}

// Role returns the local role.
func (k *SessionKeys) Role() Role { return k.role }

// PeerFingerprint returns the fingerprint of the peer identity key.
func (k *SessionKeys) PeerFingerprint() string { return identity.Fingerprint(k.peerIdentity) }

// RekeyDue delivers a value when the current send key passes three
// quarters of its packet budget or its rotation age.
func (k *SessionKeys) RekeyDue() <-chan struct{} { return k.rekeyDue }

// NeedsRekey reports whether the current send key is due for rotation.
func (k *SessionKeys) NeedsRekey() bool {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	return k.dueLocked(k.send)
}

func (k *SessionKeys) dueLocked(send *sendKey) bool {
	if send == nil {
		return false
	}
	return send.sequence >= k.config.PacketBudget/4*3 || k.clock.Now().Sub(send.installedAt) >= k.config.RotateAfter
}

// SealMedia encrypts packet into its wire form.
func (k *SessionKeys) SealMedia(packet media.EncodedPacket) ([]byte, error) {
	if packet.StreamID == media.ControlStream {
		return nil, fmt.Errorf("e2e: stream id %#x is reserved", packet.StreamID)
	}
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	send := k.send
	if send == nil {
		return nil, ErrNoKeys
	}
	if send.sequence >= k.config.PacketBudget {
		k.signalRekeyLocked(send)
		return nil, ErrKeyExpired
	}
	send.sequence++
	if k.dueLocked(send) {
		k.signalRekeyLocked(send)
	}

	header := mediaHeader(packet, send.epoch)
	encoded, err := header.Marshal()
	if err != nil {
		return nil, fmt.Errorf("e2e: encoding media header: %w", err)
	}
	nonce := makeNonce(send.sequence, packet.StreamID)
	aad := mediaAAD(packet.StreamID, packet.TimestampRTP, packet.Flags, send.epoch, header.SequenceNumber)

	out := make([]byte, 0, len(encoded)+NonceSize+len(packet.Payload)+send.aead.Overhead())
	out = append(out, encoded...)
	out = append(out, nonce[:]...)
	return send.aead.Seal(out, nonce[:], packet.Payload, aad), nil
}

// OpenMedia authenticates and decrypts a sealed media packet.
// Replays return ErrReplayDetected; forgeries return ErrAuthFailed,
// or ErrAuthStorm once a stream crosses the failure threshold.
func (k *SessionKeys) OpenMedia(blob []byte) (media.EncodedPacket, error) {
	var header rtp.Header
	consumed, err := header.Unmarshal(blob)
	if err != nil || header.Version != 2 {
		return media.EncodedPacket{}, fmt.Errorf("%w: rtp header", ErrMalformed)
	}
	extension := header.GetExtension(extensionFlags)
	if len(extension) != 2 {
		return media.EncodedPacket{}, fmt.Errorf("%w: missing flags extension", ErrMalformed)
	}
	flags, epoch := media.Flags(extension[0]), extension[1]
	body := blob[consumed:]
	if len(body) < NonceSize {
		return media.EncodedPacket{}, fmt.Errorf("%w: truncated nonce", ErrMalformed)
	}
	nonce, ciphertext := body[:NonceSize], body[NonceSize:]
	sequence := binary.BigEndian.Uint64(nonce[:8])
	stream := header.SSRC

	k.recvMu.Lock()
	defer k.recvMu.Unlock()
	recv := k.keyForEpochLocked(epoch)
	if recv == nil {
		if k.current == nil {
			return media.EncodedPacket{}, ErrNoKeys
		}
		return media.EncodedPacket{}, k.authFailureLocked(k.current, stream)
	}
	if binary.BigEndian.Uint32(nonce[8:]) != stream ||
		header.Marker != flags.Has(media.FlagKeyframe) ||
		header.PayloadType != payloadTypeFor(flags) {
		return media.EncodedPacket{}, k.authFailureLocked(recv, stream)
	}

	window := recv.windows[stream]
	if window == nil {
		window = NewReplayWindow(k.config.ReplayWindow)
		recv.windows[stream] = window
	}
	if !window.Check(sequence) {
		k.replayDrops.Add(1)
		return media.EncodedPacket{}, ErrReplayDetected
	}

	aad := mediaAAD(stream, header.Timestamp, flags, epoch, header.SequenceNumber)
	plaintext, err := recv.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return media.EncodedPacket{}, k.authFailureLocked(recv, stream)
	}
	window.Accept(sequence)
	delete(recv.storms, stream)
	k.acceptedLocked(recv)

	unwrapper := k.unwrappers[stream]
	if unwrapper == nil {
		unwrapper = &sequenceUnwrapper{}
		k.unwrappers[stream] = unwrapper
	}
	return media.EncodedPacket{
		StreamID:     stream,
		Sequence:     unwrapper.unwrap(header.SequenceNumber),
		TimestampRTP: header.Timestamp,
		Flags:        flags,
		Payload:      plaintext,
	}, nil
}

// SealControl encrypts a control message under the send key. The tag
// byte travels in the clear and is authenticated.
func (k *SessionKeys) SealControl(tag byte, plaintext []byte) ([]byte, error) {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	return k.sealControlLocked(k.send, tag, plaintext)
}

func (k *SessionKeys) sealControlLocked(send *sendKey, tag byte, plaintext []byte) ([]byte, error) {
	if send == nil {
		return nil, ErrNoKeys
	}
	if send.control == ^uint64(0) {
		return nil, ErrKeyExpired
	}
	send.control++
	nonce := makeNonce(send.control, media.ControlStream)
	aad := []byte{tag, send.epoch}
	out := make([]byte, 0, 2+NonceSize+len(plaintext)+send.aead.Overhead())
	out = append(out, aad...)
	out = append(out, nonce[:]...)
	return send.aead.Seal(out, nonce[:], plaintext, aad), nil
}

// OpenControl decrypts a frame produced by SealControl. Control
// sequence numbers must strictly increase within an epoch.
func (k *SessionKeys) OpenControl(frame []byte) (byte, []byte, error) {
	if len(frame) < 2+NonceSize {
		return 0, nil, fmt.Errorf("%w: control frame is %d bytes", ErrMalformed, len(frame))
	}
	tag, epoch := frame[0], frame[1]
	nonce, ciphertext := frame[2:2+NonceSize], frame[2+NonceSize:]
	if binary.BigEndian.Uint32(nonce[8:]) != media.ControlStream {
		return 0, nil, ErrAuthFailed
	}
	sequence := binary.BigEndian.Uint64(nonce[:8])

	k.recvMu.Lock()
	defer k.recvMu.Unlock()
	recv := k.keyForEpochLocked(epoch)
	if recv == nil {
		k.authFailures.Add(1)
		return 0, nil, ErrAuthFailed
	}
	if sequence <= recv.controlHighest {
		k.replayDrops.Add(1)
		return 0, nil, ErrReplayDetected
	}
	plaintext, err := recv.aead.Open(nil, nonce, ciphertext, frame[:2])
	if err != nil {
		k.authFailures.Add(1)
		return 0, nil, ErrAuthFailed
	}
	recv.controlHighest = sequence
	k.acceptedLocked(recv)
	return tag, plaintext, nil
}

// Stats returns a snapshot of the counters.
func (k *SessionKeys) Stats() Stats {
	k.sendMu.Lock()
	stats := Stats{ReplayDrops: k.replayDrops.Load(), AuthFailures: k.authFailures.Load()}
	if k.send != nil {
		stats.Epoch = k.send.epoch
		stats.SendSequence = k.send.sequence
	}
	k.sendMu.Unlock()
	return stats
}

// Close wipes every key.
func (k *SessionKeys) Close() error {
	k.sendMu.Lock()
	for _, send := range []*sendKey{k.send, k.staged} {
		if send != nil {
			send.key.Close()
		}
	}
	k.send, k.staged = nil, nil
	k.sendMu.Unlock()

	k.recvMu.Lock()
	for _, recv := range []*recvKey{k.current, k.previous} {
		if recv != nil {
			recv.key.Close()
		}
	}
	k.current, k.previous = nil, nil
	k.recvMu.Unlock()

	k.rekeyMu.Lock()
	if k.pendingRekey != nil {
		k.pendingRekey.ephemeral.Close()
		k.pendingRekey = nil
	}
	k.rekeyMu.Unlock()
	return nil
}

func (k *SessionKeys) keyForEpochLocked(epoch uint8) *recvKey {
	if k.current != nil && k.current.epoch == epoch {
		return k.current
	}
	if k.previous != nil && k.previous.epoch == epoch {
		if !k.previousExpiredLocked() {
			return k.previous
		}
		k.previous.key.Close()
		k.previous = nil
	}
	return nil
}

// previousExpiredLocked reports whether the previous receive key may
// go: the grace has passed and traffic has arrived under the current
// key, whichever happens later.
func (k *SessionKeys) previousExpiredLocked() bool {
	return k.current != nil && k.current.seen && !k.clock.Now().Before(k.previousUntil)
}

// acceptedLocked records a successful open under recv and retires the
// previous key once it has expired.
func (k *SessionKeys) acceptedLocked(recv *recvKey) {
	recv.seen = true
	if recv == k.current && k.previous != nil && k.previousExpiredLocked() {
		k.previous.key.Close()
		k.previous = nil
	}
}

// authFailureLocked counts a failure and reports whether the stream is
// now in an auth storm.
func (k *SessionKeys) authFailureLocked(recv *recvKey, stream uint32) error {
	k.authFailures.Add(1)
	now := k.clock.Now()
	tracker := recv.storms[stream]
	if tracker == nil || now.Sub(tracker.firstAt) > k.config.AuthStormWindow {
		tracker = &stormTracker{firstAt: now}
		recv.storms[stream] = tracker
	}
	tracker.consecutive++
	if tracker.consecutive >= k.config.AuthStormCount {
		return ErrAuthStorm
	}
	return ErrAuthFailed
}

func (k *SessionKeys) signalRekeyLocked(send *sendKey) {
	if send.signalled {
		return
	}
	send.signalled = true
	select {
	case k.rekeyDue <- struct{}{}:
	default:
	}
}

func mediaHeader(packet media.EncodedPacket, epoch uint8) rtp.Header {
	header := rtp.Header{
		Version:        2,
		Marker:         packet.Flags.Has(media.FlagKeyframe),
		PayloadType:    payloadTypeFor(packet.Flags),
		SequenceNumber: uint16(packet.Sequence),
		Timestamp:      packet.TimestampRTP,
		SSRC:           packet.StreamID,
	}
	// A two-byte payload always fits the one-byte profile.
	_ = header.SetExtension(extensionFlags, []byte{byte(packet.Flags), epoch})
	return header
}

func payloadTypeFor(flags media.Flags) uint8 {
	if flags.Has(media.FlagAudio) {
		return payloadTypeAudio
	}
	return payloadTypeVideo
}

func makeNonce(sequence uint64, stream uint32) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[:8], sequence)
	binary.BigEndian.PutUint32(nonce[8:], stream)
	return nonce
}

// mediaAAD is stream ∥ timestamp ∥ flags ∥ epoch ∥ rtp sequence.
func mediaAAD(stream, timestamp uint32, flags media.Flags, epoch uint8, rtpSequence uint16) []byte {
	aad := make([]byte, 0, 12)
	aad = binary.BigEndian.AppendUint32(aad, stream)
	aad = binary.BigEndian.AppendUint32(aad, timestamp)
	aad = append(aad, byte(flags), epoch)
	return binary.BigEndian.AppendUint16(aad, rtpSequence)
}

// sequenceUnwrapper extends 16-bit RTP sequence numbers to 64 bits,
// tolerating reordering of up to half the sequence space.
type sequenceUnwrapper struct {
	started bool
	highest uint64
}

func (u *sequenceUnwrapper) unwrap(sequence uint16) uint64 {
	if !u.started {
		u.started = true
		u.highest = uint64(sequence)
		return u.highest
	}
	delta := int64(int16(sequence - uint16(u.highest)))
	extended := int64(u.highest) + delta
	if extended < 0 {
		return uint64(sequence)
	}
	if delta > 0 {
		u.highest = uint64(extended)
	}
	return uint64(extended)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/bureau-foundation/peerdesk/lib/clock"
	"github.com/bureau-foundation/peerdesk/lib/connid"
	"github.com/bureau-foundation/peerdesk/lib/wire"
)

// ErrKeyMismatch is returned when a peer presents a public key that
// differs from the one pinned on first contact.
var ErrKeyMismatch = errors.New("identity: peer public key does not match pinned key")

const (
	peerPrefix  = "peer/"
	sequenceKey = "seq/peer"
)

// peerRecord is the stored form of one sighting.
type peerRecord struct {
	ConnectionID string    `cbor:"connection_id"`
	DisplayName  string    `cbor:"display_name"`
	PublicKey    []byte    `cbor:"public_key"`
	Fingerprint  string    `cbor:"fingerprint"`
	LastSeen     time.Time `cbor:"last_seen"`
}

// KnownPeers is the append-only log of peers this install has seen.
type KnownPeers struct {
	db       *badger.DB
	sequence *badger.Sequence
	clock    clock.Clock
}

// OpenKnownPeers opens (or creates) the store at path. An empty path
// opens an in-memory store.
func OpenKnownPeers(path string, clk clock.Clock) (*KnownPeers, error) {
	options := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("identity: opening known peers: %w", err)
	}
	sequence, err := db.GetSequence([]byte(sequenceKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: leasing known peers sequence: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &KnownPeers{db: db, sequence: sequence, clock: clk}, nil
}

// Close releases the sequence lease and closes the database.
func (k *KnownPeers) Close() error {
	releaseErr := k.sequence.Release()
	if err := k.db.Close(); err != nil {
		return fmt.Errorf("identity: closing known peers: %w", err)
	}
	return releaseErr
}

// Record appends a sighting of peer. LastSeen is stamped with the
// store's clock when zero.
func (k *KnownPeers) Record(peer PeerDescriptor) error {
	if peer.ConnectionID.IsZero() {
		return fmt.Errorf("identity: recording peer without connection id")
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = k.clock.Now()
	}
	next, err := k.sequence.Next()
	if err != nil {
		return fmt.Errorf("identity: next known peers sequence: %w", err)
	}
	value, err := wire.Marshal(peerRecord{
		ConnectionID: peer.ConnectionID.Digits(),
		DisplayName:  peer.DisplayName,
		PublicKey:    peer.PublicKey,
		Fingerprint:  peer.Fingerprint(),
		LastSeen:     peer.LastSeen.UTC(),
	})
	if err != nil {
		return fmt.Errorf("identity: encoding peer record: %w", err)
	}
	return k.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(peer.ConnectionID, next), value)
	})
}

// Lookup returns the newest record for id.
func (k *KnownPeers) Lookup(id connid.ID) (PeerDescriptor, bool, error) {
	history, err := k.History(id)
	if err != nil || len(history) == 0 {
		return PeerDescriptor{}, false, err
	}
	return history[len(history)-1], true, nil
}

// History returns every record for id, oldest first.
func (k *KnownPeers) History(id connid.ID) ([]PeerDescriptor, error) {
	var history []PeerDescriptor
	prefix := []byte(peerPrefix + id.Digits() + "/")
	err := k.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			descriptor, err := decodeItem(iterator.Item())
			if err != nil {
				return err
			}
			history = append(history, descriptor)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity: reading history for %s: %w", id, err)
	}
	return history, nil
}

// List returns the newest record of every known peer, ordered by
// connection ID.
func (k *KnownPeers) List() ([]PeerDescriptor, error) {
	var peers []PeerDescriptor
	prefix := []byte(peerPrefix)
	err := k.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			descriptor, err := decodeItem(iterator.Item())
			if err != nil {
				return err
			}
			if count := len(peers); count > 0 && peers[count-1].SamePeer(descriptor) {
				peers[count-1] = descriptor
				continue
			}
			peers = append(peers, descriptor)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity: listing known peers: %w", err)
	}
	return peers, nil
}

// Pin records peer and enforces trust on first use: if an earlier
// record exists with a different public key, nothing is written and
// ErrKeyMismatch is returned.
func (k *KnownPeers) Pin(peer PeerDescriptor) error {
	previous, found, err := k.Lookup(peer.ConnectionID)
	if err != nil {
		return err
	}
	if found && !bytes.Equal(previous.PublicKey, peer.PublicKey) {
		return fmt.Errorf("%w: %s was %s, now %s", ErrKeyMismatch,
			peer.ConnectionID, previous.Fingerprint(), peer.Fingerprint())
	}
	return k.Record(peer)
}

func recordKey(id connid.ID, sequence uint64) []byte {
	key := make([]byte, 0, len(peerPrefix)+connid.Digits+1+8)
	key = append(key, peerPrefix...)
	key = append(key, id.Digits()...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, sequence)
}

func decodeItem(item *badger.Item) (PeerDescriptor, error) {
	var record peerRecord
	err := item.Value(func(value []byte) error {
		return wire.Unmarshal(value, &record)
	})
	if err != nil {
		return PeerDescriptor{}, fmt.Errorf("decoding %q: %w", item.Key(), err)
	}
	id, err := connid.Parse(record.ConnectionID)
	if err != nil {
		return PeerDescriptor{}, err
	}
	return PeerDescriptor{
		ConnectionID: id,
		DisplayName:  record.DisplayName,
		PublicKey:    record.PublicKey,
		LastSeen:     record.LastSeen,
	}, nil
}

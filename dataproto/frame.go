// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/peerdesk/lib/wire"
)

// Discriminator selects the sub-protocol of a control channel frame.
type Discriminator uint8

const (
	DiscriminatorInput    Discriminator = 0x01
	DiscriminatorTransfer Discriminator = 0x02
	DiscriminatorSession  Discriminator = 0x03
)

// sealedBit marks a frame whose first byte is the tag of a sealed
// control frame rather than a plaintext discriminator.
const sealedBit = 0x80

func (d Discriminator) String() string {
	switch d {
	case DiscriminatorInput:
		return "input"
	case DiscriminatorTransfer:
		return "transfer"
	case DiscriminatorSession:
		return "session"
	default:
		return fmt.Sprintf("discriminator(%#x)", uint8(d))
	}
}

// MessageType identifies a message within its sub-protocol.
type MessageType uint8

// Message is anything that travels on the control channel.
type Message interface {
	Discriminator() Discriminator
	Type() MessageType
}

type messageKey struct {
	discriminator Discriminator
	messageType   MessageType
}

// registry maps frame headers to constructors of empty messages.
var registry = map[messageKey]func() Message{}

func register(factory func() Message) {
	sample := factory()
	registry[messageKey{sample.Discriminator(), sample.Type()}] = factory
}

// Sealer is the control framing of the session's crypto state.
type Sealer interface {
	SealControl(tag byte, plaintext []byte) ([]byte, error)
	OpenControl(frame []byte) (byte, []byte, error)
}

// Codec converts messages to control channel frames:
//
//	plaintext: [discriminator][type][CBOR body]
//	sealed:    SealControl(0x80|discriminator, [type][CBOR body])
//
// Before Install only session messages may travel, in plaintext.
// After Install every frame in both directions must be sealed.
type Codec struct {
	mu   sync.RWMutex
	keys Sealer
}

// NewCodec returns a codec that has no keys yet.
func NewCodec() *Codec { return &Codec{} }

// Install switches the codec to sealed framing.
func (c *Codec) Install(keys Sealer) {
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
}

// Sealed reports whether keys are installed.
func (c *Codec) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys != nil
}

// Marshal encodes one message as a frame.
func (c *Codec) Marshal(message Message) ([]byte, error) {
	body, err := wire.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message %d: %w", message.Discriminator(), message.Type(), err)
	}
	inner := make([]byte, 0, 1+len(body))
	inner = append(inner, byte(message.Type()))
	inner = append(inner, body...)

	c.mu.RLock()
	keys := c.keys
	c.mu.RUnlock()
	if keys == nil {
		if message.Discriminator() != DiscriminatorSession {
			return nil, fmt.Errorf("%w: %s message before keys are installed", ErrUnexpectedMessage, message.Discriminator())
		}
		return append([]byte{byte(message.Discriminator())}, inner...), nil
	}
	return keys.SealControl(sealedBit|byte(message.Discriminator()), inner)
}

// Unmarshal decodes one frame. Crypto errors from the sealer are
// returned unwrapped so callers can match them.
func (c *Codec) Unmarshal(frame []byte) (Message, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: %d byte frame", ErrUnexpectedMessage, len(frame))
	}
	c.mu.RLock()
	keys := c.keys
	c.mu.RUnlock()

	var discriminator Discriminator
	var inner []byte
	if frame[0]&sealedBit != 0 {
		if keys == nil {
			return nil, fmt.Errorf("%w: sealed frame before keys are installed", ErrUnexpectedMessage)
		}
		tag, plaintext, err := keys.OpenControl(frame)
		if err != nil {
			return nil, err
		}
		discriminator, inner = Discriminator(tag&^sealedBit), plaintext
	} else {
		if keys != nil {
			return nil, fmt.Errorf("%w: plaintext frame after keys are installed", ErrUnexpectedMessage)
		}
		discriminator, inner = Discriminator(frame[0]), frame[1:]
		if discriminator != DiscriminatorSession {
			return nil, fmt.Errorf("%w: plaintext %s frame", ErrUnexpectedMessage, discriminator)
		}
	}
	if len(inner) < 1 {
		return nil, fmt.Errorf("%w: frame without message type", ErrUnexpectedMessage)
	}

	factory, ok := registry[messageKey{discriminator, MessageType(inner[0])}]
	if !ok {
		return nil, fmt.Errorf("%w: %s message type %d", ErrUnexpectedMessage, discriminator, inner[0])
	}
	message := factory()
	if err := wire.Unmarshal(inner[1:], message); err != nil {
		return nil, fmt.Errorf("%w: decoding %s message %d: %v", ErrUnexpectedMessage, discriminator, inner[0], err)
	}
	return message, nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dataproto

import (
	"github.com/bureau-foundation/peerdesk/e2e"
)

// Input message types.
const (
	TypeInputEvent MessageType = 1
)

// Transfer message types.
const (
	TypeBegin    MessageType = 1
	TypeReady    MessageType = 2
	TypeRefuse   MessageType = 3
	TypeChunk    MessageType = 4
	TypeControl  MessageType = 5
	TypeComplete MessageType = 6
	TypeAck      MessageType = 7
	TypeReject   MessageType = 8
)

// Session message types.
const (
	TypeHello           MessageType = 1
	TypeRekeyRequest    MessageType = 2
	TypeRekeyAck        MessageType = 3
	TypeKeyframeRequest MessageType = 4
	TypeLinkReport      MessageType = 5
	TypeCapability      MessageType = 6
	TypeErrorReply      MessageType = 7
	TypeBye             MessageType = 8
)

func init() {
	register(func() Message { return &InputEvent{} })

	register(func() Message { return &Begin{} })
	register(func() Message { return &Ready{} })
	register(func() Message { return &Refuse{} })
	register(func() Message { return &Chunk{} })
	register(func() Message { return &Control{} })
	register(func() Message { return &Complete{} })
	register(func() Message { return &Ack{} })
	register(func() Message { return &Reject{} })

	register(func() Message { return &Hello{} })
	register(func() Message { return &RekeyRequest{} })
	register(func() Message { return &RekeyAck{} })
	register(func() Message { return &KeyframeRequest{} })
	register(func() Message { return &LinkReport{} })
	register(func() Message { return &Capability{} })
	register(func() Message { return &ErrorReply{} })
	register(func() Message { return &Bye{} })
}

// Begin announces a transfer. Checksum is SHA-256 of the whole
// plaintext file.
type Begin struct {
	TransferID string   `cbor:"transfer_id"`
	Name       string   `cbor:"name"`
	Size       int64    `cbor:"size"`
	ChunkSize  int      `cbor:"chunk_size"`
	Checksum   [32]byte `cbor:"checksum"`
	Compressed bool     `cbor:"compressed"`
}

// Ready accepts a Begin. Have lists chunks the receiver already holds
// from an interrupted attempt; it is empty for a fresh transfer.
type Ready struct {
	TransferID string `cbor:"transfer_id"`
	Have       Bitmap `cbor:"have"`
}

// Refuse declines a Begin.
type Refuse struct {
	TransferID string `cbor:"transfer_id"`
	Reason     string `cbor:"reason"`
}

// Chunk carries one slice of the file. Checksum covers the
// uncompressed bytes.
type Chunk struct {
	TransferID string   `cbor:"transfer_id"`
	Index      int      `cbor:"index"`
	Data       []byte   `cbor:"data"`
	Checksum   [32]byte `cbor:"checksum"`
	// Compressed marks Data as zstd. Chunks that do not shrink are
	// sent raw even in a compressed transfer.
	Compressed bool `cbor:"compressed,omitempty"`
}

// ControlOp is a scheduler operation on the sender.
type ControlOp uint8

const (
	OpPause  ControlOp = 1
	OpResume ControlOp = 2
	OpCancel ControlOp = 3
)

func (o ControlOp) String() string {
	switch o {
	case OpPause:
		return "pause"
	case OpResume:
		return "resume"
	case OpCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Control mirrors a sender scheduler change to the receiver.
type Control struct {
	TransferID string    `cbor:"transfer_id"`
	Op         ControlOp `cbor:"op"`
}

// Complete tells the receiver every chunk has been sent.
type Complete struct {
	TransferID string `cbor:"transfer_id"`
}

// Ack confirms the file checksum.
type Ack struct {
	TransferID string `cbor:"transfer_id"`
}

// Reject asks the sender to resend the chunks set in Resend.
type Reject struct {
	TransferID string `cbor:"transfer_id"`
	Resend     Bitmap `cbor:"resend"`
}

// Hello carries one side of the key agreement.
type Hello struct {
	e2e.Hello
}

// RekeyRequest opens a key rotation.
type RekeyRequest struct {
	e2e.RekeyRequest
}

// RekeyAck answers a RekeyRequest.
type RekeyAck struct {
	e2e.RekeyAck
}

// KeyframeRequest asks the host's encoder for a keyframe.
type KeyframeRequest struct {
	StreamID uint32 `cbor:"stream_id"`
	Reason   string `cbor:"reason,omitempty"`
}

// LinkReport is the viewer's periodic view of inbound media.
type LinkReport struct {
	LossRatio      float64 `cbor:"loss_ratio"`
	FramesDecoded  uint64  `cbor:"frames_decoded"`
	FramesDropped  uint64  `cbor:"frames_dropped"`
	ReceiveBPS     float64 `cbor:"receive_bps"`
	LatencyMillis  float64 `cbor:"latency_ms"`
	GapLength      uint64  `cbor:"gap_length"`
	OutOfOrder     uint64  `cbor:"out_of_order"`
	DecoderStalled bool    `cbor:"decoder_stalled,omitempty"`
}

// Capability toggles per-session capabilities.
type Capability struct {
	RemoteControl bool `cbor:"remote_control"`
}

// ErrorReply reports a refused request.
type ErrorReply struct {
	Code   string `cbor:"code"`
	Detail string `cbor:"detail,omitempty"`
}

// Error codes carried by ErrorReply.
const (
	CodeRemoteControlDisabled = "remote-control-disabled"
	CodeUnexpectedMessage     = "unexpected-message"
)

// Bye announces an orderly session end.
type Bye struct {
	Reason string `cbor:"reason,omitempty"`
}

func (*InputEvent) Discriminator() Discriminator { return DiscriminatorInput }
func (*InputEvent) Type() MessageType { return TypeInputEvent }

func (*Begin) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Begin) Type() MessageType { return TypeBegin }
func (*Ready) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Ready) Type() MessageType { return TypeReady }
func (*Refuse) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Refuse) Type() MessageType { return TypeRefuse }
func (*Chunk) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Chunk) Type() MessageType { return TypeChunk }
func (*Control) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Control) Type() MessageType { return TypeControl }
func (*Complete) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Complete) Type() MessageType { return TypeComplete }
func (*Ack) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Ack) Type() MessageType { return TypeAck }
func (*Reject) Discriminator() Discriminator { return DiscriminatorTransfer }
func (*Reject) Type() MessageType { return TypeReject }

func (*Hello) Discriminator() Discriminator { return DiscriminatorSession }
func (*Hello) Type() MessageType { return TypeHello }
func (*RekeyRequest) Discriminator() Discriminator { return DiscriminatorSession }
func (*RekeyRequest) Type() MessageType { return TypeRekeyRequest }
func (*RekeyAck) Discriminator() Discriminator { return DiscriminatorSession }
func (*RekeyAck) Type() MessageType { return TypeRekeyAck }
func (*KeyframeRequest) Discriminator() Discriminator { return DiscriminatorSession }
func (*KeyframeRequest) Type() MessageType { return TypeKeyframeRequest }
func (*LinkReport) Discriminator() Discriminator { return DiscriminatorSession }
func (*LinkReport) Type() MessageType { return TypeLinkReport }
func (*Capability) Discriminator() Discriminator { return DiscriminatorSession }
func (*Capability) Type() MessageType { return TypeCapability }
func (*ErrorReply) Discriminator() Discriminator { return DiscriminatorSession }
func (*ErrorReply) Type() MessageType { return TypeErrorReply }
func (*Bye) Discriminator() Discriminator { return DiscriminatorSession }
func (*Bye) Type() MessageType { return TypeBye }

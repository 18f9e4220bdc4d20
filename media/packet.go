// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package media

// Stream identifiers. They double as the RTP SSRC and the nonce
// discriminator, so media streams never use ControlStream.
const (
	VideoStream uint32 = 1
	AudioStream uint32 = 2

	// ControlStream is reserved for the control channel.
	ControlStream uint32 = 0xFFFFFFFF
)

// Flags annotate an encoded packet and are authenticated with it.
type Flags uint8

const (
	FlagKeyframe Flags = 1 << iota
	FlagAudio
)

// Has reports whether all bits of mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Clock rates of the RTP timestamp per stream kind.
const (
	VideoClockRate = 90000
	AudioClockRate = 48000
)

// EncodedPacket is the output of an encoder and the unit sealed by the
// crypto layer. Packets are not modified after construction.
type EncodedPacket struct {
	StreamID     uint32
	Sequence     uint64
	TimestampRTP uint32
	Flags        Flags
	Payload      []byte
}

// IsKeyframe reports whether the packet is self-decodable.
func (p *EncodedPacket) IsKeyframe() bool { return p.Flags.Has(FlagKeyframe) }

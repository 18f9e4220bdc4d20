// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress wraps the block compressors shared by the codec and
// file transfer. Every compressed block is tagged with its [Method] so
// the receiver needs no out-of-band negotiation.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Method identifies a block compression algorithm. Values travel on
// the wire in one byte and must not be renumbered.
type Method uint8

const (
	// None stores the block as-is.
	None Method = 0

	// LZ4 is LZ4 block mode. Used where decode speed dominates:
	// delta frames and audio.
	LZ4 Method = 1

	// Zstd is zstd at the default level. Used for keyframes and file
	// chunks where ratio matters more than a few milliseconds.
	Zstd Method = 2

	// PlanarLZ4 splits 4-byte pixels into four byte planes before
	// LZ4. Neighbouring BGRA pixels share channel values, so the
	// planes compress far better than interleaved pixels.
	PlanarLZ4 Method = 3
)

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	case PlanarLZ4:
		return "planar_lz4"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ErrIncompressible is returned when the output would not be smaller
// than the input. Callers fall back to None.
var ErrIncompressible = errors.New("compress: data is incompressible")

// ErrTooLarge is returned when a block would decompress past
// MaxBlockSize or past the length the caller expects.
var ErrTooLarge = errors.New("compress: decompressed block too large")

// MaxBlockSize bounds a single decompressed block. Sizes come from
// peers, so nothing larger is ever allocated.
const MaxBlockSize = 64 << 20

// lz4MaxRatio is the best expansion LZ4 block mode can encode: each
// match byte 255 of length extension covers 255 output bytes.
const lz4MaxRatio = 255

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxBlockSize),
	)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses data with method. None returns data unchanged.
func Compress(data []byte, method Method) ([]byte, error) {
	switch method {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, ErrIncompressible
		}
		return compressed, nil
	case PlanarLZ4:
		return compressLZ4(toPlanes(data))
	default:
		return nil, fmt.Errorf("compress: unsupported method %d", method)
	}
}

// Decompress reverses Compress. size must be the exact original
// length; a mismatch is an error.
func Decompress(compressed []byte, method Method, size int) ([]byte, error) {
	if size < 0 || size > MaxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes requested, limit %d", ErrTooLarge, size, MaxBlockSize)
	}
	switch method {
	case None:
		if len(compressed) != size {
			return nil, fmt.Errorf("compress: stored block is %d bytes, expected %d", len(compressed), size)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, size)
	case Zstd:
		if err := checkZstdHeader(compressed, size); err != nil {
			return nil, err
		}
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	case PlanarLZ4:
		planes, err := decompressLZ4(compressed, size)
		if err != nil {
			return nil, err
		}
		return fromPlanes(planes), nil
	default:
		return nil, fmt.Errorf("compress: unsupported method %d", method)
	}
}

// Best compresses data with method and falls back to None when the
// data does not shrink. It returns the bytes and the method to record.
func Best(data []byte, method Method) ([]byte, Method, error) {
	compressed, err := Compress(data, method)
	if errors.Is(err, ErrIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return compressed, method, nil
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrIncompressible
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, ErrIncompressible
	}
	return destination[:written], nil
}

// checkZstdHeader rejects a frame whose declared content size differs
// from size before any output is allocated. Frames without a declared
// size are bounded by the decoder's memory limit.
func checkZstdHeader(compressed []byte, size int) error {
	var header zstd.Header
	if err := header.Decode(compressed); err != nil {
		return fmt.Errorf("zstd decompress: %w", err)
	}
	if header.HasFCS && header.FrameContentSize != uint64(size) {
		return fmt.Errorf("%w: zstd frame declares %d bytes, expected %d", ErrTooLarge, header.FrameContentSize, size)
	}
	return nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	if size > len(compressed)*lz4MaxRatio+16 {
		return nil, fmt.Errorf("%w: %d lz4 bytes cannot expand to %d", ErrTooLarge, len(compressed), size)
	}
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

// toPlanes moves byte 0 of every 4-byte group first, then byte 1, and
// so on. Trailing bytes that do not fill a group are kept at the end.
func toPlanes(data []byte) []byte {
	groups := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groups; i++ {
		output[i] = data[i*4]
		output[groups+i] = data[i*4+1]
		output[groups*2+i] = data[i*4+2]
		output[groups*3+i] = data[i*4+3]
	}
	copy(output[groups*4:], data[groups*4:])
	return output
}

func fromPlanes(data []byte) []byte {
	groups := len(data) / 4
	output := make([]byte, len(data))
	for i := 0; i < groups; i++ {
		output[i*4] = data[i]
		output[i*4+1] = data[groups+i]
		output[i*4+2] = data[groups*2+i]
		output[i*4+3] = data[groups*3+i]
	}
	copy(output[groups*4:], data[groups*4:])
	return output
}

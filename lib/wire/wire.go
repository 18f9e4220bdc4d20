// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire is the CBOR encoding shared by the peer data protocol
// and on-disk transfer state.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2) so a given
// message always serializes to the same bytes. Decoding ignores
// unknown fields and caps container sizes so a hostile peer cannot
// make the decoder allocate without bound.
package wire

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	options := cbor.CoreDetEncOptions()
	options.TextMarshaler = cbor.TextMarshalerTextString
	options.Time = cbor.TimeRFC3339Nano
	encMode, err = options.EncMode()
	if err != nil {
		panic("wire: building CBOR encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		TextUnmarshaler:  cbor.TextUnmarshalerTextString,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 10,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic("wire: building CBOR decoder: " + err.Error())
	}
}

// Marshal encodes value deterministically.
func Marshal(value any) ([]byte, error) {
	return encMode.Marshal(value)
}

// Unmarshal decodes data into value.
func Unmarshal(data []byte, value any) error {
	return decMode.Unmarshal(data, value)
}

// RawMessage defers decoding of an embedded value.
type RawMessage = cbor.RawMessage

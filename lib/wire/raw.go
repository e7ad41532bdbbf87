// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RawMessage is an opaque payload whose canonical representation is
// JSON. It delays decoding the same way json.RawMessage does, but also
// implements the cbor.Marshaler and cbor.Unmarshaler interfaces: when
// a value containing a RawMessage is encoded as CBOR, the JSON payload
// is transcoded to native CBOR at the boundary (and back on decode).
//
// A nil or empty RawMessage encodes as null in both formats.
type RawMessage []byte

// JSON encodes v as JSON and returns it as a RawMessage. This is the
// constructor event producers use to attach typed payloads.
func JSON(v any) (RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return RawMessage(data), nil
}

// Decode unmarshals the payload into v.
func (m RawMessage) Decode(v any) error {
	if len(m) == 0 {
		return errors.New("wire: decoding empty payload")
	}
	return json.Unmarshal(m, v)
}

// MarshalJSON returns m unmodified, or null when empty.
func (m RawMessage) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte("null"), nil
	}
	return m, nil
}

// UnmarshalJSON stores a copy of data in m.
func (m *RawMessage) UnmarshalJSON(data []byte) error {
	if m == nil {
		return errors.New("wire: UnmarshalJSON on nil RawMessage")
	}
	*m = append((*m)[:0], data...)
	return nil
}

// cborNull is the CBOR encoding of null (RFC 8949 major type 7).
var cborNull = []byte{0xf6}

// MarshalCBOR transcodes the JSON payload to CBOR. The round trip goes
// through any, so JSON objects become CBOR maps with string keys.
func (m RawMessage) MarshalCBOR() ([]byte, error) {
	if len(m) == 0 {
		return cborNull, nil
	}
	var value any
	if err := json.Unmarshal(m, &value); err != nil {
		return nil, fmt.Errorf("transcoding payload to CBOR: %w", err)
	}
	return encMode.Marshal(value)
}

// UnmarshalCBOR transcodes a CBOR payload back to the canonical JSON
// representation.
func (m *RawMessage) UnmarshalCBOR(data []byte) error {
	if m == nil {
		return errors.New("wire: UnmarshalCBOR on nil RawMessage")
	}
	var value any
	if err := decMode.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("transcoding CBOR payload: %w", err)
	}
	if value == nil {
		*m = nil
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("transcoding CBOR payload to JSON: %w", err)
	}
	*m = encoded
	return nil
}

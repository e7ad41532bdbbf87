// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/emberchat/ember/lib/wire"
)

// Format is the per-connection wire format, negotiated through the
// "format" query parameter of the connect URL. The empty string parses
// as FormatJSON.
type Format string

const (
	// FormatJSON frames messages as JSON text. The default.
	FormatJSON Format = "json"

	// FormatCBOR frames messages as CBOR binary, for bandwidth-
	// sensitive clients.
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a client-supplied format name.
func ParseFormat(raw string) (Format, error) {
	switch raw {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatCBOR):
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("protocol: unsupported wire format %q", raw)
	}
}

// Binary reports whether frames in this format are binary (CBOR) as
// opposed to text (JSON). Determines the WebSocket message type.
func (f Format) Binary() bool { return f == FormatCBOR }

// Marshal encodes v in this format.
func (f Format) Marshal(v any) ([]byte, error) {
	if f == FormatCBOR {
		return wire.MarshalCBOR(v)
	}
	return json.Marshal(v)
}

// Unmarshal decodes data in this format into v.
func (f Format) Unmarshal(data []byte, v any) error {
	if f == FormatCBOR {
		return wire.UnmarshalCBOR(data, v)
	}
	return json.Unmarshal(data, v)
}

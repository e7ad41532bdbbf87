// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire provides Ember's standard encoding configuration.
//
// The gateway speaks two serialization formats with a clear boundary:
//
//   - JSON everywhere by default: broker envelopes, client frames,
//     directory request/reply bodies, CLI output.
//   - CBOR as an opt-in client wire format, negotiated per connection
//     for bandwidth-sensitive clients.
//
// The CBOR encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. The decoder maps any-typed targets to map[string]any so that
// decoded values are interchangeable with encoding/json output.
//
// Types that cross both formats carry only `json` struct tags:
// fxamacker/cbor reads `json` tags as a fallback when `cbor` tags are
// absent, so a single tag controls field naming and omitempty for both
// formats. Never put both tags on one field.
//
// [RawMessage] is the boundary type for opaque payloads. Its canonical
// representation is JSON; when a value containing a RawMessage is
// encoded as CBOR, the payload is transcoded at the boundary so CBOR
// clients receive native CBOR, not an embedded JSON string.
package wire

// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the wire types shared by the gateway and its
// clients: the event envelope that travels over the cluster broker, the
// framed messages exchanged on a client connection, the numeric close
// codes, and the per-connection wire format (JSON or CBOR).
//
// Every frame carries a "type" discriminator. Client→server frames are
// [Authenticate], [Heartbeat], [Subscribe], [Unsubscribe], [BeginTyping],
// [EndTyping], and [SetStatus]. Server→client frames are [Ready], [Event],
// [ErrorFrame], and [Pong]. [DecodeClientFrame] routes an incoming raw
// frame to its concrete type.
//
// The envelope's Seq field is monotone per scope: the gateway never
// delivers envelopes for one scope out of sequence order, and any two
// subscribers of a scope observe the same relative order.
//
// Wire format is negotiated at connect time through the "format" query
// parameter. JSON is the default; CBOR is an opt-in for bandwidth-
// sensitive clients. Both formats share the same `json` struct tags —
// see lib/wire for the encoding configuration.
package protocol

// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
)

// Connection close codes. 1000 is the standard WebSocket normal
// closure; the 4xxx range is reserved for application-defined codes.
const (
	// CloseNormal is a clean, client- or server-initiated close.
	CloseNormal = 1000

	// CloseHandshakeTimeout means the client did not authenticate
	// within the handshake window.
	CloseHandshakeTimeout = 4001

	// CloseProtocolError means the client sent a malformed frame or an
	// unknown frame type.
	CloseProtocolError = 4002

	// CloseHeartbeatTimeout means the client missed a full heartbeat
	// window without any liveness signal.
	CloseHeartbeatTimeout = 4003

	// CloseAuthenticationFailed means the presented session token was
	// rejected.
	CloseAuthenticationFailed = 4004

	// CloseBackpressure means the session's outbound queue overflowed
	// with a critical event pending. The session is disconnected so
	// the client resyncs, rather than silently missing a message.
	CloseBackpressure = 4008

	// CloseServerShutdown means the gateway is shutting down.
	CloseServerShutdown = 4009
)

// CloseError carries the numeric code a connection was (or should be)
// closed with. Callers branch on the code with errors.As:
//
//	var closeErr *protocol.CloseError
//	if errors.As(err, &closeErr) && closeErr.Code == protocol.CloseBackpressure { ... }
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// IsCloseCode reports whether err is a *CloseError with the given code.
func IsCloseCode(err error, code int) bool {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == code
	}
	return false
}

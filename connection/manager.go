// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emberchat/ember/directory"
	"github.com/emberchat/ember/dispatch"
	"github.com/emberchat/ember/lib/wire"
	"github.com/emberchat/ember/metrics"
	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/presence"
	"github.com/emberchat/ember/protocol"
	"github.com/emberchat/ember/registry"
)

// Defaults applied for zero Config fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxFrameBytes    = 64 << 10
)

// setupTimeout bounds the directory and presence calls made while
// establishing a session.
const setupTimeout = 10 * time.Second

// EventBus is the bridge surface the manager uses: refcounted scope
// subscriptions and publishing client-originated events. Satisfied by
// *bridge.Bridge.
type EventBus interface {
	Acquire(scope protocol.Scope)
	Release(scope protocol.Scope)
	Publish(ctx context.Context, envelope protocol.Envelope) error
}

// SeqSource allocates per-scope sequence numbers for events this node
// originates. Satisfied by the presence store.
type SeqSource interface {
	NextSeq(ctx context.Context, scope protocol.Scope) (uint64, error)
}

// Config configures a Manager. Authenticator, Directory, Registry,
// Evaluator, Bus, Presence, and Seq are required.
type Config struct {
	Authenticator directory.Authenticator
	Directory     directory.Directory
	Registry      *registry.Registry
	Evaluator     *permission.Evaluator
	Bus           EventBus
	Presence      *presence.Tracker
	Seq           SeqSource

	// HandshakeTimeout bounds the wait for the Authenticate frame.
	// Zero means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is advertised to clients in Ready; a session
	// that stays silent for two full intervals is closed. Zero means
	// presence.DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// QueueCapacity bounds each session's outbound queue. Zero means
	// dispatch.DefaultCapacity.
	QueueCapacity int

	// MaxFrameBytes bounds inbound frame size. Zero means
	// DefaultMaxFrameBytes.
	MaxFrameBytes int64

	// Clock abstracts time for the heartbeat watchdog. Nil means the
	// real clock. Connection read/write deadlines always use real time.
	Clock clock.Clock

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger

	// Metrics, if non-nil, receives gateway instrumentation.
	Metrics *metrics.Metrics
}

// Manager accepts WebSocket connections and runs their sessions. It
// implements http.Handler for the /ws endpoint.
type Manager struct {
	authenticator directory.Authenticator
	directory     directory.Directory
	registry      *registry.Registry
	evaluator     *permission.Evaluator
	bus           EventBus
	presence      *presence.Tracker
	seq           SeqSource

	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	queueCapacity     int
	maxFrameBytes     int64
	clock             clock.Clock
	logger            *slog.Logger
	metrics           *metrics.Metrics

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	draining bool

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = presence.DefaultHeartbeatInterval
	}
	maxFrameBytes := cfg.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		authenticator:     cfg.Authenticator,
		directory:         cfg.Directory,
		registry:          cfg.Registry,
		evaluator:         cfg.Evaluator,
		bus:               cfg.Bus,
		presence:          cfg.Presence,
		seq:               cfg.Seq,
		handshakeTimeout:  handshakeTimeout,
		heartbeatInterval: heartbeatInterval,
		queueCapacity:     cfg.QueueCapacity,
		maxFrameBytes:     maxFrameBytes,
		clock:             clk,
		logger:            logger,
		metrics:           cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced at the edge proxy; the gateway
			// trusts whatever reaches it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// SessionCount returns the number of live sessions on this node.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	draining := m.draining
	m.mu.Unlock()
	if draining {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	format, err := protocol.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, "unsupported wire format", http.StatusBadRequest)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		m.logger.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(m.maxFrameBytes)

	sess, err := m.handshake(conn, format)
	if err != nil {
		m.closeRaw(conn, err)
		return
	}
	m.runSession(sess)
}

// handshake reads and validates the Authenticate frame within the
// handshake window. Failures return a *protocol.CloseError carrying
// the close code to send.
func (m *Manager) handshake(conn *websocket.Conn, format protocol.Format) (*session, error) {
	conn.SetReadDeadline(time.Now().Add(m.handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			return nil, &protocol.CloseError{Code: protocol.CloseHandshakeTimeout, Reason: "authentication timed out"}
		}
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	frame, err := protocol.DecodeClientFrame(format, data)
	if err != nil {
		return nil, &protocol.CloseError{Code: protocol.CloseProtocolError, Reason: "malformed frame"}
	}
	auth, ok := frame.(protocol.Authenticate)
	if !ok {
		return nil, &protocol.CloseError{Code: protocol.CloseProtocolError, Reason: "first frame must be authenticate"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()
	user, err := m.authenticator.Authenticate(ctx, auth.Token)
	if err != nil {
		if !errors.Is(err, directory.ErrInvalidToken) {
			m.logger.Error("authentication backend failure", "error", err)
		}
		return nil, &protocol.CloseError{Code: protocol.CloseAuthenticationFailed, Reason: "invalid session token"}
	}

	return &session{
		id:     uuid.NewString(),
		user:   user,
		format: format,
		conn:   conn,
		closed: make(chan struct{}),
		subs:   make(map[protocol.Scope]struct{}),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// closeRaw sends a close frame on a connection that never became a
// session.
func (m *Manager) closeRaw(conn *websocket.Conn, err error) {
	code := protocol.CloseProtocolError
	reason := "protocol error"
	var closeErr *protocol.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Reason
	} else {
		// The client hung up mid-handshake; nothing to report.
		conn.Close()
		return
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
	m.countDisconnect(code)
	m.logger.Info("handshake failed", "code", code, "reason", reason)
}

// runSession primes permissions, registers the session, sends Ready,
// and drives the read loop until teardown.
func (m *Manager) runSession(sess *session) {
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), setupTimeout)
	snaps, err := m.directory.Snapshots(setupCtx, sess.user)
	if err != nil {
		cancelSetup()
		m.logger.Error("resolving memberships", "user", sess.user, "error", err)
		m.closeRaw(sess.conn, &protocol.CloseError{
			Code:   websocket.CloseInternalServerErr,
			Reason: "directory unavailable",
		})
		return
	}
	autoScopes := []protocol.Scope{protocol.UserScope(sess.user)}
	for _, snap := range snaps {
		m.evaluator.Prime(snap)
		autoScopes = append(autoScopes, snap.Scopes()...)
	}

	// The presence snapshot is best effort: a Ready without it is
	// degraded, not broken.
	var entries []protocol.PresenceEntry
	visible, err := m.directory.VisibleUsers(setupCtx, sess.user)
	if err != nil {
		m.logger.Warn("resolving visible users", "user", sess.user, "error", err)
	} else if entries, err = m.presence.Snapshot(setupCtx, visible); err != nil {
		m.logger.Warn("reading presence snapshot", "user", sess.user, "error", err)
		entries = nil
	}
	cancelSetup()

	sess.queue = dispatch.New(dispatch.Config{
		Capacity: m.queueCapacity,
		Write:    sess.writeEnvelope,
		OnBackpressure: func() {
			m.teardown(sess, protocol.CloseBackpressure, "outbound queue overflow")
		},
		OnWriteError: func(err error) {
			m.logger.Debug("session write failed", "session", sess.id, "error", err)
			m.teardown(sess, protocol.CloseNormal, "connection lost")
		},
		OnDrop: func(kind protocol.EventKind) {
			if m.metrics != nil {
				m.metrics.Dropped.WithLabelValues("shed").Inc()
			}
		},
		Logger: m.logger,
	})

	// cancel must be set before the session is reachable through the
	// registry: the dispatcher may trigger teardown as soon as the
	// first subscription lands.
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	m.registry.Register(sess)
	for _, scope := range autoScopes {
		m.subscribeScope(sess, scope)
	}
	m.presence.Connect(sess.user, sess.id)

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		m.teardown(sess, protocol.CloseServerShutdown, "server shutting down")
		return
	}
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.Sessions.Inc()
	}
	m.logger.Info("session established",
		"session", sess.id,
		"user", sess.user,
		"format", sess.format,
		"scopes", len(autoScopes),
	)

	ready := protocol.NewReady(sess.id, sess.user, autoScopes, entries, m.heartbeatInterval.Milliseconds())
	if err := sess.writeFrame(ready); err != nil {
		m.teardown(sess, protocol.CloseNormal, "connection lost")
		return
	}

	sess.lastBeat.Store(m.clock.Now().UnixNano())

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		sess.queue.Run(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.watchdog(ctx, sess)
	}()

	m.readLoop(sess)
}

// watchdog closes the session if the client stays silent for two full
// heartbeat intervals.
func (m *Manager) watchdog(ctx context.Context, sess *session) {
	ticker := m.clock.Ticker(m.heartbeatInterval)
	defer ticker.Stop()
	window := 2 * m.heartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, sess.lastBeat.Load())
			if m.clock.Now().Sub(last) > window {
				m.teardown(sess, protocol.CloseHeartbeatTimeout, "heartbeat missed")
				return
			}
		}
	}
}

// readLoop consumes client frames until the connection or session
// ends. Any frame counts as a liveness signal; only Heartbeat frames
// refresh presence.
func (m *Manager) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			select {
			case <-sess.closed:
				// Teardown already ran; the read failure is its echo.
			default:
				m.teardown(sess, protocol.CloseNormal, "connection lost")
			}
			return
		}
		sess.lastBeat.Store(m.clock.Now().UnixNano())

		frame, err := protocol.DecodeClientFrame(sess.format, data)
		if err != nil {
			m.teardown(sess, protocol.CloseProtocolError, "malformed frame")
			return
		}
		if err := m.handleFrame(sess, frame); err != nil {
			var closeErr *protocol.CloseError
			if errors.As(err, &closeErr) {
				m.teardown(sess, closeErr.Code, closeErr.Reason)
			} else {
				m.teardown(sess, protocol.CloseProtocolError, "protocol error")
			}
			return
		}
	}
}

// handleFrame processes one client frame. A returned error is fatal to
// the session; recoverable problems answer with an Error frame
// instead.
func (m *Manager) handleFrame(sess *session, frame protocol.ClientFrame) error {
	switch f := frame.(type) {
	case protocol.Authenticate:
		return &protocol.CloseError{Code: protocol.CloseProtocolError, Reason: "already authenticated"}

	case protocol.Heartbeat:
		m.presence.Heartbeat(sess.user, sess.id)
		if err := sess.writeFrame(protocol.NewPong()); err != nil {
			m.logger.Debug("writing pong", "session", sess.id, "error", err)
		}

	case protocol.Subscribe:
		scope, err := protocol.ParseScope(f.Scope)
		if err != nil {
			m.answerError(sess, protocol.ErrCodeInvalidScope, "scope must be kind:id")
			return nil
		}
		if !m.evaluator.CanSubscribe(sess.user, scope) {
			m.answerError(sess, protocol.ErrCodeForbidden, "not permitted to subscribe to "+scope.String())
			return nil
		}
		m.subscribeScope(sess, scope)

	case protocol.Unsubscribe:
		scope, err := protocol.ParseScope(f.Scope)
		if err != nil {
			m.answerError(sess, protocol.ErrCodeInvalidScope, "scope must be kind:id")
			return nil
		}
		m.unsubscribeScope(sess, scope)

	case protocol.BeginTyping:
		m.publishTyping(sess, f.Channel, true)

	case protocol.EndTyping:
		m.publishTyping(sess, f.Channel, false)

	case protocol.SetStatus:
		switch status := presence.Status(f.Status); status {
		case presence.StatusOnline, presence.StatusIdle:
			m.presence.SetStatus(sess.user, status)
		default:
			m.answerError(sess, protocol.ErrCodeInvalidFrame, "status must be online or idle")
		}
	}
	return nil
}

func (m *Manager) answerError(sess *session, code, message string) {
	if err := sess.writeFrame(protocol.NewErrorFrame(code, message)); err != nil {
		m.logger.Debug("writing error frame", "session", sess.id, "error", err)
	}
}

// subscribeScope records the subscription in the session, the
// registry, and (for the node's first subscriber) the bridge.
func (m *Manager) subscribeScope(sess *session, scope protocol.Scope) {
	if !sess.track(scope) {
		return
	}
	if m.registry.Subscribe(sess, scope) {
		m.bus.Acquire(scope)
	}
	if m.metrics != nil {
		m.metrics.Subscriptions.Inc()
	}
}

func (m *Manager) unsubscribeScope(sess *session, scope protocol.Scope) {
	if !sess.untrack(scope) {
		return
	}
	if m.registry.Unsubscribe(sess, scope) {
		m.bus.Release(scope)
	}
	if m.metrics != nil {
		m.metrics.Subscriptions.Dec()
	}
}

// publishTyping fans a typing indicator into the channel scope.
// Best effort: failures are logged, never fatal to the session.
func (m *Manager) publishTyping(sess *session, channel string, active bool) {
	if channel == "" {
		m.answerError(sess, protocol.ErrCodeInvalidFrame, "channel is required")
		return
	}
	scope := protocol.ChannelScope(channel)
	if !m.evaluator.CanPublish(sess.user, protocol.KindTyping, scope) {
		m.answerError(sess, protocol.ErrCodeForbidden, "not permitted to type in "+channel)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	seq, err := m.seq.NextSeq(ctx, scope)
	if err != nil {
		m.logger.Warn("allocating typing sequence", "channel", channel, "error", err)
		return
	}
	payload, err := wire.JSON(protocol.TypingPayload{User: sess.user, Channel: channel, Active: active})
	if err != nil {
		m.logger.Warn("encoding typing payload", "channel", channel, "error", err)
		return
	}
	envelope := protocol.Envelope{Kind: protocol.KindTyping, Scope: scope, Seq: seq, Payload: payload}
	if err := m.bus.Publish(ctx, envelope); err != nil {
		m.logger.Warn("publishing typing indicator", "channel", channel, "error", err)
	}
}

// teardown ends a session: exactly one caller wins, and that caller
// releases every reference the session holds. Safe to call from the
// read loop, the watchdog, the dispatcher, and Shutdown concurrently.
func (m *Manager) teardown(sess *session, code int, reason string) {
	sess.closeOnce.Do(func() {
		close(sess.closed)
		if sess.cancel != nil {
			sess.cancel()
		}
		sess.queue.Close()

		for _, scope := range sess.drainSubs() {
			if m.registry.Unsubscribe(sess, scope) {
				m.bus.Release(scope)
			}
			if m.metrics != nil {
				m.metrics.Subscriptions.Dec()
			}
		}
		m.registry.Deregister(sess)
		m.presence.Disconnect(sess.user, sess.id)

		m.mu.Lock()
		_, tracked := m.sessions[sess.id]
		delete(m.sessions, sess.id)
		m.mu.Unlock()

		deadline := time.Now().Add(time.Second)
		sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		sess.conn.Close()

		if tracked && m.metrics != nil {
			m.metrics.Sessions.Dec()
		}
		m.countDisconnect(code)
		m.logger.Info("session closed",
			"session", sess.id,
			"user", sess.user,
			"code", code,
			"reason", reason,
		)
	})
}

func (m *Manager) countDisconnect(code int) {
	if m.metrics == nil {
		return
	}
	m.metrics.Disconnects.WithLabelValues(closeReason(code)).Inc()
}

func closeReason(code int) string {
	switch code {
	case protocol.CloseNormal:
		return "normal"
	case protocol.CloseHandshakeTimeout:
		return "handshake_timeout"
	case protocol.CloseProtocolError:
		return "protocol_error"
	case protocol.CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case protocol.CloseAuthenticationFailed:
		return "auth_failed"
	case protocol.CloseBackpressure:
		return "backpressure"
	case protocol.CloseServerShutdown:
		return "shutdown"
	}
	return "other"
}

// Shutdown closes every session with the shutdown code and waits for
// the per-session goroutines to drain, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		m.teardown(sess, protocol.CloseServerShutdown, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

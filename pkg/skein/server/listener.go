// Package server accepts WebSocket connections and runs a skein
// session for each one. The listener owns nothing protocol-level
// itself; it negotiates the wire format from the WebSocket
// subprotocol, assigns the connection identity and hands off to the
// session package.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/session"
)

// Listener handles incoming WebSocket connections and runs one session
// per connection against the shared channel router.
type Listener struct {
	logger *zap.Logger
	config *ListenerConfig

	// Connection tracking for graceful shutdown
	sessions     map[*session.Session]struct{}
	connMutex    sync.RWMutex
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func newListener(config *ListenerConfig) *Listener {
	return &Listener{
		logger:   config.logger,
		config:   config,
		sessions: make(map[*session.Session]struct{}),
		shutdown: make(chan struct{}),
	}
}

// ServeWebsocket upgrades an HTTP request to a WebSocket connection
// and runs its session until the connection closes. It plugs directly
// into any HTTP router.
func (l *Listener) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    []string{SubprotocolJSON, SubprotocolEDN, SubprotocolMsgpack},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		l.logger.Error("Failed to accept WebSocket connection",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return
	}

	select {
	case <-l.shutdown:
		l.logger.Debug("Rejecting new connection due to shutdown")
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	format := l.config.formatForSubprotocol(conn.Subprotocol())
	connID := uuid.NewString()
	priorToken := r.Header.Get(SessionTokenHeader)

	sessionConfig := l.config.sessionConfig.Clone().
		WithFormat(format).
		WithLogger(l.logger).
		WithRouter(l.config.router).
		WithHandler(l.config.handler)

	sess, err := session.New(connID, priorToken, newWSTransport(conn, format.Binary()), sessionConfig)
	if err != nil {
		l.logger.Error("Failed to create session", zap.Error(err))
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	// The WebSocket frame limit follows the session's configured cap so
	// a raised WithReadLimit is honored end to end.
	conn.SetReadLimit(sessionConfig.ReadLimit())

	l.connMutex.Lock()
	l.sessions[sess] = struct{}{}
	connCount := len(l.sessions)
	l.connMutex.Unlock()

	l.logger.Debug("WebSocket connection established",
		zap.String("conn_id", connID),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("format", string(format)),
		zap.Bool("first_connection", priorToken == ""),
		zap.Int("active_connections", connCount),
	)

	sess.Run(r.Context())

	l.connMutex.Lock()
	delete(l.sessions, sess)
	connCount = len(l.sessions)
	l.connMutex.Unlock()

	l.logger.Debug("WebSocket connection closed",
		zap.String("conn_id", connID),
		zap.Int("active_connections", connCount),
	)
}

// Shutdown gracefully closes all active sessions and stops accepting
// new connections. It blocks until every session finishes cleanup or
// the context is cancelled.
func (l *Listener) Shutdown(ctx context.Context) error {
	l.shutdownOnce.Do(func() {
		l.logger.Info("Starting graceful WebSocket shutdown")
		close(l.shutdown)

		l.connMutex.RLock()
		sessions := make([]*session.Session, 0, len(l.sessions))
		for sess := range l.sessions {
			sessions = append(sessions, sess)
		}
		l.connMutex.RUnlock()

		if len(sessions) == 0 {
			l.logger.Info("No active connections to close")
			return
		}

		l.logger.Info("Closing active sessions", zap.Int("connection_count", len(sessions)))
		for _, sess := range sessions {
			go sess.Close()
		}
	})

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.connMutex.RLock()
			remaining := len(l.sessions)
			l.connMutex.RUnlock()

			if remaining > 0 {
				l.logger.Warn("Shutdown timeout reached with active connections",
					zap.Int("remaining_connections", remaining),
				)
			}
			return ctx.Err()

		case <-ticker.C:
			l.connMutex.RLock()
			remaining := len(l.sessions)
			l.connMutex.RUnlock()

			if remaining == 0 {
				l.logger.Info("All sessions closed")
				return nil
			}
		}
	}
}

// ConnectionCount returns the number of active sessions.
func (l *Listener) ConnectionCount() int {
	l.connMutex.RLock()
	defer l.connMutex.RUnlock()
	return len(l.sessions)
}

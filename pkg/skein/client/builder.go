package client

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/session"
)

// Builder provides a fluent interface for constructing clients.
type Builder struct {
	url             string
	logger          *zap.Logger
	format          codec.Format
	dialTimeout     time.Duration
	queueSize       int
	callbackTimeout time.Duration
	maxPending      int
	sessionToken    string
	headers         map[string][]string
	handler         session.Handler
}

// NewClient creates a client builder with defaults: JSON format, 30s
// dial timeout, 100-message write queue.
func NewClient() *Builder {
	return &Builder{
		logger:          zap.NewNop(),
		format:          codec.FormatJSON,
		dialTimeout:     30 * time.Second,
		queueSize:       100,
		callbackTimeout: session.DefaultCallbackTimeout,
		maxPending:      session.DefaultMaxPendingCallbacks,
		handler:         session.NopHandler{},
	}
}

// WithURL sets the WebSocket URL to connect to.
func (b *Builder) WithURL(url string) *Builder {
	b.url = url
	return b
}

// WithLogger sets the client logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithFormat selects the wire format to negotiate via the WebSocket
// subprotocol.
func (b *Builder) WithFormat(format codec.Format) *Builder {
	b.format = format
	return b
}

// WithDialTimeout sets the timeout for establishing the connection.
func (b *Builder) WithDialTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.dialTimeout = timeout
	}
	return b
}

// WithQueueSize sets the outbound write queue capacity.
func (b *Builder) WithQueueSize(size int) *Builder {
	if size > 0 {
		b.queueSize = size
	}
	return b
}

// WithCallbackTimeout sets the default deadline for SendWithCallback.
func (b *Builder) WithCallbackTimeout(timeout time.Duration) *Builder {
	if timeout > 0 {
		b.callbackTimeout = timeout
	}
	return b
}

// WithSessionToken sets the prior-session token presented on the
// upgrade request so the server can recognize a reconnecting client.
func (b *Builder) WithSessionToken(token string) *Builder {
	b.sessionToken = token
	return b
}

// WithHeaders sets custom HTTP headers for the WebSocket handshake.
func (b *Builder) WithHeaders(headers map[string][]string) *Builder {
	b.headers = headers
	return b
}

// WithHandler sets the handler receiving events from the server.
// OnOpen fires when the server handshake arrives, OnClose on
// disconnect.
func (b *Builder) WithHandler(h session.Handler) *Builder {
	if h != nil {
		b.handler = h
	}
	return b
}

// Build validates the configuration and creates the client.
func (b *Builder) Build() (*Client, error) {
	if b.url == "" {
		return nil, fmt.Errorf("invalid client configuration, missing: URL")
	}
	c, err := codec.ForFormat(b.format)
	if err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	return &Client{
		url:             b.url,
		logger:          b.logger,
		codec:           c,
		dialTimeout:     b.dialTimeout,
		queueSize:       b.queueSize,
		callbackTimeout: b.callbackTimeout,
		maxPending:      b.maxPending,
		sessionToken:    b.sessionToken,
		headers:         b.headers,
		handler:         b.handler,
	}, nil
}

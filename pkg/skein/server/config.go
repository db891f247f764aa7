package server

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/router"
	"github.com/skeinproject/skein/pkg/skein/session"
)

// SessionTokenHeader carries a client's prior-session token on the
// WebSocket upgrade request. Its absence marks a first connection.
const SessionTokenHeader = "X-Skein-Session"

// Subprotocol names offered during the WebSocket upgrade. The chosen
// subprotocol fixes the session's wire format; the format is never
// inferred from message bodies.
const (
	SubprotocolJSON    = "skein.json"
	SubprotocolEDN     = "skein.edn"
	SubprotocolMsgpack = "skein.msgpack"
)

// ListenerConfig configures a WebSocket listener. Use
// NewListenerConfig and chain the WithX methods before calling Build.
type ListenerConfig struct {
	logger        *zap.Logger
	router        *router.Router
	handler       session.Handler
	sessionConfig *session.Config
	defaultFormat codec.Format
}

// NewListenerConfig creates a listener configuration with defaults:
// JSON when the client negotiates no subprotocol, default session
// tunables.
func NewListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		sessionConfig: session.NewConfig(),
		defaultFormat: codec.FormatJSON,
	}
}

// WithLogger sets the listener logger. Required.
func (c *ListenerConfig) WithLogger(logger *zap.Logger) *ListenerConfig {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithRouter sets the shared channel router for all accepted
// connections. Required for channel/* traffic.
func (c *ListenerConfig) WithRouter(r *router.Router) *ListenerConfig {
	c.router = r
	return c
}

// WithHandler sets the application handler given to every session.
func (c *ListenerConfig) WithHandler(h session.Handler) *ListenerConfig {
	if h != nil {
		c.handler = h
	}
	return c
}

// WithSessionConfig overrides the session tunables (timeouts, queue
// size, callback limits). Logger, handler and router set on the
// listener are applied on top per accepted connection.
func (c *ListenerConfig) WithSessionConfig(cfg *session.Config) *ListenerConfig {
	if cfg != nil {
		c.sessionConfig = cfg
	}
	return c
}

// WithDefaultFormat sets the format used when a client negotiates no
// subprotocol.
func (c *ListenerConfig) WithDefaultFormat(f codec.Format) *ListenerConfig {
	c.defaultFormat = f
	return c
}

// IsValid checks that all required parameters are set.
func (c *ListenerConfig) IsValid() error {
	var missing []string
	if c.logger == nil {
		missing = append(missing, "Logger")
	}
	if c.router == nil {
		missing = append(missing, "Router")
	}

	if len(missing) > 0 {
		return fmt.Errorf("invalid listener configuration, missing: %v", missing)
	}
	if _, err := codec.ForFormat(c.defaultFormat); err != nil {
		return fmt.Errorf("invalid listener configuration: %w", err)
	}
	return nil
}

// Build creates a Listener from the configuration.
func (c *ListenerConfig) Build() (*Listener, error) {
	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return newListener(c), nil
}

// formatForSubprotocol maps a negotiated subprotocol to a wire format.
func (c *ListenerConfig) formatForSubprotocol(subprotocol string) codec.Format {
	switch subprotocol {
	case SubprotocolJSON:
		return codec.FormatJSON
	case SubprotocolEDN:
		return codec.FormatEDN
	case SubprotocolMsgpack:
		return codec.FormatMsgpack
	}
	return c.defaultFormat
}

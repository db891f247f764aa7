package session

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/router"
)

const (
	// DefaultQueueSize is the per-connection outbound queue capacity.
	DefaultQueueSize = 256

	// DefaultCallbackTimeout is the deadline applied to
	// SendWithCallback when the caller passes none.
	DefaultCallbackTimeout = 30 * time.Second

	// DefaultPingInterval drives the keep-alive chsk/ws-ping and the
	// callback expiry sweep. It must stay small relative to configured
	// callback deadlines, since timeout detection is cooperative.
	DefaultPingInterval = 25 * time.Second

	// DefaultReadTimeout caps one receive-loop read.
	DefaultReadTimeout = 60 * time.Second

	// DefaultWriteTimeout caps one outbound write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultMaxPendingCallbacks caps in-flight requests per
	// connection as a resource-exhaustion guard.
	DefaultMaxPendingCallbacks = 1024

	// DefaultReadLimit caps one inbound frame's size.
	DefaultReadLimit = 32768
)

// Config carries everything a session needs beyond its transport. All
// values are fixed at session construction and immutable for the
// session's lifetime. Use NewConfig and the WithX methods, then
// Build.
type Config struct {
	format              codec.Format
	logger              *zap.Logger
	handler             Handler
	router              *router.Router
	callbackTimeout     time.Duration
	pingInterval        time.Duration
	readTimeout         time.Duration
	writeTimeout        time.Duration
	queueSize           int
	maxPendingCallbacks int
	readLimit           int64
}

// NewConfig creates a session configuration with defaults: JSON
// format, nop handler, no router (channel events rejected).
func NewConfig() *Config {
	return &Config{
		format:              codec.FormatJSON,
		handler:             NopHandler{},
		callbackTimeout:     DefaultCallbackTimeout,
		pingInterval:        DefaultPingInterval,
		readTimeout:         DefaultReadTimeout,
		writeTimeout:        DefaultWriteTimeout,
		queueSize:           DefaultQueueSize,
		maxPendingCallbacks: DefaultMaxPendingCallbacks,
		readLimit:           DefaultReadLimit,
	}
}

// WithFormat sets the negotiated wire format. The format comes from
// transport negotiation, never from the first message body.
func (c *Config) WithFormat(format codec.Format) *Config {
	c.format = format
	return c
}

// WithLogger sets the session logger.
func (c *Config) WithLogger(logger *zap.Logger) *Config {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithHandler sets the embedding application's handler.
func (c *Config) WithHandler(handler Handler) *Config {
	if handler != nil {
		c.handler = handler
	}
	return c
}

// WithRouter sets the shared channel router. Sessions without a router
// reject channel/* events.
func (c *Config) WithRouter(r *router.Router) *Config {
	c.router = r
	return c
}

// WithCallbackTimeout sets the default deadline for outgoing
// callback requests.
func (c *Config) WithCallbackTimeout(d time.Duration) *Config {
	if d > 0 {
		c.callbackTimeout = d
	}
	return c
}

// WithPingInterval sets the keep-alive cadence. Zero disables the
// keep-alive ticker; callback expiry then runs only on inbound frames.
func (c *Config) WithPingInterval(d time.Duration) *Config {
	if d >= 0 {
		c.pingInterval = d
	}
	return c
}

// WithReadTimeout sets the per-read deadline.
func (c *Config) WithReadTimeout(d time.Duration) *Config {
	if d > 0 {
		c.readTimeout = d
	}
	return c
}

// WithWriteTimeout sets the per-write deadline.
func (c *Config) WithWriteTimeout(d time.Duration) *Config {
	if d > 0 {
		c.writeTimeout = d
	}
	return c
}

// WithQueueSize sets the outbound queue capacity.
func (c *Config) WithQueueSize(size int) *Config {
	if size > 0 {
		c.queueSize = size
	}
	return c
}

// WithMaxPendingCallbacks caps outstanding callbacks per connection.
func (c *Config) WithMaxPendingCallbacks(max int) *Config {
	if max > 0 {
		c.maxPendingCallbacks = max
	}
	return c
}

// WithReadLimit caps inbound frame size in bytes.
func (c *Config) WithReadLimit(limit int64) *Config {
	if limit > 0 {
		c.readLimit = limit
	}
	return c
}

// ReadLimit returns the configured inbound frame size cap. Transports
// enforcing their own frame limit derive it from here so the two
// limits cannot diverge.
func (c *Config) ReadLimit() int64 {
	return c.readLimit
}

// Clone returns a copy that can be customized per connection without
// mutating the original.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Build validates the configuration and freezes it.
func (c *Config) Build() (*Config, error) {
	if c.logger == nil {
		return nil, fmt.Errorf("invalid session configuration, missing: Logger")
	}
	if _, err := codec.ForFormat(c.format); err != nil {
		return nil, fmt.Errorf("invalid session configuration: %w", err)
	}
	return c, nil
}

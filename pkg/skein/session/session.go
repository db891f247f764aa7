// Package session owns the per-connection protocol state machine: it
// performs the handshake, drives the receive loop, and composes the
// codec, event grammar, callback registry and channel router into one
// connection's behavior.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/callback"
	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/wire"
)

// State is a session's lifecycle phase.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session drives one connection. Sessions do not share mutable state
// with each other except through the channel router.
type Session struct {
	id         string
	priorToken string
	transport  Transport
	codec      codec.Codec
	registry   *callback.Registry
	config     *Config
	logger     *zap.Logger

	state  int32
	ctx    context.Context
	cancel context.CancelFunc

	outbound chan wire.Event
	done     chan struct{}

	cleanupOnce sync.Once
}

// New creates a session for an accepted transport. id is the opaque
// connection identity assigned at handshake time; priorToken is the
// peer's previous-session token, empty on a first connection. The
// wire format comes from config, i.e. from transport negotiation.
func New(id, priorToken string, transport Transport, config *Config) (*Session, error) {
	cfg, err := config.Build()
	if err != nil {
		return nil, err
	}
	c, err := codec.ForFormat(cfg.format)
	if err != nil {
		return nil, err
	}

	return &Session{
		id:         id,
		priorToken: priorToken,
		transport:  transport,
		codec:      c,
		registry:   callback.NewRegistry(cfg.maxPendingCallbacks, cfg.logger),
		config:     cfg,
		logger: cfg.logger.With(
			zap.String("conn_id", id),
			zap.String("format", string(cfg.format)),
		),
		outbound: make(chan wire.Event, cfg.queueSize),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the connection id, stable for the session's lifetime.
func (s *Session) ID() string {
	return s.id
}

// State returns the session's current lifecycle phase.
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

// Format returns the negotiated wire format.
func (s *Session) Format() codec.Format {
	return s.codec.Name()
}

func (s *Session) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Run performs the handshake and then blocks in the receive loop until
// the transport closes or the context is cancelled. Cleanup runs
// exactly once on the way out.
func (s *Session) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.setState(StateHandshaking)
	s.logger.Debug("Starting session")

	go s.sender()

	// The handshake is the first frame on the wire; it is informational
	// for the peer and no reply is required to proceed.
	s.Enqueue(s.handshakeEvent())
	s.Enqueue(wire.NewSystemEvent(wire.SystemUIDPortOpen, s.id))

	s.setState(StateOpen)
	s.config.handler.OnOpen(s.id)

	s.receiveLoop()

	s.logger.Debug("Session receive loop stopped")
	s.cleanup()
}

// handshakeEvent builds the canonical four-element handshake payload:
// [uid, prior-token, format-info, first-connection?].
func (s *Session) handshakeEvent() wire.Event {
	var token any
	if s.priorToken != "" {
		token = s.priorToken
	}
	return wire.NewSystemEvent(wire.SystemHandshake, []any{
		s.id,
		token,
		map[string]any{"format": string(s.codec.Name())},
		s.priorToken == "",
	})
}

// Close requests an orderly shutdown: a chsk/uidport-close notice is
// pushed to the peer on a best-effort basis, then the session tears
// down.
func (s *Session) Close() {
	if s.State() < StateClosing {
		s.writeEvent(wire.NewSystemEvent(wire.SystemUIDPortClose, s.id))
	}
	s.cleanup()
}

// Enqueue implements router.Sender. It never blocks: when the outbound
// queue is full or the session is closing, the event is dropped and
// false is returned.
func (s *Session) Enqueue(ev wire.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbound <- ev:
		return true
	default:
		return false
	}
}

// Send queues an event for delivery to the peer.
func (s *Session) Send(ev wire.Event) error {
	if !s.Enqueue(ev) {
		return fmt.Errorf("session %s: outbound queue full or session closed", s.id)
	}
	return nil
}

// SendWithCallback wraps ev in a callback request and returns the
// pending handle. The result is delivered exactly once: the peer's
// reply, a timeout, or a connection-closed failure. A non-positive
// timeout uses the configured default.
func (s *Session) SendWithCallback(ev wire.Event, timeout time.Duration) (*callback.Pending, error) {
	if timeout <= 0 {
		timeout = s.config.callbackTimeout
	}

	id := callback.NewCorrelationID()
	p, err := s.registry.Register(id, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	if !s.Enqueue(&wire.CallbackRequest{Event: ev, CorrelationID: id}) {
		s.registry.Fail(id, fmt.Errorf("session %s: outbound queue full or session closed", s.id))
		return nil, fmt.Errorf("session %s: outbound queue full or session closed", s.id)
	}
	return p, nil
}

// receiveLoop reads one wire unit at a time and runs it through the
// compatibility gate, codec, grammar and dispatch. Each iteration also
// sweeps expired callbacks, so timeout latency is bounded by the
// loop's idle interval.
func (s *Session) receiveLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		readCtx, cancel := context.WithTimeout(s.ctx, s.config.readTimeout)
		data, err := s.transport.Read(readCtx)
		cancel()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("Transport read ended", zap.Error(err))
			}
			return
		}

		s.registry.Expire(time.Now())

		if len(data) == 0 {
			continue
		}
		if int64(len(data)) > s.config.readLimit {
			s.logger.Error("Inbound frame exceeds read limit",
				zap.Int("size", len(data)),
				zap.Int64("limit", s.config.readLimit),
			)
			s.transport.Close("frame too large")
			return
		}

		if err := wire.Classify(data, s.codec.Name()); err != nil {
			// Legacy-shaped input is never silently translated.
			s.logger.Error("Rejecting legacy-format frame", zap.Error(err))
			s.transport.Close("unsupported legacy format")
			return
		}

		value, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Error("Malformed payload", zap.Error(err))
			s.transport.Close("malformed payload")
			return
		}

		ev, err := wire.FromWire(value)
		if err != nil {
			var bad *wire.BadEventError
			if errors.As(err, &bad) {
				// Parses but matches no event shape: the application is
				// notified and the connection stays open.
				s.logger.Warn("Bad event shape", zap.Any("raw", bad.Raw))
				s.config.handler.OnApplicationEvent(s.id,
					wire.NewSystemEvent(wire.SystemBadEvent, bad.Raw), nil)
				continue
			}
			s.logger.Error("Grammar error", zap.Error(err))
			continue
		}

		s.dispatch(ev)
	}
}

// dispatch routes one decoded event. Replies go to the callback
// registry, channel traffic to the router, and everything else to the
// application handler.
func (s *Session) dispatch(ev wire.Event) {
	switch e := ev.(type) {
	case *wire.CallbackReply:
		s.registry.Resolve(e.CorrelationID, e.Data)
	case *wire.CallbackRequest:
		reply := s.replyFunc(e.CorrelationID)
		switch inner := e.Event.(type) {
		case *wire.SystemEvent:
			s.handleSystem(inner, reply)
		case *wire.AppEvent:
			s.handleApp(inner, reply)
		}
	case *wire.SystemEvent:
		s.handleSystem(e, nil)
	case *wire.AppEvent:
		s.handleApp(e, nil)
	}
}

// replyFunc builds the reply sink for a callback request. The
// continuation is invoked at most once; extra calls are ignored.
func (s *Session) replyFunc(correlationID string) ReplyFunc {
	var once sync.Once
	return func(data any) {
		once.Do(func() {
			if !s.Enqueue(&wire.CallbackReply{CorrelationID: correlationID, Data: data}) {
				s.logger.Warn("Dropping callback reply, outbound queue full",
					zap.String("correlation_id", correlationID),
				)
			}
		})
	}
}

func (s *Session) handleSystem(ev *wire.SystemEvent, reply ReplyFunc) {
	switch ev.Name {
	case wire.SystemWSPing:
		// Answered without application involvement.
		s.Enqueue(wire.NewSystemEvent(wire.SystemWSPong, nil))
		if reply != nil {
			reply("pong")
		}
	case wire.SystemWSPong:
		s.logger.Debug("Received pong")
	case wire.SystemHandshake:
		s.logger.Debug("Received peer handshake", zap.Any("data", ev.Data))
	case wire.SystemUIDPortOpen, wire.SystemUIDPortClose, wire.SystemBadEvent:
		s.config.handler.OnApplicationEvent(s.id, ev, reply)
	default:
		s.logger.Warn("Unknown system event", zap.String("name", ev.Name))
	}
}

func (s *Session) handleApp(ev *wire.AppEvent, reply ReplyFunc) {
	if ev.Disc.IsChannel() {
		s.handleChannel(ev, reply)
		return
	}
	s.config.handler.OnApplicationEvent(s.id, ev, reply)
}

// handleChannel services the channel/* extension against the shared
// router.
func (s *Session) handleChannel(ev *wire.AppEvent, reply ReplyFunc) {
	var err error

	if s.config.router == nil {
		err = fmt.Errorf("no channel router configured")
	} else {
		payload, _ := ev.Data.(map[string]any)
		name, _ := payload["channel"].(string)

		switch ev.Disc.Name {
		case wire.ChannelSubscribe:
			err = s.config.router.Subscribe(s.ctx, s, name)
		case wire.ChannelUnsubscribe:
			err = s.config.router.Unsubscribe(s.ctx, s, name)
		case wire.ChannelPublish:
			err = s.config.router.Publish(s.ctx, name, payload["data"], s.id)
		default:
			err = fmt.Errorf("unexpected inbound channel event %s", ev.Disc)
		}
	}

	if err != nil {
		s.logger.Warn("Channel operation failed",
			zap.String("event", ev.Disc.String()),
			zap.Error(err),
		)
	}
	if reply != nil {
		result := map[string]any{"success": err == nil}
		if err != nil {
			result["error"] = err.Error()
		}
		reply(result)
	}
}

// sender serializes all transport writes through one goroutine and
// drives the keep-alive ping plus the periodic callback expiry sweep.
func (s *Session) sender() {
	defer s.logger.Debug("Session sender stopped")

	var pingChan <-chan time.Time
	if s.config.pingInterval > 0 {
		ticker := time.NewTicker(s.config.pingInterval)
		defer ticker.Stop()
		pingChan = ticker.C
	}

	for {
		select {
		case ev := <-s.outbound:
			if err := s.writeEvent(ev); err != nil {
				s.logger.Debug("Transport write failed", zap.Error(err))
				s.cancel()
				return
			}

		case <-pingChan:
			s.registry.Expire(time.Now())
			if err := s.writeEvent(wire.NewSystemEvent(wire.SystemWSPing, nil)); err != nil {
				s.logger.Debug("Keep-alive write failed", zap.Error(err))
				s.cancel()
				return
			}

		case <-s.done:
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) writeEvent(ev wire.Event) error {
	data, err := s.codec.Encode(wire.ToWire(ev))
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.config.writeTimeout)
	defer cancel()
	return s.transport.Write(writeCtx, data)
}

// cleanup tears the session down exactly once: channel memberships are
// removed, pending callbacks fail with ErrConnectionClosed, the
// application is notified, and the transport is closed.
func (s *Session) cleanup() {
	s.cleanupOnce.Do(func() {
		s.setState(StateClosing)
		s.logger.Debug("Closing session")

		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}

		if s.config.router != nil {
			if err := s.config.router.OnConnectionClosed(context.Background(), s.id); err != nil {
				s.logger.Warn("Failed to remove channel memberships", zap.Error(err))
			}
		}

		s.registry.FailAll(callback.ErrConnectionClosed)
		s.config.handler.OnClose(s.id)

		if err := s.transport.Close("session closed"); err != nil {
			s.logger.Debug("Transport close error", zap.Error(err))
		}

		s.setState(StateClosed)
		s.logger.Debug("Session closed")
	})
}

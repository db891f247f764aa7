// Package client implements a skein WebSocket client: it dials a
// listener, mirrors the session dispatch for the client side of the
// protocol, and exposes request/reply and channel pub/sub operations.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/callback"
	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/session"
	"github.com/skeinproject/skein/pkg/skein/wire"
)

// expireSweepInterval bounds callback-timeout detection latency while
// the connection is otherwise idle.
const expireSweepInterval = time.Second

// Client is a connection to a skein server. Build one with NewClient
// and its WithX methods, then call Connect.
type Client struct {
	// Configuration
	url             string
	logger          *zap.Logger
	codec           codec.Codec
	dialTimeout     time.Duration
	queueSize       int
	callbackTimeout time.Duration
	maxPending      int
	sessionToken    string
	headers         map[string][]string
	handler         session.Handler

	// Connection state
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.RWMutex
	started  int32
	stopping int32

	// Request/reply state
	registry *callback.Registry

	// Handshake state
	connID      string
	handshakeCh chan struct{}

	// Internal channels
	writeChannel chan []byte
	done         chan struct{}
}

// Connect establishes the WebSocket connection and starts message
// processing. The server's handshake arrives asynchronously; use
// WaitForHandshake to block until the connection identity is known.
func (c *Client) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return fmt.Errorf("client is already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.writeChannel = make(chan []byte, c.queueSize)
	c.handshakeCh = make(chan struct{})
	c.registry = callback.NewRegistry(c.maxPending, c.logger)

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer dialCancel()

	dialOptions := &websocket.DialOptions{
		Subprotocols: []string{subprotocolForFormat(c.codec.Name())},
	}
	if c.headers != nil || c.sessionToken != "" {
		dialOptions.HTTPHeader = make(map[string][]string)
		for key, values := range c.headers {
			dialOptions.HTTPHeader[key] = values
		}
		if c.sessionToken != "" {
			dialOptions.HTTPHeader["X-Skein-Session"] = []string{c.sessionToken}
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.url, dialOptions)
	if err != nil {
		atomic.StoreInt32(&c.started, 0)
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Skein client connected",
		zap.String("url", c.url),
		zap.String("format", string(c.codec.Name())),
	)

	go c.readLoop()
	go c.writeLoop()

	return nil
}

func subprotocolForFormat(f codec.Format) string {
	return "skein." + string(f)
}

// Disconnect closes the connection and stops message processing. All
// pending callbacks fail with ErrConnectionClosed.
func (c *Client) Disconnect() error {
	if !atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		return nil // Already stopping
	}

	c.logger.Info("Disconnecting skein client")
	c.cleanupWithStatus(websocket.StatusNormalClosure, "client disconnect")
	return nil
}

func (c *Client) cleanupWithStatus(status websocket.StatusCode, reason string) {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close(status, reason)
		c.conn = nil
	}
	// Clearing the id lets a later Connect treat its handshake as the
	// first one for that connection.
	connID := c.connID
	c.connID = ""
	c.mu.Unlock()

	if c.done != nil {
		<-c.done
	}

	if c.registry != nil {
		c.registry.FailAll(callback.ErrConnectionClosed)
	}
	// No handshake ever arrived: there was no OnOpen to pair with.
	if connID != "" {
		c.handler.OnClose(connID)
	}

	atomic.StoreInt32(&c.started, 0)
	atomic.StoreInt32(&c.stopping, 0)
}

// notifyDisconnectError resets the client after a read or write
// failure so it can be reconnected.
func (c *Client) notifyDisconnectError(err error) {
	if atomic.CompareAndSwapInt32(&c.stopping, 0, 1) {
		go func() {
			c.logger.Warn("Connection error, cleaning up", zap.Error(err))
			c.cleanupWithStatus(websocket.StatusInternalError, "connection error")
		}()
	}
}

// ConnID returns the connection identity assigned by the server's
// handshake, or "" before the handshake arrives.
func (c *Client) ConnID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

// WaitForHandshake blocks until the server handshake has been
// received or the context ends.
func (c *Client) WaitForHandshake(ctx context.Context) error {
	select {
	case <-c.handshakeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Send queues a fire-and-forget event.
func (c *Client) Send(ev wire.Event) error {
	if atomic.LoadInt32(&c.started) == 0 {
		return fmt.Errorf("client is not connected")
	}
	return c.enqueue(ev)
}

// SendWithCallback wraps ev in a callback request. The returned
// pending handle resolves exactly once with the server's reply, a
// timeout, or a connection-closed failure.
func (c *Client) SendWithCallback(ev wire.Event, timeout time.Duration) (*callback.Pending, error) {
	if atomic.LoadInt32(&c.started) == 0 {
		return nil, fmt.Errorf("client is not connected")
	}
	if timeout <= 0 {
		timeout = c.callbackTimeout
	}

	id := callback.NewCorrelationID()
	p, err := c.registry.Register(id, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	if err := c.enqueue(&wire.CallbackRequest{Event: ev, CorrelationID: id}); err != nil {
		c.registry.Fail(id, err)
		return nil, err
	}
	return p, nil
}

// Subscribe asks the server to add this connection to a channel. The
// channel/subscribed acknowledgement arrives via the handler.
func (c *Client) Subscribe(channel string) error {
	return c.Send(wire.NewAppEvent(
		wire.NamespaceChannel+"/"+wire.ChannelSubscribe,
		map[string]any{"channel": channel},
	))
}

// Unsubscribe removes this connection from a channel.
func (c *Client) Unsubscribe(channel string) error {
	return c.Send(wire.NewAppEvent(
		wire.NamespaceChannel+"/"+wire.ChannelUnsubscribe,
		map[string]any{"channel": channel},
	))
}

// Publish fans data out to a channel's subscribers.
func (c *Client) Publish(channel string, data any) error {
	return c.Send(wire.NewAppEvent(
		wire.NamespaceChannel+"/"+wire.ChannelPublish,
		map[string]any{"channel": channel, "data": data},
	))
}

func (c *Client) enqueue(ev wire.Event) error {
	data, err := c.codec.Encode(wire.ToWire(ev))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	select {
	case c.writeChannel <- data:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		return fmt.Errorf("write channel is full")
	}
}

// readLoop processes incoming frames from the WebSocket.
func (c *Client) readLoop() {
	defer close(c.done)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("Failed to read from WebSocket", zap.Error(err))
				c.notifyDisconnectError(err)
			}
			return
		}

		c.registry.Expire(time.Now())
		c.handleFrame(data)
	}
}

// writeLoop serializes outgoing frames and drives the periodic
// callback expiry sweep.
func (c *Client) writeLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	sweep := time.NewTicker(expireSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-sweep.C:
			c.registry.Expire(time.Now())
		case data := <-c.writeChannel:
			msgType := websocket.MessageText
			if c.codec.Name().Binary() {
				msgType = websocket.MessageBinary
			}
			if err := conn.Write(c.ctx, msgType, data); err != nil {
				if c.ctx.Err() == nil {
					c.logger.Error("Failed to write to WebSocket", zap.Error(err))
					c.notifyDisconnectError(err)
				}
				return
			}
		}
	}
}

// handleFrame runs one inbound frame through the gate, codec and
// grammar, then dispatches it.
func (c *Client) handleFrame(data []byte) {
	if len(data) == 0 {
		return
	}

	if err := wire.Classify(data, c.codec.Name()); err != nil {
		c.logger.Error("Rejecting legacy-format frame", zap.Error(err))
		c.notifyDisconnectError(err)
		return
	}

	value, err := c.codec.Decode(data)
	if err != nil {
		c.logger.Error("Malformed payload", zap.Error(err))
		c.notifyDisconnectError(err)
		return
	}

	ev, err := wire.FromWire(value)
	if err != nil {
		c.logger.Warn("Bad event shape from server", zap.Any("raw", value))
		return
	}

	c.dispatch(ev)
}

func (c *Client) dispatch(ev wire.Event) {
	switch e := ev.(type) {
	case *wire.CallbackReply:
		c.registry.Resolve(e.CorrelationID, e.Data)
	case *wire.CallbackRequest:
		reply := c.replyFunc(e.CorrelationID)
		switch inner := e.Event.(type) {
		case *wire.SystemEvent:
			c.handleSystem(inner, reply)
		case *wire.AppEvent:
			c.handler.OnApplicationEvent(c.ConnID(), inner, reply)
		}
	case *wire.SystemEvent:
		c.handleSystem(e, nil)
	case *wire.AppEvent:
		c.handler.OnApplicationEvent(c.ConnID(), e, nil)
	}
}

func (c *Client) replyFunc(correlationID string) session.ReplyFunc {
	var once sync.Once
	return func(data any) {
		once.Do(func() {
			if err := c.enqueue(&wire.CallbackReply{CorrelationID: correlationID, Data: data}); err != nil {
				c.logger.Warn("Dropping callback reply", zap.Error(err))
			}
		})
	}
}

func (c *Client) handleSystem(ev *wire.SystemEvent, reply session.ReplyFunc) {
	switch ev.Name {
	case wire.SystemHandshake:
		c.handleHandshake(ev)
	case wire.SystemWSPing:
		if err := c.enqueue(wire.NewSystemEvent(wire.SystemWSPong, nil)); err != nil {
			c.logger.Warn("Failed to answer ping", zap.Error(err))
		}
		if reply != nil {
			reply("pong")
		}
	case wire.SystemWSPong:
		c.logger.Debug("Received pong")
	default:
		c.handler.OnApplicationEvent(c.ConnID(), ev, reply)
	}
}

// handleHandshake captures the connection identity from the canonical
// four-element handshake payload [uid, prior-token, format-info,
// first-connection?].
func (c *Client) handleHandshake(ev *wire.SystemEvent) {
	fields, ok := ev.Data.([]any)
	if !ok || len(fields) != 4 {
		c.logger.Warn("Unexpected handshake shape", zap.Any("data", ev.Data))
		return
	}
	uid, ok := fields[0].(string)
	if !ok || uid == "" {
		c.logger.Warn("Handshake missing connection id", zap.Any("data", ev.Data))
		return
	}

	c.mu.Lock()
	first := c.connID == ""
	c.connID = uid
	c.mu.Unlock()

	c.logger.Debug("Handshake received", zap.String("conn_id", uid))
	if first {
		close(c.handshakeCh)
		c.handler.OnOpen(uid)
	}
}

// Package router maintains channel membership and fans published
// messages out to subscribers. One router instance is shared by every
// connection on a listener; it is the only intentionally shared
// structure in the protocol core. All mutation goes through a single
// owning goroutine, so a publish always observes a consistent
// subscriber snapshot.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skeinproject/skein/pkg/skein/o11y"
	"github.com/skeinproject/skein/pkg/skein/wire"
)

// Sender is the outbound half of a connection as the router sees it.
// Enqueue must not block: a slow subscriber drops its own copy of a
// fan-out, never delaying delivery to others.
type Sender interface {
	ID() string
	Enqueue(ev wire.Event) bool
}

// msgType discriminates router actor messages.
type msgType int

const (
	msgSubscribe msgType = iota
	msgUnsubscribe
	msgPublish
	msgConnClosed
)

// message is one unit of work for the router's owning goroutine.
type message struct {
	ctx        context.Context
	msgType    msgType
	channel    string
	data       any
	sender     Sender
	from       string
	responseCh chan error
}

// Router owns the channel-membership table.
type Router struct {
	ch      chan message
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started int32

	// channel name -> connection id -> sender
	channels map[string]map[string]Sender
	// connection id -> set of channel names, for teardown
	memberships map[string]map[string]struct{}

	logger         *zap.Logger
	excludeSelf    bool
	maxChannelName int

	metricsProvider o11y.MetricsProvider
	tracingProvider o11y.TracingProvider

	subscribeCounter   o11y.Counter
	unsubscribeCounter o11y.Counter
	publishCounter     o11y.Counter
	deliveryCounter    o11y.Counter
	droppedCounter     o11y.Counter
	publishLatency     o11y.Histogram
	subscriberGauge    o11y.Gauge
}

const (
	// DefaultBufferSize is the capacity of the router's work queue.
	DefaultBufferSize = 1000

	// DefaultMaxChannelName bounds channel-name length as a
	// resource-exhaustion guard.
	DefaultMaxChannelName = 256
)

// Config controls router construction. The zero value gives the
// defaults: publisher excluded from its own fan-out, 256-byte channel
// names, no observability.
type Config struct {
	// BufferSize is the work-queue capacity (default 1000).
	BufferSize int

	// IncludePublisher delivers a publish back to the publishing
	// connection as well. Default is to exclude the publisher.
	IncludePublisher bool

	// MaxChannelNameLen bounds channel-name length (default 256).
	MaxChannelNameLen int

	// Observability optionally wires metrics and tracing.
	Observability *o11y.Config
}

// NewRouter creates a stopped router. Call Start before use.
func NewRouter(logger *zap.Logger, config *Config) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config == nil {
		config = &Config{}
	}

	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	maxName := config.MaxChannelNameLen
	if maxName <= 0 {
		maxName = DefaultMaxChannelName
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		ch:             make(chan message, bufferSize),
		ctx:            ctx,
		cancel:         cancel,
		channels:       make(map[string]map[string]Sender),
		memberships:    make(map[string]map[string]struct{}),
		logger:         logger,
		excludeSelf:    !config.IncludePublisher,
		maxChannelName: maxName,
	}

	if config.Observability != nil {
		r.setupObservability(config.Observability)
	}

	return r
}

func (r *Router) setupObservability(config *o11y.Config) {
	r.metricsProvider = config.MetricsProvider
	r.tracingProvider = config.TracingProvider

	if r.metricsProvider != nil {
		r.subscribeCounter = r.metricsProvider.Counter("skein_channel_subscribes_total")
		r.unsubscribeCounter = r.metricsProvider.Counter("skein_channel_unsubscribes_total")
		r.publishCounter = r.metricsProvider.Counter("skein_channel_publishes_total")
		r.deliveryCounter = r.metricsProvider.Counter("skein_channel_deliveries_total")
		r.droppedCounter = r.metricsProvider.Counter("skein_channel_drops_total")
		r.publishLatency = r.metricsProvider.Histogram("skein_channel_publish_duration_seconds")
		r.subscriberGauge = r.metricsProvider.Gauge("skein_channel_subscriptions")
	}
}

// Start begins the router's owning goroutine.
func (r *Router) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return fmt.Errorf("router already started")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Info("Channel router started")

		for {
			select {
			case msg := <-r.ch:
				switch msg.msgType {
				case msgSubscribe:
					msg.responseCh <- r.doSubscribe(msg)
				case msgUnsubscribe:
					msg.responseCh <- r.doUnsubscribe(msg)
				case msgPublish:
					r.doPublish(msg)
				case msgConnClosed:
					msg.responseCh <- r.doConnClosed(msg)
				}
			case <-r.ctx.Done():
				r.logger.Info("Channel router stopping")
				return
			}
		}
	}()

	return nil
}

// Stop shuts the router down. Pending work in the queue is discarded.
func (r *Router) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return fmt.Errorf("router not started")
	}

	r.cancel()
	r.wg.Wait()
	r.logger.Info("Channel router stopped")
	return nil
}

// Subscribe adds sender to a channel's subscriber set, creating the
// channel lazily. Subscribing twice is a no-op. On success a
// channel/subscribed acknowledgement is enqueued to the requester.
func (r *Router) Subscribe(ctx context.Context, sender Sender, channel string) error {
	if err := r.validateChannel(channel); err != nil {
		return err
	}
	err := r.roundTrip(message{
		ctx:     ctx,
		msgType: msgSubscribe,
		channel: channel,
		sender:  sender,
	})

	if err == nil && r.subscribeCounter != nil {
		r.subscribeCounter.Add(ctx, 1, o11y.Label{Key: "channel", Value: channel})
	}
	return err
}

// Unsubscribe removes sender from a channel. Unsubscribing from a
// channel it is not in is a no-op.
func (r *Router) Unsubscribe(ctx context.Context, sender Sender, channel string) error {
	if err := r.validateChannel(channel); err != nil {
		return err
	}
	err := r.roundTrip(message{
		ctx:     ctx,
		msgType: msgUnsubscribe,
		channel: channel,
		sender:  sender,
	})

	if err == nil && r.unsubscribeCounter != nil {
		r.unsubscribeCounter.Add(ctx, 1, o11y.Label{Key: "channel", Value: channel})
	}
	return err
}

// Publish fans data out to the channel's current subscribers as a
// channel/message event. Delivery is a non-blocking enqueue per
// subscriber; once accepted, a publish completes delivery to the
// subscriber snapshot taken at acceptance time.
func (r *Router) Publish(ctx context.Context, channel string, data any, fromConnID string) error {
	if err := r.validateChannel(channel); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	var span o11y.Span
	if r.tracingProvider != nil {
		ctx, span = r.tracingProvider.StartSpan(ctx, "router.publish")
		span.SetAttributes(
			o11y.Label{Key: "channel", Value: channel},
			o11y.Label{Key: "from", Value: fromConnID},
		)
		defer span.End()
	}

	if r.publishCounter != nil {
		r.publishCounter.Add(ctx, 1, o11y.Label{Key: "channel", Value: channel})
	}

	err := r.accept(message{
		ctx:     ctx,
		msgType: msgPublish,
		channel: channel,
		data:    data,
		from:    fromConnID,
	})

	if r.publishLatency != nil {
		r.publishLatency.Record(ctx, time.Since(start).Seconds(),
			o11y.Label{Key: "channel", Value: channel})
	}
	if span != nil {
		if err != nil {
			span.SetStatus(o11y.SpanStatusError, err.Error())
		} else {
			span.SetStatus(o11y.SpanStatusOK, "")
		}
	}
	return err
}

// OnConnectionClosed removes a connection from every channel it
// belongs to. It must be called exactly when the connection's
// transport closes; a closed connection's handle is never written to
// again afterwards.
func (r *Router) OnConnectionClosed(ctx context.Context, connID string) error {
	return r.roundTrip(message{
		ctx:     ctx,
		msgType: msgConnClosed,
		from:    connID,
	})
}

func (r *Router) validateChannel(channel string) error {
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}
	if len(channel) > r.maxChannelName {
		return fmt.Errorf("channel name exceeds %d bytes", r.maxChannelName)
	}
	return nil
}

// accept queues a message without waiting for completion.
func (r *Router) accept(msg message) error {
	if atomic.LoadInt32(&r.started) == 0 {
		return fmt.Errorf("router not started")
	}

	select {
	case r.ch <- msg:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("router stopped")
	default:
		r.logger.Warn("Router queue full, message dropped",
			zap.String("channel", msg.channel),
		)
		return fmt.Errorf("router queue full")
	}
}

// roundTrip queues a message and waits for the owning goroutine to
// process it.
func (r *Router) roundTrip(msg message) error {
	msg.responseCh = make(chan error, 1)
	if err := r.accept(msg); err != nil {
		return err
	}

	select {
	case err := <-msg.responseCh:
		return err
	case <-r.ctx.Done():
		return fmt.Errorf("router stopped")
	}
}

// The do* methods below run only on the owning goroutine.

func (r *Router) doSubscribe(msg message) error {
	connID := msg.sender.ID()

	subs, ok := r.channels[msg.channel]
	if !ok {
		subs = make(map[string]Sender)
		r.channels[msg.channel] = subs
	}

	if _, already := subs[connID]; !already {
		subs[connID] = msg.sender

		chans, ok := r.memberships[connID]
		if !ok {
			chans = make(map[string]struct{})
			r.memberships[connID] = chans
		}
		chans[msg.channel] = struct{}{}
		r.updateSubscriberGauge(msg.ctx)
	}

	ack := wire.NewAppEvent(wire.NamespaceChannel+"/"+wire.ChannelSubscribed, map[string]any{
		"channel": msg.channel,
		"success": true,
	})
	if !msg.sender.Enqueue(ack) {
		r.logger.Warn("Subscriber queue full, dropping subscribe acknowledgement",
			zap.String("channel", msg.channel),
			zap.String("conn_id", connID),
		)
	}
	return nil
}

func (r *Router) doUnsubscribe(msg message) error {
	connID := msg.sender.ID()
	r.removeMember(msg.channel, connID)
	r.updateSubscriberGauge(msg.ctx)
	return nil
}

func (r *Router) doPublish(msg message) {
	subs, ok := r.channels[msg.channel]
	if !ok {
		return
	}

	ev := wire.NewAppEvent(wire.NamespaceChannel+"/"+wire.ChannelMessage, map[string]any{
		"channel": msg.channel,
		"data":    msg.data,
		"from":    msg.from,
	})

	for connID, sender := range subs {
		if r.excludeSelf && connID == msg.from {
			continue
		}
		if sender.Enqueue(ev) {
			if r.deliveryCounter != nil {
				r.deliveryCounter.Add(msg.ctx, 1, o11y.Label{Key: "channel", Value: msg.channel})
			}
		} else {
			r.logger.Warn("Subscriber queue full, dropping channel message",
				zap.String("channel", msg.channel),
				zap.String("conn_id", connID),
			)
			if r.droppedCounter != nil {
				r.droppedCounter.Add(msg.ctx, 1, o11y.Label{Key: "channel", Value: msg.channel})
			}
		}
	}
}

func (r *Router) doConnClosed(msg message) error {
	connID := msg.from
	chans, ok := r.memberships[connID]
	if !ok {
		return nil
	}
	for channel := range chans {
		r.removeMember(channel, connID)
	}
	r.updateSubscriberGauge(msg.ctx)
	return nil
}

// removeMember drops one membership edge, reclaiming the channel entry
// and the connection's membership set when they become empty.
func (r *Router) removeMember(channel, connID string) {
	if subs, ok := r.channels[channel]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
	if chans, ok := r.memberships[connID]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.memberships, connID)
		}
	}
}

func (r *Router) updateSubscriberGauge(ctx context.Context) {
	if r.subscriberGauge == nil {
		return
	}
	total := 0
	for _, subs := range r.channels {
		total += len(subs)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.subscriberGauge.Set(ctx, float64(total))
}

package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinproject/skein/pkg/skein/o11y"
	"github.com/skeinproject/skein/pkg/skein/wire"
)

// fakeSender records events the router enqueues to it.
type fakeSender struct {
	id     string
	mu     sync.Mutex
	events []wire.Event
	full   bool
}

func newFakeSender(id string) *fakeSender {
	return &fakeSender{id: id}
}

func (f *fakeSender) ID() string {
	return f.id
}

func (f *fakeSender) Enqueue(ev wire.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.events = append(f.events, ev)
	return true
}

func (f *fakeSender) Events() []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Event, len(f.events))
	copy(out, f.events)
	return out
}

// messages returns the payloads of channel/message events received on
// the given channel.
func (f *fakeSender) messages(channel string) []any {
	var out []any
	for _, ev := range f.Events() {
		app, ok := ev.(*wire.AppEvent)
		if !ok || app.Disc.Name != wire.ChannelMessage {
			continue
		}
		payload := app.Data.(map[string]any)
		if payload["channel"] == channel {
			out = append(out, payload["data"])
		}
	}
	return out
}

func startRouter(t *testing.T, config *Config) *Router {
	t.Helper()
	r := NewRouter(zaptest.NewLogger(t), config)
	require.NoError(t, r.Start())
	t.Cleanup(func() { r.Stop() })
	return r
}

func TestStartStop(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t), nil)

	require.Error(t, r.Stop(), "stop before start should fail")
	require.NoError(t, r.Start())
	require.Error(t, r.Start(), "double start should fail")
	require.NoError(t, r.Stop())
	require.Error(t, r.Stop(), "double stop should fail")
}

func TestSubscribeAcknowledged(t *testing.T) {
	r := startRouter(t, nil)
	a := newFakeSender("conn-a")

	require.NoError(t, r.Subscribe(context.Background(), a, "room1"))

	events := a.Events()
	require.Len(t, events, 1)

	ack, ok := events[0].(*wire.AppEvent)
	require.True(t, ok)
	assert.Equal(t, "channel/subscribed", ack.Disc.String())
	assert.Equal(t, map[string]any{"channel": "room1", "success": true}, ack.Data)
}

func TestPublishExcludesPublisher(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()

	a := newFakeSender("conn-a")
	b := newFakeSender("conn-b")
	c := newFakeSender("conn-c")
	for _, s := range []*fakeSender{a, b, c} {
		require.NoError(t, r.Subscribe(ctx, s, "room1"))
	}

	require.NoError(t, r.Publish(ctx, "room1", "hello", "conn-a"))

	require.Eventually(t, func() bool {
		return len(b.messages("room1")) == 1 && len(c.messages("room1")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.messages("room1"), "publisher should not receive its own publish")

	payload := b.Events()[len(b.Events())-1].(*wire.AppEvent).Data.(map[string]any)
	assert.Equal(t, "conn-a", payload["from"])
	assert.Equal(t, "hello", payload["data"])

	// After B unsubscribes, a second publish reaches only C.
	require.NoError(t, r.Unsubscribe(ctx, b, "room1"))
	require.NoError(t, r.Publish(ctx, "room1", "again", "conn-a"))

	require.Eventually(t, func() bool {
		return len(c.messages("room1")) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, b.messages("room1"), 1)
}

func TestPublishIncludesPublisherWhenConfigured(t *testing.T) {
	r := startRouter(t, &Config{IncludePublisher: true})
	ctx := context.Background()

	a := newFakeSender("conn-a")
	require.NoError(t, r.Subscribe(ctx, a, "room1"))
	require.NoError(t, r.Publish(ctx, "room1", "echo", "conn-a"))

	require.Eventually(t, func() bool {
		return len(a.messages("room1")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeIdempotent(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()

	a := newFakeSender("conn-a")
	require.NoError(t, r.Subscribe(ctx, a, "room1"))
	require.NoError(t, r.Subscribe(ctx, a, "room1"))

	require.NoError(t, r.Publish(ctx, "room1", "once", "other"))
	require.Eventually(t, func() bool {
		return len(a.messages("room1")) == 1
	}, time.Second, 5*time.Millisecond)

	// Still only one delivery per publish.
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.messages("room1"), 1)
}

func TestUnsubscribeUnknownIsNoOp(t *testing.T) {
	r := startRouter(t, nil)
	a := newFakeSender("conn-a")

	require.NoError(t, r.Unsubscribe(context.Background(), a, "never-joined"))
}

func TestOnConnectionClosed(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()

	a := newFakeSender("conn-a")
	b := newFakeSender("conn-b")
	require.NoError(t, r.Subscribe(ctx, a, "room1"))
	require.NoError(t, r.Subscribe(ctx, a, "room2"))
	require.NoError(t, r.Subscribe(ctx, b, "room1"))

	require.NoError(t, r.OnConnectionClosed(ctx, "conn-a"))

	require.NoError(t, r.Publish(ctx, "room1", "after", "other"))
	require.NoError(t, r.Publish(ctx, "room2", "after", "other"))

	require.Eventually(t, func() bool {
		return len(b.messages("room1")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.messages("room1"))
	assert.Empty(t, a.messages("room2"))
}

// Messages published by one sender arrive at every subscriber in
// publish order.
func TestPublishOrdering(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()

	sub := newFakeSender("conn-sub")
	require.NoError(t, r.Subscribe(ctx, sub, "room1"))

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, r.Publish(ctx, "room1", fmt.Sprintf("msg-%02d", i), "conn-pub"))
	}

	require.Eventually(t, func() bool {
		return len(sub.messages("room1")) == n
	}, time.Second, 5*time.Millisecond)

	got := sub.messages("room1")
	for i, data := range got {
		assert.Equal(t, fmt.Sprintf("msg-%02d", i), data)
	}
}

// A full subscriber queue drops that subscriber's copy without
// affecting delivery to others.
func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	r := startRouter(t, nil)
	ctx := context.Background()

	slow := newFakeSender("conn-slow")
	slow.full = true
	fast := newFakeSender("conn-fast")
	require.NoError(t, r.Subscribe(ctx, slow, "room1"))
	require.NoError(t, r.Subscribe(ctx, fast, "room1"))

	require.NoError(t, r.Publish(ctx, "room1", "payload", "other"))

	require.Eventually(t, func() bool {
		return len(fast.messages("room1")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, slow.messages("room1"))
}

func TestChannelNameValidation(t *testing.T) {
	r := startRouter(t, &Config{MaxChannelNameLen: 8})
	ctx := context.Background()
	a := newFakeSender("conn-a")

	require.Error(t, r.Subscribe(ctx, a, ""))
	require.Error(t, r.Subscribe(ctx, a, strings.Repeat("x", 9)))
	require.NoError(t, r.Subscribe(ctx, a, strings.Repeat("x", 8)))

	require.Error(t, r.Publish(ctx, "", "data", "conn-a"))
}

func TestOperationsAfterStop(t *testing.T) {
	r := NewRouter(zaptest.NewLogger(t), nil)
	require.NoError(t, r.Start())
	require.NoError(t, r.Stop())

	a := newFakeSender("conn-a")
	require.Error(t, r.Subscribe(context.Background(), a, "room1"))
	require.Error(t, r.Publish(context.Background(), "room1", "x", "conn-a"))
}

// fakeMetrics records counter increments by metric name.
type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]*fakeCounter
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counters: make(map[string]*fakeCounter)}
}

func (m *fakeMetrics) Counter(name string) o11y.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		c = &fakeCounter{}
		m.counters[name] = c
	}
	return c
}

func (m *fakeMetrics) Histogram(name string) o11y.Histogram { return fakeHistogram{} }
func (m *fakeMetrics) Gauge(name string) o11y.Gauge         { return fakeGauge{} }

func (m *fakeMetrics) count(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[name]
	if !ok {
		return 0
	}
	return c.value()
}

type fakeCounter struct {
	mu sync.Mutex
	n  int64
}

func (c *fakeCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += value
}

func (c *fakeCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type fakeHistogram struct{}

func (fakeHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {}

type fakeGauge struct{}

func (fakeGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {}

// Failed operations must not inflate the subscribe and unsubscribe
// counters.
func TestCountersTrackOnlySuccessfulOperations(t *testing.T) {
	metrics := newFakeMetrics()
	r := NewRouter(zaptest.NewLogger(t), &Config{
		Observability: &o11y.Config{MetricsProvider: metrics},
	})
	require.NoError(t, r.Start())

	ctx := context.Background()
	a := newFakeSender("conn-a")
	require.NoError(t, r.Subscribe(ctx, a, "room1"))
	require.NoError(t, r.Unsubscribe(ctx, a, "room1"))
	assert.Equal(t, int64(1), metrics.count("skein_channel_subscribes_total"))
	assert.Equal(t, int64(1), metrics.count("skein_channel_unsubscribes_total"))

	require.NoError(t, r.Stop())
	require.Error(t, r.Subscribe(ctx, a, "room1"))
	require.Error(t, r.Unsubscribe(ctx, a, "room1"))
	assert.Equal(t, int64(1), metrics.count("skein_channel_subscribes_total"))
	assert.Equal(t, int64(1), metrics.count("skein_channel_unsubscribes_total"))
}

package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/skeinproject/skein/pkg/skein/codec"
	"github.com/skeinproject/skein/pkg/skein/session"
	"github.com/skeinproject/skein/pkg/skein/wire"
)

func TestBuildRequiresURL(t *testing.T) {
	_, err := NewClient().Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL")
}

func TestBuildRejectsUnknownFormat(t *testing.T) {
	_, err := NewClient().
		WithURL("ws://localhost:8080/skein").
		WithFormat(codec.Format("xml")).
		Build()
	require.Error(t, err)
}

func TestBuildDefaults(t *testing.T) {
	c, err := NewClient().WithURL("ws://localhost:8080/skein").Build()
	require.NoError(t, err)

	assert.Equal(t, codec.FormatJSON, c.codec.Name())
	assert.Equal(t, 30*time.Second, c.dialTimeout)
	assert.Equal(t, 100, c.queueSize)
	assert.Empty(t, c.sessionToken)
}

func TestBuildOverrides(t *testing.T) {
	c, err := NewClient().
		WithURL("ws://localhost:8080/skein").
		WithLogger(zaptest.NewLogger(t)).
		WithFormat(codec.FormatMsgpack).
		WithDialTimeout(5 * time.Second).
		WithQueueSize(16).
		WithCallbackTimeout(time.Second).
		WithSessionToken("token-1").
		WithHeaders(map[string][]string{"X-Custom": {"v"}}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, codec.FormatMsgpack, c.codec.Name())
	assert.Equal(t, 5*time.Second, c.dialTimeout)
	assert.Equal(t, 16, c.queueSize)
	assert.Equal(t, time.Second, c.callbackTimeout)
	assert.Equal(t, "token-1", c.sessionToken)
	assert.Equal(t, []string{"v"}, c.headers["X-Custom"])
}

func TestSubprotocolForFormat(t *testing.T) {
	assert.Equal(t, "skein.json", subprotocolForFormat(codec.FormatJSON))
	assert.Equal(t, "skein.edn", subprotocolForFormat(codec.FormatEDN))
	assert.Equal(t, "skein.msgpack", subprotocolForFormat(codec.FormatMsgpack))
}

// lifecycleHandler records open and close notifications.
type lifecycleHandler struct {
	mu     sync.Mutex
	opened []string
	closed []string
}

func (h *lifecycleHandler) OnOpen(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, connID)
}

func (h *lifecycleHandler) OnClose(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = append(h.closed, connID)
}

func (h *lifecycleHandler) OnApplicationEvent(connID string, ev wire.Event, reply session.ReplyFunc) {
}

func (h *lifecycleHandler) closedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.closed))
	copy(out, h.closed)
	return out
}

// A client that never completed a handshake has no session to close,
// so Disconnect must not report one.
func TestDisconnectWithoutHandshakeSkipsClose(t *testing.T) {
	handler := &lifecycleHandler{}
	c, err := NewClient().
		WithURL("ws://localhost:8080/skein").
		WithLogger(zaptest.NewLogger(t)).
		WithHandler(handler).
		Build()
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	assert.Empty(t, handler.closedIDs())
}

func TestOperationsBeforeConnect(t *testing.T) {
	c, err := NewClient().WithURL("ws://localhost:8080/skein").Build()
	require.NoError(t, err)

	require.Error(t, c.Subscribe("room1"))
	require.Error(t, c.Publish("room1", "data"))
	_, err = c.SendWithCallback(nil, time.Second)
	require.Error(t, err)
	assert.Empty(t, c.ConnID())
}

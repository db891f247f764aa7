package session

import (
	"github.com/skeinproject/skein/pkg/skein/wire"
)

// ReplyFunc sends the reply for a callback-carrying event. It is safe
// to call from any goroutine and calling it more than once only
// delivers the first reply.
type ReplyFunc func(data any)

// Handler is the embedding application's view of a session. Sessions
// call it from their receive loop, so implementations should hand
// long-running work off rather than block the loop.
type Handler interface {
	// OnOpen is called once the session reaches the Open state, after
	// the handshake has been pushed to the peer.
	OnOpen(connID string)

	// OnClose is called exactly once when the session closes.
	OnClose(connID string)

	// OnApplicationEvent delivers an application event, or a
	// chsk/bad-event notification for input that parsed but matched no
	// event shape. reply is non-nil only when the peer asked for a
	// callback reply.
	OnApplicationEvent(connID string, ev wire.Event, reply ReplyFunc)
}

// NopHandler ignores everything. Embed it to implement only the
// callbacks a service cares about.
type NopHandler struct{}

func (NopHandler) OnOpen(connID string)  {}
func (NopHandler) OnClose(connID string) {}
func (NopHandler) OnApplicationEvent(connID string, ev wire.Event, reply ReplyFunc) {
}

package server

import (
	"context"

	"github.com/coder/websocket"
)

// wsTransport adapts a coder/websocket connection to the session
// Transport interface.
type wsTransport struct {
	conn    *websocket.Conn
	msgType websocket.MessageType
}

func newWSTransport(conn *websocket.Conn, binary bool) *wsTransport {
	msgType := websocket.MessageText
	if binary {
		msgType = websocket.MessageBinary
	}
	return &wsTransport{conn: conn, msgType: msgType}
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, t.msgType, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

package session

import (
	"context"
)

// Transport is the capability interface a session drives. Protocol
// logic never branches per host runtime; runtime-specific adapters
// (WebSocket server accept, WebSocket dialer, in-memory test pipes)
// implement this interface instead.
//
// Read and Write are the only operations permitted to suspend within a
// loop iteration; everything above them is synchronous.
type Transport interface {
	// Read returns the next complete wire unit.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one complete wire unit.
	Write(ctx context.Context, data []byte) error

	// Close tears the transport down with a diagnostic reason.
	Close(reason string) error
}

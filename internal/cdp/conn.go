// Package cdp provides a Chrome DevTools Protocol connection with command
// correlation, an event bus, and flattened target sessions.
package cdp

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// MaxMessageSize bounds a single incoming protocol frame.
// Screenshots and large DOM snapshots easily exceed the websocket default.
const MaxMessageSize = 64 << 20

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// DialConn opens the transport to a CDP websocket endpoint.
func DialConn(ctx context.Context, wsURL string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP endpoint: %w", err)
	}
	conn.SetReadLimit(MaxMessageSize)
	return conn, nil
}

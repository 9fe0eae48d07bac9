package cdp

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when no correlated response arrives before the deadline.
	ErrTimeout = errors.New("cdp command timed out")

	// ErrConnectionClosed is returned for every pending and future command
	// once the underlying socket is gone.
	ErrConnectionClosed = errors.New("cdp connection closed")

	// ErrTargetGone is returned for commands on a session whose target was destroyed.
	ErrTargetGone = errors.New("target gone")
)

// ProtocolError is a command answered with an error payload.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// IsConnectionError reports whether err means the connection or its session
// can no longer carry commands.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrTargetGone)
}

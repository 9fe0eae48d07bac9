// Package cdptest provides an in-memory CDP peer for tests.
//
// Conn satisfies cdp.Conn. Commands written by the client are recorded and
// answered by per-method responders; tests can also push events and
// responses directly or sever the transport.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrClosed is returned by Read after Close or Drop.
var ErrClosed = errors.New("cdptest: connection closed")

// Call is a command received from the client.
type Call struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Decode unmarshals the call params into v.
func (c Call) Decode(v any) error {
	if len(c.Params) == 0 {
		return nil
	}
	return json.Unmarshal(c.Params, v)
}

// Result builds a success response for c.
func (c Call) Result(v any) map[string]any {
	if v == nil {
		v = struct{}{}
	}
	m := map[string]any{"id": c.ID, "result": v}
	if c.SessionID != "" {
		m["sessionId"] = c.SessionID
	}
	return m
}

// Error builds an error response for c.
func (c Call) Error(code int, message string) map[string]any {
	m := map[string]any{"id": c.ID, "error": map[string]any{"code": code, "message": message}}
	if c.SessionID != "" {
		m["sessionId"] = c.SessionID
	}
	return m
}

// Event builds an event frame. An empty sessionID is a browser-level event.
func Event(method, sessionID string, params any) map[string]any {
	if params == nil {
		params = struct{}{}
	}
	m := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		m["sessionId"] = sessionID
	}
	return m
}

// Responder produces the frames sent back for a call. Returning nil leaves
// the call unanswered.
type Responder func(Call) []any

// Reply answers every call with an empty result.
func Reply(c Call) []any {
	return []any{c.Result(nil)}
}

// Silent never answers.
func Silent(Call) []any {
	return nil
}

// Conn is an in-memory cdp.Conn.
type Conn struct {
	mu         sync.Mutex
	inbox      chan []byte
	calls      []Call
	changed    chan struct{}
	responders map[string]Responder
	fallback   Responder
	writeErr   error
	readErr    error
	closed     bool
	closeCh    chan struct{}
}

// New creates a Conn that answers unknown methods with an empty result.
func New() *Conn {
	return &Conn{
		inbox:      make(chan []byte, 4096),
		changed:    make(chan struct{}),
		responders: make(map[string]Responder),
		fallback:   Reply,
		closeCh:    make(chan struct{}),
	}
}

// Handle sets the responder for method.
func (c *Conn) Handle(method string, r Responder) {
	c.mu.Lock()
	c.responders[method] = r
	c.mu.Unlock()
}

// Fallback sets the responder used for methods without a handler.
func (c *Conn) Fallback(r Responder) {
	c.mu.Lock()
	c.fallback = r
	c.mu.Unlock()
}

// FailWrites makes every subsequent Write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Emit queues frames for the client to read. Each frame is marshalled to
// JSON unless it is already a []byte or string.
func (c *Conn) Emit(frames ...any) {
	for _, f := range frames {
		var data []byte
		switch v := f.(type) {
		case []byte:
			data = v
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				panic(fmt.Sprintf("cdptest: marshal frame: %v", err))
			}
		}
		select {
		case c.inbox <- data:
		case <-c.closeCh:
			return
		}
	}
}

// Drop severs the transport as if the remote end went away.
func (c *Conn) Drop(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	c.readErr = err
	c.closeLocked()
	c.mu.Unlock()
}

// Calls returns every call received so far.
func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsTo returns the calls received for method.
func (c *Conn) CallsTo(method string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

// WaitCall blocks until a call for method has been received, returning the
// first such call.
func (c *Conn) WaitCall(method string, timeout time.Duration) (Call, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		c.mu.Lock()
		for _, call := range c.calls {
			if call.Method == method {
				c.mu.Unlock()
				return call, true
			}
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return Call{}, false
		}
	}
}

// Closed reports whether Close or Drop has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Read implements cdp.Conn.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-c.inbox:
		return websocket.MessageText, data, nil
	case <-c.closeCh:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write implements cdp.Conn.
func (c *Conn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return fmt.Errorf("cdptest: bad frame: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.calls = append(c.calls, call)
	close(c.changed)
	c.changed = make(chan struct{})
	r, ok := c.responders[call.Method]
	if !ok {
		r = c.fallback
	}
	c.mu.Unlock()

	if r != nil {
		c.Emit(r(call)...)
	}
	return nil
}

// Close implements cdp.Conn.
func (c *Conn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	return nil
}

func (c *Conn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
}

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/grantcarthew/webdrive/internal/logging"
	"github.com/grantcarthew/webdrive/internal/metrics"
)

// DefaultTimeout is the default timeout for CDP commands.
const DefaultTimeout = 30 * time.Second

// writeTimeout bounds a single socket write. It is independent of the
// caller's context so that abandoning a wait never tears down the socket.
const writeTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the timeout applied to commands whose context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.Component(l, "cdp")
	}
}

// WithMetrics records command and event metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is a CDP protocol client.
type Client struct {
	conn    Conn
	writeMu sync.Mutex
	msgID   atomic.Int64
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector
	bus     *Bus
	root    *Session

	// mu guards pending, sessions and closeErr
	mu       sync.Mutex
	pending  map[int64]*pendingCall
	sessions map[string]*Session
	closeErr error

	// closed signals that the client is shutting down
	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once

	// done signals that the read loop has exited
	done chan struct{}
}

type pendingCall struct {
	method    string
	sessionID string
	ch        chan callResult
}

type callResult struct {
	resp *Response
	err  error
}

// NewClient creates a new CDP client with the given connection.
func NewClient(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		timeout:  DefaultTimeout,
		logger:   logging.Discard(),
		pending:  make(map[int64]*pendingCall),
		sessions: make(map[string]*Session),
		closedCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus = NewBus(c.logger)
	c.root = &Session{client: c, done: c.closedCh}
	go c.readLoop()
	return c
}

// Dial connects to a CDP endpoint and returns a new client.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	conn, err := DialConn(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts...), nil
}

// Send sends a browser-level CDP command and waits for the response.
// Uses the default timeout.
func (c *Client) Send(method string, params any) (json.RawMessage, error) {
	return c.SendContext(context.Background(), method, params)
}

// SendContext sends a browser-level command with a context for cancellation.
func (c *Client) SendContext(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.send(ctx, nil, "", method, params)
}

// SendToSession sends a command tagged with sessionID.
func (c *Client) SendToSession(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	return c.send(ctx, nil, sessionID, method, params)
}

func (c *Client) send(ctx context.Context, sess *Session, sessionID, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%s: %w", method, c.closedError())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.msgID.Add(1)
	data, err := json.Marshal(Request{
		ID:        id,
		Method:    method,
		Params:    params,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Register the pending slot before writing so a fast response is never missed.
	call := &pendingCall{
		method:    method,
		sessionID: sessionID,
		ch:        make(chan callResult, 1),
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, c.closedError())
	}
	if sess != nil && sess.gone {
		err := sess.err
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	c.pending[id] = call
	c.mu.Unlock()

	c.metrics.CommandStarted()
	start := time.Now()

	writeCtx, cancelWrite := context.WithTimeout(context.Background(), writeTimeout)
	c.writeMu.Lock()
	err = c.conn.Write(writeCtx, websocket.MessageText, data)
	c.writeMu.Unlock()
	cancelWrite()
	if err != nil {
		c.removePending(id)
		c.metrics.CommandFinished(method, metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case res := <-call.ch:
		latency := time.Since(start)
		if res.err != nil {
			c.metrics.CommandFinished(method, metrics.OutcomeClosed, latency)
			return nil, res.err
		}
		if res.resp.Error != nil {
			c.metrics.CommandFinished(method, metrics.OutcomeProtocolError, latency)
			return nil, res.resp.Error
		}
		c.metrics.CommandFinished(method, metrics.OutcomeOK, latency)
		return res.resp.Result, nil
	case <-ctx.Done():
		// A response racing the deadline is dropped with the slot.
		c.removePending(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.metrics.CommandFinished(method, metrics.OutcomeTimeout, time.Since(start))
			return nil, fmt.Errorf("%s: %w: %w", method, ErrTimeout, ctx.Err())
		}
		c.metrics.CommandFinished(method, metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// Subscribe registers a handler for CDP events matching method and sessionID.
// Use the empty session ID for browser-level events and AnySession for all.
func (c *Client) Subscribe(method, sessionID string, handler func(Event)) *Subscription {
	return c.bus.Subscribe(method, sessionID, handler)
}

// Bus returns the client's event bus.
func (c *Client) Bus() *Bus {
	return c.bus
}

// Root returns the browser-level session.
func (c *Client) Root() *Session {
	return c.root
}

// NewSession registers a flattened session for targetID.
func (c *Client) NewSession(sessionID, targetID string) (*Session, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, closedErrorFor(c.closeErr)
	}
	if _, exists := c.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session already exists: %s", sessionID)
	}

	s := &Session{
		client:   c,
		id:       sessionID,
		targetID: targetID,
		done:     make(chan struct{}),
	}
	c.sessions[sessionID] = s
	c.metrics.SessionOpened()
	c.logger.Debug("session opened", "session", sessionID, "target", targetID)
	return s, nil
}

// Session returns a registered session by ID.
func (c *Client) Session(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

// CloseSession tears a session down: pending commands tagged with it fail
// with cause, its subscriptions stop, and Done is closed. It does not send
// anything to the browser.
func (c *Client) CloseSession(sessionID string, cause error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, sessionID)
	s.gone = true
	s.err = cause
	var failed []*pendingCall
	for id, call := range c.pending {
		if call.sessionID == sessionID {
			failed = append(failed, call)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	for _, call := range failed {
		call.ch <- callResult{err: fmt.Errorf("%s: %w", call.method, cause)}
	}
	s.release()
	c.metrics.SessionClosed()
	c.logger.Debug("session closed", "session", sessionID, "cause", cause, "failed_commands", len(failed))
}

// Done is closed when the connection has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.closedCh
}

// Close closes the client connection and stops the read loop.
func (c *Client) Close() error {
	if c.closed.Load() {
		<-c.done
		return nil
	}

	c.shutdown(nil)
	err := c.conn.Close(websocket.StatusNormalClosure, "client closing")

	// Wait for read loop to exit
	<-c.done

	return err
}

// Err returns the transport error that caused the client to close, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Client) closedError() error {
	return closedErrorFor(c.Err())
}

// closedErrorFor wraps the transport cause. Callers holding c.mu pass
// c.closeErr directly.
func closedErrorFor(cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}
	return ErrConnectionClosed
}

// shutdown fails every pending command and tears down all sessions.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		c.closeErr = cause
		pending := c.pending
		c.pending = make(map[int64]*pendingCall)
		sessions := c.sessions
		c.sessions = make(map[string]*Session)
		for _, s := range sessions {
			s.gone = true
			s.err = ErrConnectionClosed
		}
		c.mu.Unlock()

		close(c.closedCh)

		for _, call := range pending {
			call.ch <- callResult{err: fmt.Errorf("%s: %w", call.method, ErrConnectionClosed)}
		}
		for _, s := range sessions {
			s.release()
			c.metrics.SessionClosed()
		}
		c.bus.Close()

		if cause != nil {
			c.logger.Warn("connection lost", "error", cause, "failed_commands", len(pending))
		}
	})
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop reads messages from the connection and dispatches them.
func (c *Client) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.shutdown(err)
			return
		}

		resp, evt, err := parseMessage(data)
		if err != nil {
			c.logger.Warn("skipping malformed message", "error", err)
			continue
		}

		if resp != nil {
			c.dispatchResponse(resp)
		} else if evt != nil {
			c.dispatchEvent(evt)
		}
	}
}

// dispatchResponse hands a response to the waiting caller.
func (c *Client) dispatchResponse(resp *Response) {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.UnknownResponse()
		c.logger.Debug("discarding response for unknown id", "id", resp.ID)
		return
	}
	call.ch <- callResult{resp: resp}
}

// dispatchEvent publishes an event on the bus.
func (c *Client) dispatchEvent(evt *Event) {
	c.metrics.EventReceived(evt.Method)
	c.bus.publish(*evt)
}

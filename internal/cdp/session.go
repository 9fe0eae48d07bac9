package cdp

import (
	"context"
	"encoding/json"
	"sync"
)

// Session is a command and event scope on a Client. The root session has an
// empty ID and addresses the browser itself; other sessions address one
// attached target over the shared connection.
type Session struct {
	client   *Client
	id       string
	targetID string
	done     chan struct{}

	// gone and err are guarded by client.mu
	gone bool
	err  error

	subsMu sync.Mutex
	subs   []*Subscription

	releaseOnce sync.Once
}

// ID returns the session ID, empty for the root session.
func (s *Session) ID() string {
	return s.id
}

// TargetID returns the target the session is attached to.
func (s *Session) TargetID() string {
	return s.targetID
}

// Client returns the owning client.
func (s *Session) Client() *Client {
	return s.client
}

// Send sends a command scoped to this session.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if s.id == "" {
		return s.client.send(ctx, nil, "", method, params)
	}
	return s.client.send(ctx, s, s.id, method, params)
}

// Subscribe registers handler for events from this session. The
// subscription ends when the session is torn down.
func (s *Session) Subscribe(method string, handler func(Event)) *Subscription {
	sub := s.client.bus.Subscribe(method, s.id, handler)
	if s.id == "" {
		return sub
	}

	s.subsMu.Lock()
	select {
	case <-s.done:
		s.subsMu.Unlock()
		sub.Unsubscribe()
		return sub
	default:
	}
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()
	return sub
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is live.
func (s *Session) Err() error {
	if s.id == "" {
		if !s.client.closed.Load() {
			return nil
		}
		return s.client.closedError()
	}
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return s.err
}

// release stops the session's subscriptions and closes Done.
func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.subsMu.Lock()
		close(s.done)
		subs := s.subs
		s.subs = nil
		s.subsMu.Unlock()

		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
}

package cdp

import (
	"log/slog"
	"sync"

	"github.com/grantcarthew/webdrive/internal/logging"
)

const (
	// AnyMethod subscribes to every event method.
	AnyMethod = "*"

	// AnySession subscribes to events from every session, including the
	// browser-level stream.
	AnySession = "*"
)

// Bus fans incoming events out to subscribers.
//
// Each subscription owns an unbounded queue drained by its own goroutine, so
// publishing never blocks on a handler and a slow subscriber cannot delay
// the others. Events reach a single subscriber in arrival order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logging.OrDiscard(logger),
	}
}

// Subscribe registers handler for events matching method and sessionID.
// An empty sessionID matches only browser-level events.
// Subscribing to a closed bus returns an inert subscription.
func (b *Bus) Subscribe(method, sessionID string, handler func(Event)) *Subscription {
	sub := &Subscription{
		bus:       b,
		method:    method,
		sessionID: sessionID,
		handler:   handler,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closed = true
		close(sub.done)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.run()
	return sub
}

// publish queues evt on every matching subscription and returns how many
// subscriptions received it.
func (b *Bus) publish(evt Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	delivered := 0
	for _, sub := range b.subs {
		if sub.matches(evt) && sub.push(evt) {
			delivered++
		}
	}
	if delivered == 0 {
		b.logger.Debug("event had no subscribers", "method", evt.Method, "session", evt.SessionID)
	}
	return delivered
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops every subscription. Queued events are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	bus       *Bus
	id        uint64
	method    string
	sessionID string
	handler   func(Event)

	mu     sync.Mutex
	queue  []Event
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// Method returns the method filter.
func (s *Subscription) Method() string {
	return s.method
}

// SessionID returns the session filter.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Unsubscribe stops delivery. It is idempotent and safe to call from
// within the subscription's own handler.
func (s *Subscription) Unsubscribe() {
	if s.stop() {
		s.bus.remove(s.id)
	}
}

// Done is closed once the handler goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) matches(evt Event) bool {
	if s.method != AnyMethod && s.method != evt.Method {
		return false
	}
	return s.sessionID == AnySession || s.sessionID == evt.SessionID
}

func (s *Subscription) push(evt Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// stop marks the subscription closed and reports whether this call did it.
func (s *Subscription) stop() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.handler(evt)
	}
}

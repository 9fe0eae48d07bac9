package waiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grantcarthew/webdrive/internal/cdp"
	"github.com/grantcarthew/webdrive/internal/logging"
	"github.com/grantcarthew/webdrive/internal/metrics"
)

const (
	// DefaultInterceptTimeout bounds how long a paused request waits for its
	// interceptors before continuing unmodified.
	DefaultInterceptTimeout = 10 * time.Second

	defaultCommandTimeout = 10 * time.Second
)

// Scope is the command and event surface a registry observes.
// *cdp.Session satisfies it.
type Scope interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(method string, handler func(cdp.Event)) *cdp.Subscription
	Done() <-chan struct{}
	Err() error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.Component(l, "waiter")
	}
}

// WithMetrics records waiter outcomes on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithInterceptTimeout sets the per-request handler budget for interceptors.
func WithInterceptTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interceptTimeout = d
		}
	}
}

// WithCommandTimeout bounds the protocol commands the registry issues on
// its own, such as enabling and disabling request interception.
func WithCommandTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.commandTimeout = d
		}
	}
}

type canceler interface {
	cancel(err error)
}

// Registry tracks the expectations and interceptors of one scope.
type Registry struct {
	scope            Scope
	logger           *slog.Logger
	metrics          *metrics.Collector
	interceptTimeout time.Duration
	commandTimeout   time.Duration

	mu           sync.Mutex
	pending      map[string]canceler
	interceptors []*Interceptor

	// fetchMu serializes Fetch.enable/disable and guards the fields below.
	fetchMu      sync.Mutex
	fetchEnabled bool
	pausedSub    *cdp.Subscription
}

// New creates a registry over scope.
func New(scope Scope, opts ...Option) *Registry {
	r := &Registry{
		scope:            scope,
		logger:           logging.Discard(),
		interceptTimeout: DefaultInterceptTimeout,
		commandTimeout:   defaultCommandTimeout,
		pending:          make(map[string]canceler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Expect registers a one-shot waiter for the next event of method for which
// predicate returns true. A nil predicate matches every event. The waiter is
// subscribed before Expect returns. A non-positive timeout never expires.
func (r *Registry) Expect(method string, predicate func(cdp.Event) bool, timeout time.Duration) (*Waiter, error) {
	if err := r.live(); err != nil {
		return nil, err
	}

	w := &Waiter{
		id:       uuid.NewString(),
		method:   method,
		registry: r,
		result:   newSlot[cdp.Event](),
	}
	r.track(w.id, w)

	sub := r.scope.Subscribe(method, func(evt cdp.Event) {
		if predicate != nil && !predicate(evt) {
			return
		}
		w.finish(evt, nil)
	})

	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			w.finish(cdp.Event{}, fmt.Errorf("%s: %w", method, ErrWaiterTimeout))
		})
	}
	w.attach(sub, timer)
	r.watch(w.result.done, w.cancel)

	r.logger.Debug("waiter registered", "id", w.id, "method", method, "timeout", timeout)
	return w, nil
}

// Len returns the number of unresolved expectations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reset cancels every expectation and interceptor of the registry and
// disables request interception if it was enabled.
func (r *Registry) Reset(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]canceler)
	interceptors := r.interceptors
	r.interceptors = nil
	r.mu.Unlock()

	for _, c := range pending {
		c.cancel(ErrCancelled)
	}
	for _, ic := range interceptors {
		ic.close()
	}

	r.logger.Debug("registry reset", "waiters", len(pending), "interceptors", len(interceptors))
	return r.syncFetch(ctx)
}

func (r *Registry) track(id string, c canceler) {
	r.mu.Lock()
	r.pending[id] = c
	r.mu.Unlock()
}

// forget removes a settled expectation and records its outcome.
func (r *Registry) forget(id, kind, outcome string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()

	r.metrics.WaiterFinished(kind, outcome)
	r.logger.Debug("waiter finished", "id", id, "kind", kind, "outcome", outcome)
}

// live returns the scope's error once it has been torn down.
func (r *Registry) live() error {
	select {
	case <-r.scope.Done():
		return r.scopeErr()
	default:
		return nil
	}
}

func (r *Registry) scopeErr() error {
	if err := r.scope.Err(); err != nil {
		return err
	}
	return cdp.ErrConnectionClosed
}

// watch fails an expectation with the scope's error if the scope ends first.
func (r *Registry) watch(done <-chan struct{}, cancel func(error)) {
	go func() {
		select {
		case <-r.scope.Done():
			cancel(r.scopeErr())
		case <-done:
		}
	}()
}

func (r *Registry) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.commandTimeout)
}

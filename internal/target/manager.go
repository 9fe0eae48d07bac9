package target

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grantcarthew/webdrive/internal/cdp"
	"github.com/grantcarthew/webdrive/internal/logging"
	"github.com/grantcarthew/webdrive/internal/metrics"
)

const (
	// DefaultAttachTimeout bounds an attach round trip and the OnAttach hook.
	DefaultAttachTimeout = 10 * time.Second

	initialAttachLimit = 8

	// maxGone bounds the memory of destroyed target ids.
	maxGone = 4096
)

// AttachHook prepares a freshly attached session, typically by enabling
// domains. A failing hook is logged; the session stays attached.
type AttachHook func(ctx context.Context, s *cdp.Session) error

// Option configures a Manager.
type Option func(*Manager)

// WithTypes sets the target types attached automatically. Default "page".
func WithTypes(types ...string) Option {
	return func(m *Manager) {
		m.types = make(map[string]bool, len(types))
		for _, t := range types {
			m.types[t] = true
		}
	}
}

// WithAutoAttach controls whether targets of the wanted types are attached
// as soon as they are discovered. Default true.
func WithAutoAttach(enabled bool) Option {
	return func(m *Manager) {
		m.autoAttach = enabled
	}
}

// WithOnAttach sets a hook run for every new session before the target is
// reported as attached.
func WithOnAttach(hook AttachHook) Option {
	return func(m *Manager) {
		m.onAttach = hook
	}
}

// WithAttachTimeout overrides DefaultAttachTimeout.
func WithAttachTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.attachTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.Component(l, "target")
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = c
	}
}

// Manager tracks targets on one browser connection.
type Manager struct {
	client        *cdp.Client
	types         map[string]bool
	autoAttach    bool
	onAttach      AttachHook
	attachTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu       sync.Mutex
	targets  map[string]*entry
	gone     map[string]struct{}
	sub      *cdp.Subscription
	started  bool
	closed   bool
	closeErr error
}

// New creates a manager for client. Call Start to begin tracking.
func New(client *cdp.Client, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		client:        client,
		types:         map[string]bool{"page": true},
		autoAttach:    true,
		attachTimeout: DefaultAttachTimeout,
		logger:        logging.Discard(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		targets:       make(map[string]*entry),
		gone:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to target lifecycle events, enables discovery and
// attaches the wanted targets that already exist. It returns once those
// attaches have settled; a target failing to attach is logged, not fatal.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("target manager already started")
	}
	m.started = true
	// Subscribe before enabling discovery so no lifecycle event is missed.
	m.sub = m.client.Root().Subscribe(cdp.AnyMethod, m.handleEvent)
	m.mu.Unlock()

	m.spawn(m.watchConnection)

	if _, err := m.client.SendContext(ctx, "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		return fmt.Errorf("failed to set discover targets: %w", err)
	}

	raw, err := m.client.SendContext(ctx, "Target.getTargets", nil)
	if err != nil {
		return fmt.Errorf("failed to get existing targets: %w", err)
	}
	var result struct {
		TargetInfos []Info `json:"targetInfos"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to parse targets: %w", err)
	}
	m.logger.Debug("existing targets", "count", len(result.TargetInfos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(initialAttachLimit)
	for _, info := range result.TargetInfos {
		// targetCreated may already have recorded it; the merge is harmless.
		m.track(info, true)
		if !m.autoAttach || !m.types[info.Type] {
			continue
		}
		id := info.TargetID
		g.Go(func() error {
			if _, err := m.Attach(gctx, id); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("failed to attach to existing target", "target", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops tracking. Sessions owned by the manager are torn down locally
// with ErrClosed; nothing is sent to the browser.
func (m *Manager) Close() error {
	m.shutdown(ErrClosed)
	m.wg.Wait()
	return nil
}

// Done is closed once the manager has shut down, either through Close or
// because the connection was lost.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns why the manager shut down, or nil while it is running.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeErr
}

func (m *Manager) watchConnection() {
	select {
	case <-m.client.Done():
		m.shutdown(m.client.Root().Err())
	case <-m.done:
	}
}

func (m *Manager) shutdown(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause
	close(m.done)
	sub := m.sub
	var sessions []string
	for _, e := range m.targets {
		if e.session != nil {
			sessions = append(sessions, e.session.ID())
			e.session = nil
		}
	}
	m.mu.Unlock()

	m.cancel()
	if sub != nil {
		sub.Unsubscribe()
	}
	for _, id := range sessions {
		m.client.CloseSession(id, cause)
	}
	m.logger.Debug("target manager stopped", "cause", cause, "sessions", len(sessions))
}

// spawn runs f on a goroutine that Close waits for. It reports false once
// the manager is closed.
func (m *Manager) spawn(f func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		f()
	}()
	return true
}

// setState records a transition. Caller holds m.mu.
func (m *Manager) setState(e *entry, s State) {
	if e.state == s {
		return
	}
	m.logger.Debug("target state", "target", e.info.TargetID, "from", e.state, "to", s)
	e.state = s
	close(e.changed)
	e.changed = make(chan struct{})
	m.metrics.TargetTransition(s.String())
}

// markGone remembers a destroyed id. Caller holds m.mu.
func (m *Manager) markGone(id string) {
	if len(m.gone) >= maxGone {
		clear(m.gone)
	}
	m.gone[id] = struct{}{}
}

// track records a target. Existing targets have their info refreshed when
// update is set. Destroyed ids are never resurrected. It reports whether
// the target is tracked afterwards.
func (m *Manager) track(info Info, update bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || info.TargetID == "" {
		return false
	}
	if _, gone := m.gone[info.TargetID]; gone {
		return false
	}
	if e, ok := m.targets[info.TargetID]; ok {
		if update {
			e.info = info
		}
		return true
	}
	m.targets[info.TargetID] = newEntry(info)
	m.metrics.TargetTransition(StateDiscovered.String())
	m.logger.Debug("target discovered", "target", info.TargetID, "type", info.Type, "url", info.URL)
	return true
}

// wanted reports whether id should be attached automatically.
func (m *Manager) wanted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[id]
	return ok && m.autoAttach && m.types[e.info.Type] && e.state == StateDiscovered
}

// beginAttach moves a discovered target to Attaching and sends the attach
// request. It reports false if the target is not in Discovered.
func (m *Manager) beginAttach(id string) bool {
	m.mu.Lock()
	e, ok := m.targets[id]
	if m.closed || !ok || e.state != StateDiscovered {
		m.mu.Unlock()
		return false
	}
	e.gen++
	gen := e.gen
	e.err = nil
	m.setState(e, StateAttaching)
	m.mu.Unlock()

	return m.spawn(func() { m.sendAttach(id, gen) })
}

func (m *Manager) sendAttach(id string, gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.attachTimeout)
	defer cancel()

	raw, err := m.client.SendContext(ctx, "Target.attachToTarget", map[string]any{
		"targetId": id,
		"flatten":  true,
	})
	if err == nil {
		var result struct {
			SessionID string `json:"sessionId"`
		}
		if err = json.Unmarshal(raw, &result); err == nil && result.SessionID == "" {
			err = errors.New("attach returned no session id")
		}
		if err == nil {
			m.confirmAttach(id, result.SessionID, false)
			return
		}
	}

	m.mu.Lock()
	e, ok := m.targets[id]
	stale := !ok || e.gen != gen || e.state != StateAttaching || e.session != nil
	if !stale {
		e.err = err
		m.setState(e, StateDiscovered)
	}
	m.mu.Unlock()

	if !stale {
		m.logger.Warn("failed to attach to target", "target", id, "error", err)
	}
}

// confirmAttach handles an attach confirmation, from either the command
// response or Target.attachedToTarget. The first one creates the session;
// the second is ignored. A confirmation for a target that is gone or being
// detached is a stray session and is detached again.
func (m *Manager) confirmAttach(targetID, sessionID string, waiting bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	e, ok := m.targets[targetID]
	if !ok || e.state == StateGone || e.state == StateDetaching {
		m.mu.Unlock()
		m.logger.Debug("ignoring late attach", "target", targetID, "session", sessionID)
		m.detachStray(sessionID)
		return
	}

	if e.session != nil {
		same := e.session.ID() == sessionID
		m.mu.Unlock()
		if !same {
			m.logger.Debug("ignoring second session", "target", targetID, "session", sessionID)
			m.detachStray(sessionID)
		}
		return
	}

	sess, err := m.client.NewSession(sessionID, targetID)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("failed to register session", "target", targetID, "session", sessionID, "error", err)
		return
	}
	e.session = sess
	if e.state == StateDiscovered {
		m.setState(e, StateAttaching)
	}
	m.mu.Unlock()

	if !m.spawn(func() { m.prepare(targetID, sess, waiting) }) {
		m.client.CloseSession(sessionID, ErrClosed)
	}
}

// prepare runs the attach hook and then publishes the target as attached,
// unless it was destroyed or detached in the meantime.
func (m *Manager) prepare(targetID string, sess *cdp.Session, waiting bool) {
	if m.onAttach != nil || waiting {
		ctx, cancel := context.WithTimeout(m.ctx, m.attachTimeout)
		if m.onAttach != nil {
			if err := m.onAttach(ctx, sess); err != nil {
				m.logger.Warn("attach hook failed", "target", targetID, "session", sess.ID(), "error", err)
			}
		}
		if waiting {
			if _, err := sess.Send(ctx, "Runtime.runIfWaitingForDebugger", nil); err != nil {
				m.logger.Warn("failed to resume target", "target", targetID, "error", err)
			}
		}
		cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[targetID]
	if ok && e.session == sess && e.state == StateAttaching {
		m.setState(e, StateAttached)
	}
}

func (m *Manager) detachStray(sessionID string) {
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.attachTimeout)
		defer cancel()
		if _, err := m.client.SendContext(ctx, "Target.detachFromTarget", map[string]any{"sessionId": sessionID}); err != nil {
			m.logger.Debug("detach stray session failed", "session", sessionID, "error", err)
		}
	})
}

// Attach starts attaching id if it is in Discovered and waits until it is
// attached.
func (m *Manager) Attach(ctx context.Context, id string) (*cdp.Session, error) {
	m.beginAttach(id)
	return m.WaitAttached(ctx, id)
}

// WaitAttached blocks until id is attached and returns its session. It
// fails with cdp.ErrTargetGone if the target is destroyed first, and with
// the attach error if the last attach attempt failed.
func (m *Manager) WaitAttached(ctx context.Context, id string) (*cdp.Session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			err := m.closeErr
			m.mu.Unlock()
			return nil, err
		}
		e, ok := m.targets[id]
		if !ok {
			_, gone := m.gone[id]
			m.mu.Unlock()
			if gone {
				return nil, fmt.Errorf("target %s: %w", id, cdp.ErrTargetGone)
			}
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
		}
		switch {
		case e.state == StateAttached:
			s := e.session
			m.mu.Unlock()
			return s, nil
		case e.state == StateDiscovered && e.err != nil:
			err := e.err
			m.mu.Unlock()
			return nil, fmt.Errorf("attach %s: %w", id, err)
		}
		changed := e.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-m.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Detach detaches an attached target and waits for the browser to confirm.
// The target returns to Discovered.
func (m *Manager) Detach(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.targets[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	if e.state != StateAttached {
		state := e.state
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotAttached, id, state)
	}
	sessionID := e.session.ID()
	m.setState(e, StateDetaching)
	m.mu.Unlock()

	if _, err := m.client.SendContext(ctx, "Target.detachFromTarget", map[string]any{"sessionId": sessionID}); err != nil {
		m.mu.Lock()
		if e.state == StateDetaching && e.session != nil && e.session.ID() == sessionID {
			m.setState(e, StateAttached)
		}
		m.mu.Unlock()
		return fmt.Errorf("detach %s: %w", id, err)
	}

	for {
		m.mu.Lock()
		state, changed := e.state, e.changed
		m.mu.Unlock()
		if state != StateDetaching {
			return nil
		}
		select {
		case <-changed:
		case <-m.done:
			return m.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateTarget opens a new page at url and returns its target id. A page is
// attached automatically when pages are a wanted type.
func (m *Manager) CreateTarget(ctx context.Context, url string) (string, error) {
	raw, err := m.client.SendContext(ctx, "Target.createTarget", map[string]any{"url": url})
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	var result struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("parse createTarget result: %w", err)
	}

	// The targetCreated event may still be queued behind this response.
	if m.track(Info{TargetID: result.TargetID, Type: "page", URL: url}, false) && m.wanted(result.TargetID) {
		m.beginAttach(result.TargetID)
	}
	return result.TargetID, nil
}

// CloseTarget asks the browser to close id. The target leaves the set when
// the browser reports it destroyed.
func (m *Manager) CloseTarget(ctx context.Context, id string) error {
	raw, err := m.client.SendContext(ctx, "Target.closeTarget", map[string]any{"targetId": id})
	if err != nil {
		return fmt.Errorf("close target %s: %w", id, err)
	}
	var result struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && result.Success != nil && !*result.Success {
		return fmt.Errorf("close target %s: browser refused", id)
	}
	return nil
}

// Targets returns a snapshot of the tracked targets ordered by id.
func (m *Manager) Targets() []Target {
	m.mu.Lock()
	out := make([]Target, 0, len(m.targets))
	for _, e := range m.targets {
		out = append(out, e.snapshot())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Target) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Get returns a snapshot of one target.
func (m *Manager) Get(id string) (Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[id]
	if !ok {
		return Target{}, false
	}
	return e.snapshot(), true
}

// Session returns the session of an attached target.
func (m *Manager) Session(id string) (*cdp.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.targets[id]
	if !ok || e.state != StateAttached {
		return nil, false
	}
	return e.session, true
}

package browser

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/grantcarthew/webdrive/internal/logging"
	"github.com/grantcarthew/webdrive/internal/metrics"
)

// Registry tracks the browsers launched through it so they can be stopped
// together.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	browsers []*Browser
}

// NewRegistry creates an empty registry. Launches through it inherit the
// logger and metrics unless the options carry their own.
func NewRegistry(logger *slog.Logger, m *metrics.Collector) *Registry {
	return &Registry{logger: logging.OrDiscard(logger), metrics: m}
}

// Launch starts a browser and tracks it.
func (r *Registry) Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	if opts.Metrics == nil {
		opts.Metrics = r.metrics
	}

	b, err := Launch(ctx, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.browsers = append(r.browsers, b)
	r.mu.Unlock()
	return b, nil
}

// Browsers returns the tracked browsers.
func (r *Registry) Browsers() []*Browser {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Browser, len(r.browsers))
	copy(out, r.browsers)
	return out
}

// Len returns the number of tracked browsers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.browsers)
}

// StopAll stops every tracked browser concurrently and forgets them. The
// first stop error is returned; all browsers are still stopped.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	browsers := r.browsers
	r.browsers = nil
	r.mu.Unlock()

	var g errgroup.Group
	for _, b := range browsers {
		g.Go(func() error {
			if err := b.Stop(ctx); err != nil {
				r.logger.Warn("stop browser failed", "pid", b.PID(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

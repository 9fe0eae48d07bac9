package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grantcarthew/webdrive/internal/browser"
	"github.com/grantcarthew/webdrive/internal/cdp"
	"github.com/grantcarthew/webdrive/internal/config"
	"github.com/grantcarthew/webdrive/internal/logging"
	"github.com/grantcarthew/webdrive/internal/metrics"
	"github.com/grantcarthew/webdrive/internal/target"
	"github.com/grantcarthew/webdrive/internal/waiter"
)

// dialClient connects to a browser socket. Tests replace it.
var dialClient = cdp.Dial

// shared is the runtime owned by the REPL. Commands run inside the REPL
// reuse it instead of opening their own.
var shared *runtime

// defaultTarget is the target query used when --target is not given.
var defaultTarget string

// runtime is one connected browser with its target manager.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	browsers *browser.Registry
	browser  *browser.Browser
	client   *cdp.Client
	targets  *target.Manager

	metricsServer *http.Server
}

// acquireRuntime returns the shared runtime when one is set, or opens a new
// one. The release function closes only a runtime it opened.
func acquireRuntime(ctx context.Context) (*runtime, func(), error) {
	if shared != nil {
		return shared, func() {}, nil
	}
	rt, err := openRuntime(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() {
		if err := rt.Close(); err != nil {
			rt.logger.Warn("shutdown failed", "error", err)
		}
	}, nil
}

// openRuntime loads the config, then launches or attaches to a browser and
// starts tracking its targets.
func openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	if Endpoint != "" {
		cfg.Connection.Endpoint = Endpoint
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(reg),
	}
	if MetricsAddr != "" {
		rt.serveMetrics(MetricsAddr, reg)
	}

	clientOpts := []cdp.Option{
		cdp.WithTimeout(cfg.Connection.CommandTimeout),
		cdp.WithLogger(logger),
		cdp.WithMetrics(rt.metrics),
	}

	if cfg.Connection.Endpoint != "" {
		wsURL, err := resolveEndpoint(ctx, cfg.Connection.Endpoint)
		if err != nil {
			rt.Close()
			return nil, err
		}
		logger.Debug("attaching to browser", "url", wsURL)
		if rt.client, err = dialClient(ctx, wsURL, clientOpts...); err != nil {
			rt.Close()
			return nil, err
		}
	} else {
		rt.browsers = browser.NewRegistry(logger, rt.metrics)
		rt.browser, err = rt.browsers.Launch(ctx, launchOptions(cfg))
		if err != nil {
			rt.Close()
			return nil, err
		}
		if rt.client, err = rt.browser.Connect(ctx, clientOpts...); err != nil {
			rt.Close()
			return nil, err
		}
	}

	rt.targets = target.New(rt.client,
		target.WithTypes(cfg.Targets.Types...),
		target.WithAutoAttach(cfg.Targets.AutoAttach),
		target.WithAttachTimeout(cfg.Targets.AttachTimeout),
		target.WithOnAttach(enableDomains(cfg.Targets.EnableDomains)),
		target.WithLogger(logger),
		target.WithMetrics(rt.metrics),
	)
	if err := rt.targets.Start(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("tracking targets: %w", err)
	}
	return rt, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	if Debug {
		level = slog.LevelDebug
	}
	return logging.New(os.Stderr, logging.Options{
		Level: level,
		JSON:  strings.EqualFold(cfg.Log.Format, "json"),
	}), nil
}

func launchOptions(cfg *config.Config) browser.LaunchOptions {
	return browser.LaunchOptions{
		BinaryPath:        cfg.Browser.Binary,
		Headless:          cfg.Browser.Headless,
		Port:              cfg.Browser.Port,
		UserDataDir:       cfg.Browser.UserDataDir,
		Args:              cfg.Browser.Args,
		StartTimeout:      cfg.Browser.StartTimeout,
		DiscoveryAttempts: cfg.Browser.DiscoveryAttempts,
		GracePeriod:       cfg.Browser.GracePeriod,
	}
}

// resolveEndpoint turns a host:port discovery address into the browser
// socket URL. ws:// and wss:// URLs are returned as is.
func resolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return endpoint, nil
	}

	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint port %q", portStr)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := browser.FetchVersion(ctx, host, port)
	if err != nil {
		return "", err
	}
	if info.WebSocketURL == "" {
		return "", fmt.Errorf("endpoint %s reported no browser socket", endpoint)
	}
	return info.WebSocketURL, nil
}

// enableDomains returns an attach hook enabling each domain on new
// sessions.
func enableDomains(domains []string) target.AttachHook {
	return func(ctx context.Context, s *cdp.Session) error {
		var errs []error
		for _, d := range domains {
			if _, err := s.Send(ctx, d+".enable", nil); err != nil {
				errs = append(errs, fmt.Errorf("%s.enable: %w", d, err))
			}
		}
		return errors.Join(errs...)
	}
}

func (rt *runtime) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rt.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.logger.Info("serving metrics", "addr", addr)
		if err := rt.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Warn("metrics server failed", "error", err)
		}
	}()
}

// waiters returns a waiter registry over sess.
func (rt *runtime) waiters(sess *cdp.Session) *waiter.Registry {
	return waiter.New(sess,
		waiter.WithLogger(rt.logger),
		waiter.WithMetrics(rt.metrics),
		waiter.WithInterceptTimeout(rt.cfg.Waiter.InterceptTimeout),
		waiter.WithCommandTimeout(rt.cfg.Connection.CommandTimeout),
	)
}

// page resolves query to a target and returns its attached session. An
// empty query picks the first target of a tracked type, creating a blank
// page when there is none.
func (rt *runtime) page(ctx context.Context, query string) (target.Target, *cdp.Session, error) {
	if query == "" {
		query = defaultTarget
	}
	t, err := rt.findTarget(ctx, query)
	if err != nil {
		return target.Target{}, nil, err
	}

	ctx, cancel := withTimeout(ctx, rt.cfg.Targets.AttachTimeout)
	defer cancel()
	sess, err := rt.targets.Attach(ctx, t.ID)
	if err != nil {
		return target.Target{}, nil, fmt.Errorf("attaching %s: %w", t.ID, err)
	}
	return t, sess, nil
}

func (rt *runtime) findTarget(ctx context.Context, query string) (target.Target, error) {
	all := rt.targets.Targets()

	if query == "" {
		for _, t := range all {
			if containsType(rt.cfg.Targets.Types, t.Type) {
				return t, nil
			}
		}
		id, err := rt.targets.CreateTarget(ctx, "about:blank")
		if err != nil {
			return target.Target{}, fmt.Errorf("no page target: %w", err)
		}
		t, ok := rt.targets.Get(id)
		if !ok {
			return target.Target{}, fmt.Errorf("created target %s vanished", id)
		}
		return t, nil
	}

	matches := matchTargets(all, query)
	switch len(matches) {
	case 0:
		return target.Target{}, fmt.Errorf("no target matches %q", query)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, t := range matches {
			ids[i] = truncateID(t.ID, 8)
		}
		return target.Target{}, fmt.Errorf("%q matches %d targets: %s", query, len(matches), strings.Join(ids, ", "))
	}
}

// matchTargets returns the targets whose id starts with query. When none
// do, it falls back to a case-insensitive title or URL substring match.
func matchTargets(all []target.Target, query string) []target.Target {
	var byID []target.Target
	for _, t := range all {
		if t.ID == query {
			return []target.Target{t}
		}
		if strings.HasPrefix(t.ID, query) {
			byID = append(byID, t)
		}
	}
	if len(byID) > 0 {
		return byID
	}

	q := strings.ToLower(query)
	var byText []target.Target
	for _, t := range all {
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.URL), q) {
			byText = append(byText, t)
		}
	}
	return byText
}

// withTimeout bounds ctx by d. A non-positive d leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func containsType(types []string, typ string) bool {
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}

// Close stops target tracking and a launched browser, then closes the
// connection.
func (rt *runtime) Close() error {
	var errs []error
	if rt.targets != nil {
		rt.targets.Close()
	}
	if rt.browsers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Browser.GracePeriod+5*time.Second)
		errs = append(errs, rt.browsers.StopAll(ctx))
		cancel()
	}
	if rt.client != nil {
		rt.client.Close()
	}
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = append(errs, rt.metricsServer.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}

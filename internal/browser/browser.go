package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/grantcarthew/webdrive/internal/cdp"
	"github.com/grantcarthew/webdrive/internal/logging"
	"github.com/grantcarthew/webdrive/internal/metrics"
)

// State is the lifecycle state of a browser process.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const host = "127.0.0.1"

// Browser is a browser process launched with remote debugging enabled.
type Browser struct {
	opts    LaunchOptions
	binary  string
	cmd     *exec.Cmd
	output  *outputBuffer
	logger  *slog.Logger
	metrics *metrics.Collector

	profileDir string
	ownsData   bool // true if we created the temp data dir

	// exited is closed by the process watcher once the process is reaped.
	exited  chan struct{}
	exitErr error

	stopMu sync.Mutex

	mu       sync.Mutex
	state    State
	port     int
	endpoint string
	clients  []*cdp.Client
	cleaned  bool
}

// Launch starts a browser and waits until its DevTools endpoint answers.
// On failure the process is killed, a created profile is removed, and a
// *LaunchError carrying the process output is returned.
func Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	opts = opts.withDefaults()
	logger := logging.Component(opts.Logger, "browser")

	if err := opts.validate(); err != nil {
		return nil, &LaunchError{Binary: opts.BinaryPath, Err: err}
	}

	binary := opts.BinaryPath
	if binary == "" {
		found, err := FindChrome()
		if err != nil {
			opts.Metrics.BrowserLaunched(metrics.OutcomeError)
			return nil, &LaunchError{Err: err}
		}
		binary = found
	}

	profileDir, owned, err := prepareProfile(opts)
	if err != nil {
		opts.Metrics.BrowserLaunched(metrics.OutcomeError)
		return nil, &LaunchError{Binary: binary, Err: err}
	}
	if owned {
		opts.UserDataDir = profileDir
	}

	b := &Browser{
		opts:       opts,
		binary:     binary,
		output:     newOutputBuffer(opts.OutputLines),
		logger:     logger,
		metrics:    opts.Metrics,
		profileDir: profileDir,
		ownsData:   owned,
		exited:     make(chan struct{}),
		state:      StateStarting,
		port:       opts.Port,
	}

	cmd, err := spawnProcess(binary, opts, b.output)
	if err != nil {
		b.removeProfile()
		b.setState(StateStopped)
		b.metrics.BrowserLaunched(metrics.OutcomeError)
		return nil, &LaunchError{Binary: binary, Err: err}
	}
	b.cmd = cmd
	go b.watch()

	logger.Debug("browser spawned", "binary", binary, "pid", b.PID(), "port", opts.Port, "profile", profileDir)

	discoverCtx, cancel := context.WithTimeout(ctx, opts.StartTimeout)
	defer cancel()

	port, endpoint, err := discoverEndpoint(discoverCtx, host, opts.Port, profileDir, opts.DiscoveryAttempts, b.exited)
	if err != nil {
		pid := b.PID()
		b.abort()
		b.metrics.BrowserLaunched(metrics.OutcomeError)
		return nil, &LaunchError{Binary: binary, PID: pid, Output: b.Output(), Err: err}
	}

	b.mu.Lock()
	b.port = port
	b.endpoint = endpoint
	running := b.state == StateStarting
	if running {
		b.state = StateRunning
	}
	b.mu.Unlock()

	if !running {
		pid := b.PID()
		b.abort()
		b.metrics.BrowserLaunched(metrics.OutcomeError)
		return nil, &LaunchError{Binary: binary, PID: pid, Output: b.Output(), Err: ErrExited}
	}

	b.metrics.BrowserLaunched(metrics.OutcomeOK)
	logger.Info("browser running", "pid", b.PID(), "port", port, "endpoint", endpoint)
	return b, nil
}

// watch reaps the process and records an unexpected exit as a crash.
func (b *Browser) watch() {
	err := b.cmd.Wait()

	b.mu.Lock()
	b.exitErr = err
	crashed := b.state == StateStarting || b.state == StateRunning
	if crashed {
		b.state = StateCrashed
	}
	clients := b.clients
	b.mu.Unlock()

	close(b.exited)

	if crashed {
		b.logger.Warn("browser exited unexpectedly", "pid", b.PID(), "error", err)
		for _, c := range clients {
			_ = c.Close()
		}
	}
}

// abort kills a process that failed to start and removes its profile.
func (b *Browser) abort() {
	b.mu.Lock()
	if b.state == StateStarting {
		b.state = StateStopping
	}
	b.mu.Unlock()

	if b.cmd.Process != nil {
		_ = b.cmd.Process.Kill()
	}
	<-b.exited

	b.removeProfile()
	b.mu.Lock()
	if b.state == StateStopping {
		b.state = StateStopped
	}
	b.mu.Unlock()
}

// Connect dials the browser-level control socket. The returned client is
// closed when the browser stops or crashes.
func (b *Browser) Connect(ctx context.Context, opts ...cdp.Option) (*cdp.Client, error) {
	b.mu.Lock()
	state, endpoint := b.state, b.endpoint
	b.mu.Unlock()
	if state != StateRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, state)
	}

	client, err := cdp.Dial(ctx, endpoint, opts...)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, b.state)
	}
	b.clients = append(b.clients, client)
	b.mu.Unlock()
	return client, nil
}

// Stop shuts the browser down: a Browser.close request over an attached
// connection (or an interrupt signal without one), then a kill after the
// grace period. A temporary profile created by Launch is removed. Stopping
// a process that already exited is not an error.
func (b *Browser) Stop(ctx context.Context) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()

	b.mu.Lock()
	if b.state == StateStopped || b.state == StateNotStarted {
		b.mu.Unlock()
		return nil
	}
	if b.state != StateCrashed {
		b.state = StateStopping
	}
	clients := b.clients
	b.clients = nil
	b.mu.Unlock()

	if b.IsAlive() {
		b.requestClose(ctx, clients)
		if !b.waitExit(ctx, b.opts.GracePeriod) {
			b.logger.Warn("browser did not exit in time, killing", "pid", b.PID(), "grace", b.opts.GracePeriod)
			if err := b.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				b.logger.Debug("kill failed", "pid", b.PID(), "error", err)
			}
			<-b.exited
		}
	}

	for _, c := range clients {
		_ = c.Close()
	}

	err := b.removeProfile()

	b.mu.Lock()
	if b.state == StateStopping {
		b.state = StateStopped
	}
	state := b.state
	b.mu.Unlock()

	b.logger.Info("browser stopped", "pid", b.PID(), "state", state)
	return err
}

func (b *Browser) requestClose(ctx context.Context, clients []*cdp.Client) {
	for _, c := range clients {
		select {
		case <-c.Done():
			continue
		default:
		}
		closeCtx, cancel := context.WithTimeout(ctx, b.opts.GracePeriod)
		_, err := c.SendContext(closeCtx, "Browser.close", nil)
		cancel()
		// The socket usually drops before the reply arrives.
		if err == nil || cdp.IsConnectionError(err) {
			return
		}
		b.logger.Debug("Browser.close failed", "error", err)
	}

	if err := b.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		b.logger.Debug("interrupt failed", "pid", b.PID(), "error", err)
	}
}

// waitExit reports whether the process exited within d.
func (b *Browser) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-b.exited:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// removeProfile deletes the profile iff Launch created it and it still exists.
func (b *Browser) removeProfile() error {
	b.mu.Lock()
	if !b.ownsData || b.cleaned || b.profileDir == "" {
		b.mu.Unlock()
		return nil
	}
	b.cleaned = true
	dir := b.profileDir
	b.mu.Unlock()

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove profile %s: %w", dir, err)
	}
	return nil
}

func (b *Browser) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// IsAlive reports whether the process is still running.
func (b *Browser) IsAlive() bool {
	if b.cmd == nil {
		return false
	}
	select {
	case <-b.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the process has exited.
func (b *Browser) Exited() <-chan struct{} {
	return b.exited
}

// ExitErr returns the process wait error once it has exited.
func (b *Browser) ExitErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

// State returns the lifecycle state.
func (b *Browser) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Endpoint returns the browser-level control socket URL.
func (b *Browser) Endpoint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoint
}

// Port returns the CDP debugging port.
func (b *Browser) Port() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port
}

// PID returns the browser process ID.
func (b *Browser) PID() int {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// ProfileDir returns the profile directory, empty for the default profile.
func (b *Browser) ProfileDir() string {
	return b.profileDir
}

// Output returns the retained tail of the process output.
func (b *Browser) Output() string {
	return b.output.String()
}

// Targets fetches the list of available CDP targets.
func (b *Browser) Targets(ctx context.Context) ([]Target, error) {
	return FetchTargets(ctx, host, b.Port())
}

// Version fetches the browser version information.
func (b *Browser) Version(ctx context.Context) (*VersionInfo, error) {
	return FetchVersion(ctx, host, b.Port())
}

// PageTarget returns the first page target.
func (b *Browser) PageTarget(ctx context.Context) (*Target, error) {
	targets, err := b.Targets(ctx)
	if err != nil {
		return nil, err
	}
	target := FindPageTarget(targets)
	if target == nil {
		return nil, ErrNoPageTarget
	}
	return target, nil
}

//go:build !windows

package browser

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

func fakeOptions(t *testing.T, mode string) LaunchOptions {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	return LaunchOptions{
		BinaryPath:   exe,
		Env:          []string{fakeChromeEnv + "=" + mode},
		TempDir:      t.TempDir(),
		StartTimeout: 10 * time.Second,
		GracePeriod:  2 * time.Second,
	}
}

func launchFake(t *testing.T, opts LaunchOptions) *Browser {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	b, err := Launch(ctx, opts)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		t.Errorf("expected %s to be empty, found %d entries", dir, len(entries))
	}
}

// waitUnanswered blocks until the fake browser holds n unanswered commands.
func waitUnanswered(t *testing.T, ctx context.Context, client *cdp.Client, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, err := client.SendContext(ctx, "Test.unanswered", nil)
		if err != nil {
			t.Fatalf("query fake browser: %v", err)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Count >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fake browser saw %d unanswered commands, want %d", resp.Count, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLaunch_EphemeralPortConnectStop(t *testing.T) {
	t.Parallel()

	opts := fakeOptions(t, fakeNormal)
	b := launchFake(t, opts)

	if b.State() != StateRunning {
		t.Errorf("state = %s, want running", b.State())
	}
	if b.Port() == 0 {
		t.Error("expected port resolved from DevToolsActivePort")
	}
	if !strings.HasSuffix(b.Endpoint(), fakeBrowserPath) {
		t.Errorf("endpoint = %q", b.Endpoint())
	}
	if b.PID() == 0 {
		t.Error("expected non-zero PID")
	}
	profile := b.ProfileDir()
	if filepath.Dir(profile) != opts.TempDir {
		t.Errorf("profile %s not under %s", profile, opts.TempDir)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := b.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := client.SendContext(ctx, "Browser.getVersion", nil); err != nil {
		t.Fatalf("Browser.getVersion: %v", err)
	}

	start := time.Now()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= opts.GracePeriod {
		t.Errorf("graceful close took %v, expected well under the grace period", elapsed)
	}
	if b.State() != StateStopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
	if b.IsAlive() {
		t.Error("process still alive")
	}
	if _, err := os.Stat(profile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp profile not removed: %v", err)
	}

	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Error("client not closed by Stop")
	}
}

func TestStop_InterruptWithoutConnection(t *testing.T) {
	t.Parallel()

	b := launchFake(t, fakeOptions(t, fakeNormal))

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if b.State() != StateStopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
	if b.ExitErr() != nil {
		t.Errorf("expected clean exit on interrupt, got %v", b.ExitErr())
	}
}

func TestStop_KillsAfterGracePeriod(t *testing.T) {
	t.Parallel()

	opts := fakeOptions(t, fakeStubborn)
	opts.GracePeriod = 300 * time.Millisecond
	b := launchFake(t, opts)

	ctx := context.Background()
	if _, err := b.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < opts.GracePeriod {
		t.Errorf("killed after %v, before the grace period", elapsed)
	}
	if b.IsAlive() {
		t.Error("process still alive after kill")
	}
	if b.State() != StateStopped {
		t.Errorf("state = %s, want stopped", b.State())
	}
}

func TestBrowser_CrashClosesClients(t *testing.T) {
	t.Parallel()

	b := launchFake(t, fakeOptions(t, fakeNormal))
	profile := b.ProfileDir()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := b.Connect(ctx)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// A command still in flight when the process dies.
	inflight := make(chan error, 1)
	go func() {
		_, err := client.SendContext(ctx, "Test.hang", nil)
		inflight <- err
	}()
	waitUnanswered(t, ctx, client, 1)

	if err := b.cmd.Process.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-b.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if b.State() != StateCrashed {
		t.Errorf("state = %s, want crashed", b.State())
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not closed after crash")
	}
	select {
	case err := <-inflight:
		if !errors.Is(err, cdp.ErrConnectionClosed) {
			t.Errorf("in-flight command = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight command not failed after crash")
	}
	if _, err := client.SendContext(ctx, "Browser.getVersion", nil); !errors.Is(err, cdp.ErrConnectionClosed) {
		t.Errorf("send after crash = %v, want ErrConnectionClosed", err)
	}

	if _, err := b.Connect(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("connect after crash = %v, want ErrNotRunning", err)
	}

	// Stopping a dead process still cleans up and keeps the crash visible.
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop after crash: %v", err)
	}
	if b.State() != StateCrashed {
		t.Errorf("state after stop = %s, want crashed", b.State())
	}
	if _, err := os.Stat(profile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temp profile not removed after crash: %v", err)
	}
}

func TestStop_Twice(t *testing.T) {
	t.Parallel()

	b := launchFake(t, fakeOptions(t, fakeNormal))
	ctx := context.Background()

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if _, err := b.Connect(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("connect after stop = %v, want ErrNotRunning", err)
	}
}

func TestLaunch_CustomProfileKept(t *testing.T) {
	t.Parallel()

	opts := fakeOptions(t, fakeNormal)
	opts.UserDataDir = filepath.Join(t.TempDir(), "profile")
	if err := os.MkdirAll(opts.UserDataDir, 0o700); err != nil {
		t.Fatal(err)
	}

	b := launchFake(t, opts)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := os.Stat(filepath.Join(opts.UserDataDir, ActivePortFile)); err != nil {
		t.Errorf("custom profile contents removed: %v", err)
	}
	assertEmptyDir(t, opts.TempDir)
}

func TestLaunch_FailureReportsOutput(t *testing.T) {
	t.Parallel()

	opts := fakeOptions(t, fakeNoPort)
	opts.DiscoveryAttempts = 6

	_, err := Launch(context.Background(), opts)
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError, got %v", err)
	}
	if !strings.Contains(launchErr.Output, "cannot bind debugging port") {
		t.Errorf("output missing process stderr: %q", launchErr.Output)
	}
	if launchErr.PID == 0 {
		t.Error("expected PID of the failed process")
	}
	if !strings.Contains(err.Error(), "browser output") {
		t.Errorf("error message omits output: %v", err)
	}
	assertEmptyDir(t, opts.TempDir)
}

func TestLaunch_ProcessExitsEarly(t *testing.T) {
	t.Parallel()

	opts := fakeOptions(t, fakeExit)

	_, err := Launch(context.Background(), opts)
	if !errors.Is(err, ErrExited) {
		t.Fatalf("expected ErrExited, got %v", err)
	}
	var launchErr *LaunchError
	if errors.As(err, &launchErr) && !strings.Contains(launchErr.Output, "profile locked") {
		t.Errorf("output = %q", launchErr.Output)
	}
	assertEmptyDir(t, opts.TempDir)
}

func TestLaunch_StartTimeout(t *testing.T) {
	t.Parallel()

	opts := fakeOptions(t, fakeNoPort)
	opts.StartTimeout = 200 * time.Millisecond

	start := time.Now()
	_, err := Launch(context.Background(), opts)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("launch took %v despite the start timeout", elapsed)
	}
}

func TestLaunch_BinaryMissing(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	_, err := Launch(context.Background(), LaunchOptions{
		BinaryPath: filepath.Join(parent, "no-such-chrome"),
		TempDir:    parent,
	})
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError, got %v", err)
	}
	assertEmptyDir(t, parent)
}

func TestRegistry_StopAll(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var browsers []*Browser
	for range 2 {
		b, err := reg.Launch(ctx, fakeOptions(t, fakeNormal))
		if err != nil {
			t.Fatalf("launch: %v", err)
		}
		browsers = append(browsers, b)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	if err := reg.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, b := range browsers {
		if b.IsAlive() {
			t.Errorf("browser %d still alive", b.PID())
		}
	}
	if reg.Len() != 0 {
		t.Errorf("Len() after StopAll = %d", reg.Len())
	}
}

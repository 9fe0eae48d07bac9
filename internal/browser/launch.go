package browser

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/grantcarthew/webdrive/internal/metrics"
)

// LaunchOptions configures browser launch behavior.
type LaunchOptions struct {
	// BinaryPath is the browser executable. Empty means FindChrome.
	BinaryPath string

	// Headless runs the browser without a visible window.
	Headless bool

	// Port for CDP remote debugging. 0 lets the browser pick a free port,
	// which is then read from the profile's DevToolsActivePort file.
	Port int

	// UserDataDir specifies the browser profile directory.
	// Special values:
	//   - Empty string: create a temporary directory, removed on Stop
	//   - "default": use the user's default profile (requires Port)
	//   - Any path: use that directory, never removed
	UserDataDir string

	// TempDir is the parent of a created temporary profile. Empty means os.TempDir.
	TempDir string

	// Args are appended to the generated flags.
	Args []string

	// Env is appended to the inherited environment of the process.
	Env []string

	// URL is opened on start. Defaults to about:blank.
	URL string

	// StartTimeout bounds endpoint discovery.
	StartTimeout time.Duration

	// DiscoveryAttempts bounds how often the endpoint is polled.
	DiscoveryAttempts int

	// GracePeriod is how long Stop waits for a graceful exit before killing.
	GracePeriod time.Duration

	// OutputLines is how many lines of process output are retained.
	OutputLines int

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

const (
	// DefaultPort is the conventional CDP debugging port for attaching to an
	// already running browser.
	DefaultPort = 9222

	// UserDataDirDefault is the special value that means "use the user's Chrome profile".
	UserDataDirDefault = "default"

	DefaultStartTimeout      = 30 * time.Second
	DefaultDiscoveryAttempts = 20
	DefaultGracePeriod       = 5 * time.Second
	DefaultOutputLines       = 200

	blankURL = "about:blank"
)

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.URL == "" {
		o.URL = blankURL
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = DefaultStartTimeout
	}
	if o.DiscoveryAttempts <= 0 {
		o.DiscoveryAttempts = DefaultDiscoveryAttempts
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.OutputLines <= 0 {
		o.OutputLines = DefaultOutputLines
	}
	return o
}

func (o LaunchOptions) validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("invalid debugging port %d", o.Port)
	}
	if o.UserDataDir == UserDataDirDefault && o.Port == 0 {
		return errors.New("an explicit port is required with the default profile")
	}
	return nil
}

// buildArgs constructs the Chrome command line arguments.
func buildArgs(opts LaunchOptions) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(opts.Port),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-networking",
		"--disable-sync",
		"--disable-popup-blocking",
	}

	// Platform-specific flags to avoid system dialogs
	switch runtime.GOOS {
	case "darwin":
		args = append(args, "--use-mock-keychain")
	case "linux":
		args = append(args, "--password-store=basic")
	}

	if opts.Headless {
		args = append(args, "--headless=new")
	}

	if opts.UserDataDir != "" && opts.UserDataDir != UserDataDirDefault {
		args = append(args, "--user-data-dir="+opts.UserDataDir)
	}

	args = append(args, opts.Args...)

	url := opts.URL
	if url == "" {
		url = blankURL
	}
	return append(args, url)
}

// createTempDataDir creates a temporary profile directory with a UUID suffix.
func createTempDataDir(parent string) (string, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, "webdrive-profile-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// prepareProfile resolves the profile directory, creating a temporary one
// when none was given. owned reports whether Stop should remove it.
func prepareProfile(opts LaunchOptions) (dir string, owned bool, err error) {
	switch opts.UserDataDir {
	case "":
		dir, err = createTempDataDir(opts.TempDir)
		if err != nil {
			return "", false, fmt.Errorf("create temp profile: %w", err)
		}
		return dir, true, nil
	case UserDataDirDefault:
		return "", false, nil
	default:
		return opts.UserDataDir, false, nil
	}
}

// spawnProcess starts the browser without waiting for it. Output is copied
// into out.
func spawnProcess(binPath string, opts LaunchOptions, out *outputBuffer) (*exec.Cmd, error) {
	cmd := exec.Command(binPath, buildArgs(opts)...)
	cmd.Stdin = nil
	cmd.Stdout = out
	cmd.Stderr = out
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// Renderer children can hold the output pipes open after the main
	// process exits.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}
	return cmd, nil
}

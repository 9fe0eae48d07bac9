// Package config loads webdrive settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/grantcarthew/webdrive/internal/logging"
)

// Environment variables that override file settings.
const (
	EnvChrome   = "WEBDRIVE_CHROME"
	EnvHeadless = "WEBDRIVE_HEADLESS"
	EnvPort     = "WEBDRIVE_PORT"
	EnvTimeout  = "WEBDRIVE_TIMEOUT"
	EnvEndpoint = "WEBDRIVE_ENDPOINT"
	EnvLogLevel = "WEBDRIVE_LOG_LEVEL"
)

// Config is the complete webdrive configuration.
type Config struct {
	Browser    BrowserConfig    `yaml:"browser"`
	Connection ConnectionConfig `yaml:"connection"`
	Waiter     WaiterConfig     `yaml:"waiter"`
	Targets    TargetsConfig    `yaml:"targets"`
	Log        LogConfig        `yaml:"log"`
}

// BrowserConfig controls how the browser process is launched.
type BrowserConfig struct {
	// Binary is the browser executable. Empty means auto-detect.
	Binary   string `yaml:"binary"`
	Headless bool   `yaml:"headless"`

	// Port 0 picks an ephemeral port.
	Port int `yaml:"port"`

	// UserDataDir empty creates a temporary profile removed on stop.
	UserDataDir string   `yaml:"user_data_dir"`
	Args        []string `yaml:"args"`

	StartTimeout      time.Duration `yaml:"start_timeout"`
	DiscoveryAttempts int           `yaml:"discovery_attempts"`
	GracePeriod       time.Duration `yaml:"grace_period"`
}

// ConnectionConfig controls the protocol connection.
type ConnectionConfig struct {
	// Endpoint attaches to a running browser instead of launching one. It
	// is either a ws:// browser socket URL or a host:port discovery address.
	Endpoint       string        `yaml:"endpoint"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// WaiterConfig holds waiter defaults.
type WaiterConfig struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	InterceptTimeout time.Duration `yaml:"intercept_timeout"`
}

// TargetsConfig controls target tracking.
type TargetsConfig struct {
	Types         []string      `yaml:"types"`
	AutoAttach    bool          `yaml:"auto_attach"`
	AttachTimeout time.Duration `yaml:"attach_timeout"`

	// EnableDomains are enabled on every new session, e.g. "Page".
	EnableDomains []string `yaml:"enable_domains"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "auto" (text on a terminal) or "json".
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Browser: BrowserConfig{
			Headless:          true,
			StartTimeout:      30 * time.Second,
			DiscoveryAttempts: 20,
			GracePeriod:       5 * time.Second,
		},
		Connection: ConnectionConfig{
			CommandTimeout: 30 * time.Second,
		},
		Waiter: WaiterConfig{
			DefaultTimeout:   30 * time.Second,
			InterceptTimeout: 10 * time.Second,
		},
		Targets: TargetsConfig{
			Types:         []string{"page"},
			AutoAttach:    true,
			AttachTimeout: 10 * time.Second,
			EnableDomains: []string{"Page", "Runtime"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "webdrive", "config.yaml")
}

// Load reads the config at path over the defaults, applies environment
// overrides and validates the result. An empty path means DefaultPath. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path onto cfg. Keys absent from the file keep their
// current value.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvChrome); v != "" {
		cfg.Browser.Binary = v
	}
	if v, ok := envBool(EnvHeadless); ok {
		cfg.Browser.Headless = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", EnvPort, v)
		}
		cfg.Browser.Port = port
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTimeout, err)
		}
		cfg.Connection.CommandTimeout = d
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Connection.Endpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Browser.Port < 0 || c.Browser.Port > 65535 {
		return fmt.Errorf("invalid browser port: %d", c.Browser.Port)
	}
	if c.Browser.UserDataDir == "default" && c.Browser.Port == 0 {
		return errors.New("browser.user_data_dir \"default\" requires an explicit port")
	}
	if c.Browser.DiscoveryAttempts < 0 {
		return fmt.Errorf("invalid discovery attempts: %d", c.Browser.DiscoveryAttempts)
	}

	durations := map[string]time.Duration{
		"browser.start_timeout":      c.Browser.StartTimeout,
		"browser.grace_period":       c.Browser.GracePeriod,
		"connection.command_timeout": c.Connection.CommandTimeout,
		"waiter.default_timeout":     c.Waiter.DefaultTimeout,
		"waiter.intercept_timeout":   c.Waiter.InterceptTimeout,
		"targets.attach_timeout":     c.Targets.AttachTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative: %s", name, d)
		}
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "auto", "json":
	default:
		return fmt.Errorf("invalid log format: %s (valid: auto, json)", c.Log.Format)
	}
	return nil
}

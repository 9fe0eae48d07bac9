package browser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ActivePortFile is written into the profile directory by a browser started
// with --remote-debugging-port=0. Line one is the port, line two the
// browser socket path.
const ActivePortFile = "DevToolsActivePort"

const (
	initialBackoff = 50 * time.Millisecond
	maxBackoff     = time.Second
	probeTimeout   = 2 * time.Second
)

var errPortPending = errors.New("debugging port not yet reported")

// readActivePort parses the DevToolsActivePort file in dir.
func readActivePort(dir string) (int, string, error) {
	f, err := os.Open(filepath.Join(dir, ActivePortFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, "", errPortPending
		}
		return 0, "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		// The browser may not have finished writing it.
		return 0, "", errPortPending
	}
	port, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || port <= 0 || port > 65535 {
		return 0, "", fmt.Errorf("malformed %s: %q", ActivePortFile, scanner.Text())
	}

	var path string
	if scanner.Scan() {
		path = strings.TrimSpace(scanner.Text())
	}
	return port, path, scanner.Err()
}

// backoff yields exponentially growing delays capped at max.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{next: initial, max: max}
}

func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}

// discoverEndpoint polls the browser until its /json/version answers,
// returning the resolved port and browser socket URL. It gives up after
// attempts polls, when ctx ends, or when exited is closed.
func discoverEndpoint(ctx context.Context, host string, port int, profileDir string, attempts int, exited <-chan struct{}) (int, string, error) {
	delay := newBackoff(initialBackoff, maxBackoff)
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		p := port
		if p == 0 {
			var err error
			p, _, err = readActivePort(profileDir)
			if err != nil {
				lastErr = err
			}
		}

		if p != 0 {
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			info, err := FetchVersion(probeCtx, host, p)
			cancel()
			if err == nil {
				if info.WebSocketURL == "" {
					return 0, "", errors.New("discovery endpoint reported no browser socket URL")
				}
				return p, info.WebSocketURL, nil
			}
			lastErr = err
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(delay.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, "", fmt.Errorf("endpoint discovery: %w (last error: %v)", ctx.Err(), lastErr)
		case <-exited:
			timer.Stop()
			return 0, "", ErrExited
		case <-timer.C:
		}
	}

	return 0, "", fmt.Errorf("endpoint not reachable after %d attempts: %w", attempts, lastErr)
}

package browser

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrChromeNotFound is returned when no browser binary can be located.
	ErrChromeNotFound = errors.New("chrome not found")

	// ErrNotRunning is returned when an operation needs a running browser.
	ErrNotRunning = errors.New("browser is not running")

	// ErrNoPageTarget is returned when no page target is available.
	ErrNoPageTarget = errors.New("no page target found")

	// ErrExited is returned when the process exits before its endpoint answers.
	ErrExited = errors.New("browser exited during startup")
)

// LaunchError is returned when a browser fails to start. Output holds the
// tail of what the process wrote to stdout and stderr.
type LaunchError struct {
	Binary string
	PID    int
	Output string
	Err    error
}

func (e *LaunchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "launch %s: %v", e.Binary, e.Err)
	if e.Output != "" {
		b.WriteString("\nbrowser output:\n")
		b.WriteString(e.Output)
	}
	return b.String()
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

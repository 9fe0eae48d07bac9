package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// Version is set at build time.
var Version = "dev"

// Global flags.
var (
	// ConfigPath overrides the default config file location.
	ConfigPath string

	// Debug enables debug logging.
	Debug bool

	// JSONOutput enables JSON output format (default is text).
	JSONOutput bool

	// NoColor disables color output.
	NoColor bool

	// Endpoint attaches to a running browser instead of launching one.
	Endpoint string

	// MetricsAddr serves Prometheus metrics while a command runs.
	MetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "webdrive",
	Short: "Drive a Chromium browser over the DevTools protocol",
	Long: `webdrive launches (or attaches to) a Chromium-based browser and drives it
over the Chrome DevTools Protocol: send raw commands, wait for events and
intercept network requests.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ConfigPath, "config", "", "Config file (default is the user config dir)")
	flags.BoolVar(&Debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&JSONOutput, "json", false, "Output in JSON format (default is text)")
	flags.BoolVar(&NoColor, "no-color", false, "Disable color output")
	flags.StringVar(&Endpoint, "endpoint", "", "Attach to a running browser (ws:// URL or host:port)")
	flags.StringVar(&MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.SetVersionTemplate(`webdrive version {{.Version}}
Repository: https://github.com/grantcarthew/webdrive
Report issues: https://github.com/grantcarthew/webdrive/issues/new
`)
}

// Execute runs the root command. An interrupt or SIGTERM cancels the
// command context so a launched browser is still stopped.
// Supports command abbreviation via unique prefix matching.
func Execute() error {
	args := os.Args[1:]
	if len(args) > 0 {
		if expanded := tryExpandCommand(args[0]); expanded != "" {
			args[0] = expanded
			rootCmd.SetArgs(args)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// tryExpandCommand attempts to expand a command abbreviation.
// Returns the expanded command if exactly one match is found, empty string otherwise.
func tryExpandCommand(prefix string) string {
	var matches []string
	for _, cmd := range rootCmd.Commands() {
		name := cmd.Name()
		if name == prefix {
			return ""
		}
		if len(prefix) < len(name) && name[:len(prefix)] == prefix {
			matches = append(matches, name)
		}
	}
	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// ExecuteArgs runs a command with the given arguments.
// Used by the REPL to run commands parsed from user input.
// Returns true if the command was recognized (even if it failed), false if unknown.
func ExecuteArgs(ctx context.Context, args []string) (recognized bool, err error) {
	if len(args) == 0 {
		return false, nil
	}

	cmd, _, findErr := rootCmd.Find(args)
	if findErr != nil || cmd == rootCmd {
		return false, nil
	}

	rootCmd.SetArgs(args)
	err = rootCmd.ExecuteContext(ctx)

	// Reset flags after each run so the next call starts fresh.
	resetFlags := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			// Set on a slice flag appends; Set("[]") would store the literal.
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		})
	}
	resetFlags(cmd.Flags())
	resetFlags(cmd.PersistentFlags())
	for parent := cmd.Parent(); parent != nil; parent = parent.Parent() {
		resetFlags(parent.PersistentFlags())
	}

	return true, err
}

// printedError marks an error whose message has already been written.
type printedError struct {
	msg string
}

func (e *printedError) Error() string { return e.msg }

// IsPrintedError reports whether err was already written to the user.
func IsPrintedError(err error) bool {
	var pe *printedError
	return errors.As(err, &pe)
}

// isStdoutTTY returns true if stdout is a terminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// outputJSON writes a JSON response to the given writer.
// Pretty prints if stdout is a TTY, compact otherwise.
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	if isStdoutTTY() {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// outputSuccess writes a successful response.
// For action commands (no data), outputs "OK" in text mode.
func outputSuccess(w io.Writer, data any) error {
	if JSONOutput {
		resp := map[string]any{
			"ok": true,
		}
		if data != nil {
			resp["data"] = data
		}
		return outputJSON(w, resp)
	}

	if data == nil {
		if shouldUseColor() {
			color.New(color.FgGreen).Fprintln(w, "OK")
		} else {
			fmt.Fprintln(w, "OK")
		}
		return nil
	}

	// Commands with data normally use their own formatters.
	_, err := fmt.Fprintf(w, "%v\n", data)
	return err
}

// outputError writes an error response to w and returns an error that
// main will not print a second time.
func outputError(w io.Writer, msg string) error {
	if JSONOutput {
		resp := map[string]any{
			"ok":    false,
			"error": msg,
		}
		outputJSON(w, resp)
	} else {
		if shouldUseColor() {
			color.New(color.FgRed).Fprint(w, "Error:")
			fmt.Fprintf(w, " %s\n", msg)
		} else {
			fmt.Fprintf(w, "Error: %s\n", msg)
		}
	}
	return &printedError{msg: msg}
}

// outputNotice writes a notice message without "Error:" prefix.
// Used for informational messages that still result in non-zero exit code.
func outputNotice(w io.Writer, msg string) error {
	if JSONOutput {
		resp := map[string]any{
			"ok":      false,
			"message": msg,
		}
		outputJSON(w, resp)
	} else {
		fmt.Fprintln(w, msg)
	}
	return &printedError{msg: msg}
}

// shouldUseColor determines if color output should be used based on flags and environment.
func shouldUseColor() bool {
	if JSONOutput {
		return false
	}
	if NoColor {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

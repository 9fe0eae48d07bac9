package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive protocol console",
	Long: `Start an interactive console over one browser connection.

Lines of the form "Domain.method [params-json]" are sent to the current
target. Any other line runs a webdrive command against the same browser,
e.g. "targets" or "expect Page.loadEventFired --navigate example.com".`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

// protocolMethod matches a raw protocol method such as Runtime.evaluate.
var protocolMethod = regexp.MustCompile(`^[A-Z][A-Za-z]*\.[a-z][A-Za-z]*$`)

// REPL is the interactive console loop.
type REPL struct {
	ctx     context.Context
	rt      *runtime
	liner   *liner.State
	out     io.Writer
	errOut  io.Writer
	history []string
	done    bool
}

// IsStdinTTY returns true if stdin is a terminal.
func IsStdinTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func runREPL(cmd *cobra.Command, args []string) error {
	if shared != nil {
		return outputError(cmd.ErrOrStderr(), "already in a repl")
	}
	if !IsStdinTTY() {
		return outputError(cmd.ErrOrStderr(), "repl requires an interactive terminal")
	}

	rt, err := openRuntime(cmd.Context())
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	shared = rt
	defer func() {
		shared = nil
		defaultTarget = ""
		if err := rt.Close(); err != nil {
			rt.logger.Warn("shutdown failed", "error", err)
		}
	}()

	r := &REPL{
		// An interrupt ends the running command, not the console.
		ctx:    context.WithoutCancel(cmd.Context()),
		rt:     rt,
		out:    cmd.OutOrStdout(),
		errOut: cmd.ErrOrStderr(),
	}
	return r.Run()
}

// Run starts the REPL loop. Blocks until exit command, EOF or the browser
// connection closing.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	for !r.done {
		line, err := r.liner.Prompt(r.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)
		r.history = append(r.history, line)

		if !r.handleSpecialCommand(line) {
			r.executeCommand(line)
		}

		select {
		case <-r.rt.client.Done():
			fmt.Fprintln(r.errOut, "browser connection closed")
			return nil
		default:
		}
	}
	return nil
}

// prompt shows the current target.
func (r *REPL) prompt() string {
	if defaultTarget == "" {
		return "webdrive> "
	}
	t, err := r.rt.findTarget(r.ctx, defaultTarget)
	if err != nil {
		return fmt.Sprintf("webdrive [%s?]> ", defaultTarget)
	}
	title := t.Title
	if len(title) > 30 {
		title = title[:27] + "..."
	}
	if title == "" {
		title = truncateID(t.ID, 8)
	}
	return fmt.Sprintf("webdrive [%s]> ", title)
}

// replCommands lists REPL-specific commands for abbreviation matching.
var replCommands = []string{"exit", "quit", "help", "history", "use"}

// expandAbbreviation expands a command prefix to a full command name.
// Returns the expanded command and true if exactly one match found.
func expandAbbreviation(prefix string, commands []string) (string, bool) {
	prefix = strings.ToLower(prefix)
	var matches []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, prefix) {
			matches = append(matches, cmd)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// handleSpecialCommand handles REPL-specific commands.
// Returns true if the command was handled, false otherwise.
func (r *REPL) handleSpecialCommand(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	if protocolMethod.MatchString(parts[0]) {
		return false
	}
	if expanded, ok := expandAbbreviation(cmd, replCommands); ok {
		cmd = expanded
	}

	switch cmd {
	case "exit", "quit":
		r.done = true
		return true

	case "help", "?":
		r.printHelp()
		return true

	case "history":
		r.printHistory()
		return true

	case "use":
		if len(parts) < 2 {
			defaultTarget = ""
			fmt.Fprintln(r.out, "using the first page target")
			return true
		}
		query := strings.Join(parts[1:], " ")
		t, err := r.rt.findTarget(r.ctx, query)
		if err != nil {
			outputError(r.errOut, err.Error())
			return true
		}
		defaultTarget = t.ID
		fmt.Fprintf(r.out, "using %s %s\n", truncateID(t.ID, 8), t.URL)
		return true
	}

	return false
}

// executeCommand sends a raw protocol command or runs a webdrive command.
func (r *REPL) executeCommand(line string) {
	ctx, stop := signal.NotifyContext(r.ctx, os.Interrupt)
	defer stop()

	method, rest, _ := strings.Cut(line, " ")
	if protocolMethod.MatchString(method) {
		r.sendRaw(ctx, method, strings.TrimSpace(rest))
		return
	}

	args, err := splitArgs(line)
	if err != nil {
		outputError(r.errOut, err.Error())
		return
	}
	if expanded := tryExpandCommand(args[0]); expanded != "" {
		args[0] = expanded
	}
	if args[0] == "repl" {
		outputError(r.errOut, "already in a repl")
		return
	}

	recognized, err := ExecuteArgs(ctx, args)
	if !recognized {
		outputError(r.errOut, fmt.Sprintf("unknown command: %s", args[0]))
		return
	}
	// Commands print their own failures; cobra flag errors are not printed.
	if err != nil && !IsPrintedError(err) {
		outputError(r.errOut, err.Error())
	}
}

func (r *REPL) sendRaw(ctx context.Context, method, params string) {
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
		if !json.Valid(raw) {
			outputError(r.errOut, "params must be valid JSON")
			return
		}
	}

	_, sess, err := r.rt.page(ctx, "")
	if err != nil {
		outputError(r.errOut, err.Error())
		return
	}
	result, err := sendCommand(ctx, sess, method, raw, 0)
	if err != nil {
		outputError(r.errOut, err.Error())
		return
	}
	writeRawJSON(r.out, result)
}

// splitArgs splits a command line into words, honoring single and double
// quotes.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		quote   rune
		inWord  bool
	)
	for _, c := range line {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == ' ' || c == '\t':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(c)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated quote")
	}
	if inWord {
		args = append(args, current.String())
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	return args, nil
}

// printHelp displays available commands.
func (r *REPL) printHelp() {
	help := `
Protocol:
  Domain.method [params-json]   Send a command to the current target
                                e.g. Runtime.evaluate {"expression": "document.title"}

Commands (unique prefixes accepted):
  targets [query]               List browser targets
  send <method> [params]        Send a command (--browser for browser level)
  navigate <url> [--wait]       Navigate the current target
  expect <event> [flags]        Wait for an event, request, response or download
  intercept <pattern> [flags]   Intercept matching requests

REPL (unique prefixes accepted: he=help, hi=history, u=use, e=exit, q=quit):
  use [query]   Select the current target (no query: first page)
  help, ?       Show this help
  history       Show command history
  exit, quit    Stop the browser and exit
`
	fmt.Fprintln(r.out, help)
}

// printHistory displays command history.
func (r *REPL) printHistory() {
	for i, cmd := range r.history {
		fmt.Fprintf(r.out, "  %d  %s\n", i+1, cmd)
	}
}

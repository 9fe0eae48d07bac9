package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/webdrive/internal/cdp"
	"github.com/grantcarthew/webdrive/internal/waiter"
)

var expectCmd = &cobra.Command{
	Use:   "expect [event-method]",
	Short: "Wait for a protocol event, request, response or download",
	Long: `Register an expectation, optionally trigger it with a navigation, and
print what arrived.

Exactly one of an event method, --request, --response or --download is
required. The expectation is registered before --navigate is sent, so
nothing emitted by the navigation is missed.

Examples:
  webdrive expect Page.loadEventFired --navigate example.com
  webdrive expect Runtime.consoleAPICalled --match type=error
  webdrive expect --response '.*/api/items.*' --body --navigate localhost:3000
  webdrive expect --download --navigate https://example.com/file.zip`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExpect,
}

var (
	expectTarget   string
	expectNavigate string
	expectTimeout  time.Duration
	expectMatch    []string
	expectRequest  string
	expectResponse string
	expectBody     bool
	expectDownload bool
)

func init() {
	f := expectCmd.Flags()
	f.StringVarP(&expectTarget, "target", "t", "", "Target query (ID prefix, title or URL)")
	f.StringVar(&expectNavigate, "navigate", "", "Navigate to URL after registering")
	f.DurationVar(&expectTimeout, "timeout", 0, "How long to wait (default from config)")
	f.StringArrayVar(&expectMatch, "match", nil, "Only accept events whose param path equals value (path=value, repeatable)")
	f.StringVar(&expectRequest, "request", "", "Wait for a request whose URL fully matches this regex")
	f.StringVar(&expectResponse, "response", "", "Wait for a response whose URL fully matches this regex")
	f.BoolVar(&expectBody, "body", false, "Include the response body (with --response)")
	f.BoolVar(&expectDownload, "download", false, "Wait for a download to begin (downloads are denied)")
	expectCmd.MarkFlagsMutuallyExclusive("request", "response", "download")
	rootCmd.AddCommand(expectCmd)
}

func runExpect(cmd *cobra.Command, args []string) error {
	modes := 0
	for _, set := range []bool{len(args) == 1, expectRequest != "", expectResponse != "", expectDownload} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return outputError(cmd.ErrOrStderr(), "exactly one of an event method, --request, --response or --download is required")
	}
	if expectBody && expectResponse == "" {
		return outputError(cmd.ErrOrStderr(), "--body requires --response")
	}

	predicate, err := parseMatches(expectMatch)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	ctx := cmd.Context()
	rt, release, err := acquireRuntime(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	_, sess, err := rt.page(ctx, expectTarget)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	timeout := expectTimeout
	if timeout == 0 {
		timeout = rt.cfg.Waiter.DefaultTimeout
	}

	var result any
	switch {
	case expectDownload:
		result, err = expectDownloadBegin(ctx, rt, sess, timeout)
	case expectRequest != "" || expectResponse != "":
		result, err = expectNetwork(ctx, rt, sess, timeout)
	default:
		result, err = expectEvent(ctx, rt, sess, args[0], predicate, timeout)
	}
	if err != nil {
		if errors.Is(err, waiter.ErrWaiterTimeout) {
			return outputNotice(cmd.ErrOrStderr(), fmt.Sprintf("timed out after %s", timeout))
		}
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	if JSONOutput {
		return outputSuccess(cmd.OutOrStdout(), result)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	return writeRawJSON(cmd.OutOrStdout(), data)
}

func expectEvent(ctx context.Context, rt *runtime, sess *cdp.Session, method string, predicate func(cdp.Event) bool, timeout time.Duration) (any, error) {
	reg := rt.waiters(sess)
	defer reg.Reset(context.WithoutCancel(ctx))

	w, err := reg.Expect(method, predicate, timeout)
	if err != nil {
		return nil, err
	}
	if err := maybeNavigate(ctx, sess); err != nil {
		return nil, err
	}
	evt, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"method": evt.Method, "params": evt.Params}, nil
}

func expectNetwork(ctx context.Context, rt *runtime, sess *cdp.Session, timeout time.Duration) (any, error) {
	if _, err := sess.Send(ctx, "Network.enable", nil); err != nil {
		return nil, fmt.Errorf("enable network: %w", err)
	}

	reg := rt.waiters(sess)
	defer reg.Reset(context.WithoutCancel(ctx))

	if expectRequest != "" {
		pattern, err := regexp.Compile(expectRequest)
		if err != nil {
			return nil, fmt.Errorf("invalid --request pattern: %w", err)
		}
		e, err := reg.ExpectRequest(pattern, timeout)
		if err != nil {
			return nil, err
		}
		if err := maybeNavigate(ctx, sess); err != nil {
			return nil, err
		}
		return e.Value(ctx)
	}

	pattern, err := regexp.Compile(expectResponse)
	if err != nil {
		return nil, fmt.Errorf("invalid --response pattern: %w", err)
	}
	e, err := reg.ExpectResponse(pattern, timeout)
	if err != nil {
		return nil, err
	}
	if err := maybeNavigate(ctx, sess); err != nil {
		return nil, err
	}
	resp, err := e.Value(ctx)
	if err != nil {
		return nil, err
	}
	if !expectBody {
		return resp, nil
	}
	body, err := e.ResponseBody(ctx)
	if err != nil {
		return nil, fmt.Errorf("response body: %w", err)
	}
	return map[string]any{"response": resp, "body": string(body)}, nil
}

// expectDownloadBegin waits at browser level; download events are not
// delivered to page sessions.
func expectDownloadBegin(ctx context.Context, rt *runtime, sess *cdp.Session, timeout time.Duration) (any, error) {
	reg := rt.waiters(rt.client.Root())
	defer reg.Reset(context.WithoutCancel(ctx))

	d, err := reg.ExpectDownload(ctx, timeout)
	if err != nil {
		return nil, err
	}
	defer d.Close(context.WithoutCancel(ctx))

	if err := maybeNavigate(ctx, sess); err != nil {
		// A download aborts the navigation that started it.
		if !strings.Contains(err.Error(), "net::ERR_ABORTED") {
			return nil, err
		}
	}
	return d.Value(ctx)
}

func maybeNavigate(ctx context.Context, sess *cdp.Session) error {
	if expectNavigate == "" {
		return nil
	}
	return navigatePage(ctx, sess, normalizeURL(expectNavigate))
}

// parseMatches builds an event predicate from path=value conditions. Paths
// are dotted keys into the event params; values compare as text.
func parseMatches(conds []string) (func(cdp.Event) bool, error) {
	if len(conds) == 0 {
		return nil, nil
	}

	type cond struct {
		path []string
		want string
	}
	parsed := make([]cond, 0, len(conds))
	for _, c := range conds {
		path, want, ok := strings.Cut(c, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid --match %q (want path=value)", c)
		}
		parsed = append(parsed, cond{path: strings.Split(path, "."), want: want})
	}

	return func(evt cdp.Event) bool {
		var params any
		if err := json.Unmarshal(evt.Params, &params); err != nil {
			return false
		}
		for _, c := range parsed {
			v, ok := lookupPath(params, c.path)
			if !ok || formatValue(v) != c.want {
				return false
			}
		}
		return true
	}, nil
}

func lookupPath(v any, path []string) (any, bool) {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[key]; !ok {
			return nil, false
		}
	}
	return v, true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	case map[string]any, []any:
		data, _ := json.Marshal(t)
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/webdrive/internal/waiter"
)

var interceptCmd = &cobra.Command{
	Use:   "intercept <url-pattern>",
	Short: "Pause matching requests and fail, fulfill or continue them",
	Long: `Intercept requests whose URL matches a wildcard pattern (* and ?) and
decide their fate. Each handled request is printed as it happens.

Without --fail or --status, requests continue unmodified. The command runs
until --duration elapses, --count requests were handled, or it is
interrupted.

Examples:
  webdrive intercept '*://*/ads/*' --fail BlockedByClient --navigate example.com
  webdrive intercept '*/api/items' --status 200 --body '[]' --header 'Content-Type: application/json'
  webdrive intercept '*.png' --stage response --count 5`,
	Args: cobra.ExactArgs(1),
	RunE: runIntercept,
}

var (
	interceptTarget   string
	interceptStage    string
	interceptResource string
	interceptFail     string
	interceptStatus   int
	interceptBody     string
	interceptHeaders  []string
	interceptNavigate string
	interceptDuration time.Duration
	interceptCount    int
)

func init() {
	f := interceptCmd.Flags()
	f.StringVarP(&interceptTarget, "target", "t", "", "Target query (ID prefix, title or URL)")
	f.StringVar(&interceptStage, "stage", "request", "Pause at the request or response stage")
	f.StringVar(&interceptResource, "resource-type", "", "Only intercept this resource type (Document, XHR, Image, ...)")
	f.StringVar(&interceptFail, "fail", "", "Fail matched requests with this network error reason")
	f.IntVar(&interceptStatus, "status", 0, "Fulfill matched requests with this status code")
	f.StringVar(&interceptBody, "body", "", "Response body (with --status)")
	f.StringArrayVar(&interceptHeaders, "header", nil, "Response header 'Name: value' (with --status, repeatable)")
	f.StringVar(&interceptNavigate, "navigate", "", "Navigate to URL after registering")
	f.DurationVar(&interceptDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	f.IntVar(&interceptCount, "count", 0, "Stop after this many requests (0 is unlimited)")
	interceptCmd.MarkFlagsMutuallyExclusive("fail", "status")
	rootCmd.AddCommand(interceptCmd)
}

func runIntercept(cmd *cobra.Command, args []string) error {
	stage, err := parseStage(interceptStage)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	disposition, err := interceptDisposition()
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	ctx := cmd.Context()
	rt, release, err := acquireRuntime(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	_, sess, err := rt.page(ctx, interceptTarget)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	reg := rt.waiters(sess)
	defer reg.Reset(context.WithoutCancel(ctx))

	pattern := waiter.Pattern{
		URLPattern:   args[0],
		ResourceType: interceptResource,
		RequestStage: stage,
	}
	ic, err := reg.Intercept(ctx, pattern, nil, func(context.Context, *waiter.PausedRequest) waiter.Disposition {
		return disposition
	})
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	if interceptNavigate != "" {
		if err := navigatePage(ctx, sess, normalizeURL(interceptNavigate)); err != nil && disposition.Action != waiter.ActionFail {
			return outputError(cmd.ErrOrStderr(), err.Error())
		}
	}

	if interceptDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, interceptDuration)
		defer cancel()
	}

	handled := 0
	for {
		select {
		case req, ok := <-ic.Events():
			if !ok {
				return outputNotice(cmd.ErrOrStderr(), "interception ended: "+errString(sess.Err()))
			}
			handled++
			if err := writeIntercepted(cmd.OutOrStdout(), req, disposition.Action); err != nil {
				return err
			}
			if interceptCount > 0 && handled >= interceptCount {
				return nil
			}
		case <-ctx.Done():
			if cmd.Context().Err() != nil && !JSONOutput {
				fmt.Fprintf(cmd.ErrOrStderr(), "\n%d requests intercepted\n", handled)
			}
			return nil
		}
	}
}

func parseStage(s string) (waiter.Stage, error) {
	switch strings.ToLower(s) {
	case "", "request":
		return waiter.StageRequest, nil
	case "response":
		return waiter.StageResponse, nil
	default:
		return "", fmt.Errorf("invalid --stage %q (valid: request, response)", s)
	}
}

func interceptDisposition() (waiter.Disposition, error) {
	switch {
	case interceptFail != "":
		return waiter.Fail(interceptFail), nil
	case interceptStatus != 0:
		if interceptStatus < 100 || interceptStatus > 599 {
			return waiter.Disposition{}, fmt.Errorf("invalid --status %d", interceptStatus)
		}
		headers := make([]waiter.Header, 0, len(interceptHeaders))
		for _, h := range interceptHeaders {
			name, value, ok := strings.Cut(h, ":")
			if !ok || strings.TrimSpace(name) == "" {
				return waiter.Disposition{}, fmt.Errorf("invalid --header %q (want 'Name: value')", h)
			}
			headers = append(headers, waiter.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
		}
		return waiter.Fulfill(interceptStatus, headers, []byte(interceptBody)), nil
	case interceptBody != "" || len(interceptHeaders) > 0:
		return waiter.Disposition{}, fmt.Errorf("--body and --header require --status")
	default:
		return waiter.Continue(), nil
	}
}

func writeIntercepted(w io.Writer, req *waiter.PausedRequest, action waiter.Action) error {
	if JSONOutput {
		return outputJSON(w, map[string]any{
			"requestId":    req.RequestID,
			"method":       req.Request.Method,
			"url":          req.Request.URL,
			"resourceType": req.ResourceType,
			"status":       req.ResponseStatusCode,
			"action":       action.String(),
		})
	}

	label := strings.ToUpper(action.String())
	if shouldUseColor() {
		switch action {
		case waiter.ActionFail:
			label = color.RedString(label)
		case waiter.ActionFulfill:
			label = color.GreenString(label)
		}
	}
	_, err := fmt.Fprintf(w, "%s %s %s\n", label, req.Request.Method, req.Request.URL)
	return err
}

func errString(err error) string {
	if err == nil {
		return "stopped"
	}
	return err.Error()
}

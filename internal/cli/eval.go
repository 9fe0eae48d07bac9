package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

var evalCmd = &cobra.Command{
	Use:   "eval <expression>",
	Short: "Evaluate JavaScript in the browser",
	Long:  "Evaluates a JavaScript expression in the selected page target and returns the result. Promises are awaited.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEval,
}

var (
	evalTarget  string
	evalTimeout time.Duration
)

func init() {
	evalCmd.Flags().StringVarP(&evalTarget, "target", "t", "", "Target query (ID prefix, title or URL)")
	evalCmd.Flags().DurationVar(&evalTimeout, "timeout", 30*time.Second, "Timeout for async expressions")
	rootCmd.AddCommand(evalCmd)
}

// errUndefined reports an expression evaluating to undefined.
var errUndefined = errors.New("undefined")

func runEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, release, err := acquireRuntime(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	_, sess, err := rt.page(ctx, evalTarget)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	// Join all args to form the expression (allows shell-friendly use without quotes)
	expression := strings.Join(args, " ")

	value, err := evaluate(ctx, sess, expression, evalTimeout)
	if err != nil && !errors.Is(err, errUndefined) {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	if JSONOutput {
		result := map[string]any{"ok": true}
		if err == nil {
			result["value"] = value
		}
		return outputJSON(cmd.OutOrStdout(), result)
	}
	if err != nil {
		_, werr := fmt.Fprintln(cmd.OutOrStdout(), "undefined")
		return werr
	}
	return writeRawJSON(cmd.OutOrStdout(), value)
}

// evaluate runs expression with Runtime.evaluate and returns its value as
// JSON. A thrown exception is returned as an error; an undefined result
// returns errUndefined.
func evaluate(ctx context.Context, sess *cdp.Session, expression string, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	raw, err := sess.Send(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"awaitPromise":  true,
		"returnByValue": true,
	})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("evaluation timed out after %s", timeout)
		}
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}

	var resp struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse evaluation result: %w", err)
	}

	if resp.ExceptionDetails != nil {
		msg := resp.ExceptionDetails.Exception.Description
		if msg == "" {
			msg = resp.ExceptionDetails.Text
		}
		return nil, errors.New(msg)
	}
	if resp.Result.Type == "undefined" {
		return nil, errUndefined
	}
	if len(resp.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result.Value, nil
}

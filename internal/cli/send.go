package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

var sendCmd = &cobra.Command{
	Use:   "send <method> [params-json]",
	Short: "Send a raw protocol command",
	Long: `Send a protocol command and print its result.

The command goes to the selected page target unless --browser is given,
in which case it is sent at browser level.

Examples:
  webdrive send Runtime.evaluate '{"expression":"1+1"}'
  webdrive send Page.navigate '{"url":"https://example.com"}' --target example
  webdrive send Target.getTargets --browser`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSend,
}

var (
	sendTarget  string
	sendBrowser bool
	sendTimeout time.Duration
)

func init() {
	sendCmd.Flags().StringVarP(&sendTarget, "target", "t", "", "Target query (ID prefix, title or URL)")
	sendCmd.Flags().BoolVar(&sendBrowser, "browser", false, "Send at browser level instead of to a page")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "Command timeout (default from config)")
	sendCmd.MarkFlagsMutuallyExclusive("target", "browser")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	var params json.RawMessage
	if len(args) > 1 {
		params = json.RawMessage(args[1])
		if !json.Valid(params) || !bytes.HasPrefix(bytes.TrimSpace(params), []byte("{")) {
			return outputError(cmd.ErrOrStderr(), "params must be a JSON object")
		}
	}

	rt, release, err := acquireRuntime(cmd.Context())
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	sess := rt.client.Root()
	if !sendBrowser {
		if _, sess, err = rt.page(cmd.Context(), sendTarget); err != nil {
			return outputError(cmd.ErrOrStderr(), err.Error())
		}
	}

	result, err := sendCommand(cmd.Context(), sess, args[0], params, sendTimeout)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	if JSONOutput {
		return outputSuccess(cmd.OutOrStdout(), result)
	}
	return writeRawJSON(cmd.OutOrStdout(), result)
}

// sendCommand sends method on sess. A positive timeout overrides the
// client default.
func sendCommand(ctx context.Context, sess *cdp.Session, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var p any
	if len(params) > 0 {
		p = params
	}
	result, err := sess.Send(ctx, method, p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return result, nil
}

// writeRawJSON writes data indented on its own line.
func writeRawJSON(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

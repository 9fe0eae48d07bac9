package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/webdrive/internal/cdp"
)

var navigateCmd = &cobra.Command{
	Use:   "navigate <url>",
	Short: "Navigate to URL",
	Long:  "Navigates the selected page target to the specified URL. Returns immediately unless --wait is specified.",
	Args:  cobra.ExactArgs(1),
	RunE:  runNavigate,
}

var (
	navigateTarget  string
	navigateWait    bool
	navigateTimeout time.Duration
)

func init() {
	navigateCmd.Flags().StringVarP(&navigateTarget, "target", "t", "", "Target query (ID prefix, title or URL)")
	navigateCmd.Flags().BoolVar(&navigateWait, "wait", false, "Wait for page load completion")
	navigateCmd.Flags().DurationVar(&navigateTimeout, "timeout", 0, "Load timeout (default from config, used with --wait)")
	rootCmd.AddCommand(navigateCmd)
}

// normalizeURL adds protocol to URL if missing.
// Uses http:// for localhost/127.0.0.1/0.0.0.0, https:// otherwise.
func normalizeURL(url string) string {
	if strings.Contains(url, "://") || strings.HasPrefix(url, "about:") || strings.HasPrefix(url, "data:") {
		return url
	}

	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "localhost") ||
		strings.HasPrefix(lower, "127.0.0.1") ||
		strings.HasPrefix(lower, "0.0.0.0") {
		return "http://" + url
	}

	return "https://" + url
}

func runNavigate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, release, err := acquireRuntime(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	t, sess, err := rt.page(ctx, navigateTarget)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	url := normalizeURL(args[0])

	if !navigateWait {
		if err := navigatePage(ctx, sess, url); err != nil {
			return outputError(cmd.ErrOrStderr(), err.Error())
		}
		return outputSuccess(cmd.OutOrStdout(), nil)
	}

	timeout := navigateTimeout
	if timeout == 0 {
		timeout = rt.cfg.Waiter.DefaultTimeout
	}

	// The load waiter must exist before the navigation starts.
	reg := rt.waiters(sess)
	defer reg.Reset(context.WithoutCancel(ctx))
	loaded, err := reg.Expect("Page.loadEventFired", nil, timeout)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	if err := navigatePage(ctx, sess, url); err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	if _, err := loaded.Wait(ctx); err != nil {
		return outputError(cmd.ErrOrStderr(), fmt.Sprintf("waiting for load: %v", err))
	}

	if JSONOutput {
		return outputSuccess(cmd.OutOrStdout(), map[string]any{"target": t.ID, "url": url})
	}
	return outputSuccess(cmd.OutOrStdout(), nil)
}

// navigatePage sends Page.navigate and reports a failed navigation as an
// error.
func navigatePage(ctx context.Context, sess *cdp.Session, url string) error {
	raw, err := sess.Send(ctx, "Page.navigate", map[string]any{"url": url})
	if err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	var result struct {
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &result); err == nil && result.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, result.ErrorText)
	}
	return nil
}

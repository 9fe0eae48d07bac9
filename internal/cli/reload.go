package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload current page",
	Long:  "Reloads the selected page target and waits for the load event.",
	Args:  cobra.NoArgs,
	RunE:  runReload,
}

var (
	reloadTarget      string
	reloadIgnoreCache bool
	reloadTimeout     time.Duration
)

func init() {
	reloadCmd.Flags().StringVarP(&reloadTarget, "target", "t", "", "Target query (ID prefix, title or URL)")
	reloadCmd.Flags().BoolVar(&reloadIgnoreCache, "ignore-cache", false, "Bypass browser cache (hard reload)")
	reloadCmd.Flags().DurationVar(&reloadTimeout, "timeout", 0, "Load timeout (default from config)")
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, release, err := acquireRuntime(ctx)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	t, sess, err := rt.page(ctx, reloadTarget)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	timeout := reloadTimeout
	if timeout == 0 {
		timeout = rt.cfg.Waiter.DefaultTimeout
	}

	reg := rt.waiters(sess)
	defer reg.Reset(context.WithoutCancel(ctx))
	loaded, err := reg.Expect("Page.loadEventFired", nil, timeout)
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}

	if _, err := sess.Send(ctx, "Page.reload", map[string]any{"ignoreCache": reloadIgnoreCache}); err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	if _, err := loaded.Wait(ctx); err != nil {
		return outputError(cmd.ErrOrStderr(), "waiting for load: "+err.Error())
	}

	// The target manager follows Target.targetInfoChanged.
	if cur, ok := rt.targets.Get(t.ID); ok {
		t = cur
	}
	if JSONOutput {
		return outputSuccess(cmd.OutOrStdout(), map[string]any{"url": t.URL, "title": t.Title})
	}
	return outputSuccess(cmd.OutOrStdout(), nil)
}

package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/webdrive/internal/target"
)

var targetsCmd = &cobra.Command{
	Use:   "targets [query]",
	Short: "List browser targets",
	Long: `List the targets the browser reports, with their attach state.

With a query argument, only matching targets are listed.

Query matching:
  - Target ID prefix (case-sensitive)
  - Title or URL substring (case-insensitive)

Examples:
  webdrive targets             # List all targets
  webdrive targets 9A3E        # Filter by target ID prefix
  webdrive targets example     # Filter by title or URL substring`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	rt, release, err := acquireRuntime(cmd.Context())
	if err != nil {
		return outputError(cmd.ErrOrStderr(), err.Error())
	}
	defer release()

	list := rt.targets.Targets()
	if len(args) > 0 {
		list = matchTargets(list, args[0])
		if len(list) == 0 {
			return outputNotice(cmd.ErrOrStderr(), fmt.Sprintf("no target matches %q", args[0]))
		}
	}

	if JSONOutput {
		return outputJSON(cmd.OutOrStdout(), map[string]any{
			"ok":      true,
			"targets": formatTargets(list),
		})
	}
	return outputTargetsText(cmd.OutOrStdout(), list)
}

// formatTargets formats targets for JSON output.
func formatTargets(list []target.Target) []map[string]any {
	result := make([]map[string]any, len(list))
	for i, t := range list {
		entry := map[string]any{
			"id":    t.ID,
			"type":  t.Type,
			"state": t.State.String(),
			"title": t.Title,
			"url":   t.URL,
		}
		if t.OpenerID != "" {
			entry["openerId"] = t.OpenerID
		}
		if t.Session != nil {
			entry["sessionId"] = t.Session.ID()
		}
		result[i] = entry
	}
	return result
}

func outputTargetsText(w io.Writer, list []target.Target) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tTITLE\tURL")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(t.ID, 8), t.Type, t.State, truncateTitle(t.Title, 40), t.URL)
	}
	return tw.Flush()
}

// truncateID returns first n characters of an ID.
func truncateID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n] + "..."
}

// truncateTitle truncates a title to max length.
func truncateTitle(title string, max int) string {
	title = strings.TrimSpace(title)
	if len(title) <= max {
		return title
	}
	return title[:max-3] + "..."
}

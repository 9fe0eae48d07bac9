package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show webdrive and browser versions",
	Long: `Show the webdrive version. With --browser, also launch or attach to the
browser and report its product and protocol versions.`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

var versionBrowser bool

func init() {
	versionCmd.Flags().BoolVar(&versionBrowser, "browser", false, "Also report the browser version")
	rootCmd.AddCommand(versionCmd)
}

// browserVersion is the Browser.getVersion result.
type browserVersion struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JSVersion       string `json:"jsVersion"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	data := map[string]any{"version": Version}

	var bv browserVersion
	if versionBrowser {
		rt, release, err := acquireRuntime(cmd.Context())
		if err != nil {
			return outputError(cmd.ErrOrStderr(), err.Error())
		}
		defer release()

		raw, err := rt.client.Root().Send(cmd.Context(), "Browser.getVersion", nil)
		if err != nil {
			return outputError(cmd.ErrOrStderr(), err.Error())
		}
		if err := json.Unmarshal(raw, &bv); err != nil {
			return outputError(cmd.ErrOrStderr(), fmt.Sprintf("decode browser version: %v", err))
		}
		data["browser"] = bv
	}

	if JSONOutput {
		return outputSuccess(cmd.OutOrStdout(), data)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "webdrive version %s\n", Version)
	if versionBrowser {
		fmt.Fprintf(w, "browser: %s\n", bv.Product)
		fmt.Fprintf(w, "protocol: %s\n", bv.ProtocolVersion)
		fmt.Fprintf(w, "user agent: %s\n", bv.UserAgent)
	}
	return nil
}

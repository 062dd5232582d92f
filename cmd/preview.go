// File: cmd/preview.go
package cmd

import (
	"github.com/spf13/cobra"
)

// newPreviewCmd is run with dry run forced on and the article bodies printed.
func newPreviewCmd(a *app) *cobra.Command {
	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the drafts the next run would publish, without publishing",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return a.bindDigestFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			cfg.Digest.DryRun = true

			report, err := a.runDigest(cmd.Context(), cfg)
			if report != nil {
				if perr := printReport(cmd.OutOrStdout(), report, mustBool(cmd, "json"), true); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	addDigestFlags(previewCmd)
	return previewCmd
}

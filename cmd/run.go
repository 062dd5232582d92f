// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vulndigest/internal/config"
	"github.com/xkilldash9x/vulndigest/internal/digest"
	"github.com/xkilldash9x/vulndigest/internal/observability"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

func newRunCmd(a *app) *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch the feeds, select today's candidates and publish them as drafts",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return a.bindDigestFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			report, err := a.runDigest(cmd.Context(), cfg)
			if report != nil {
				if perr := printReport(cmd.OutOrStdout(), report, mustBool(cmd, "json"), false); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	addDigestFlags(runCmd)
	runCmd.Flags().Bool("dry-run", false, "Render articles without publishing or updating state. (Overrides config/env)")
	return runCmd
}

func addDigestFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("lookback-days", "d", 0, "Recency window in days. (Overrides config/env)")
	cmd.Flags().String("metrics-file", "", "Write run metrics to this node_exporter textfile. (Overrides config/env)")
	cmd.Flags().Bool("json", false, "Print the run report as JSON.")
}

// bindDigestFlags maps the shared flags onto their viper keys. Flags that
// were not given keep the config/env value.
func (a *app) bindDigestFlags(cmd *cobra.Command) error {
	bindings := map[string]string{
		"lookback-days": "digest.lookback_days",
		"metrics-file":  "metrics.textfile_path",
		"dry-run":       "digest.dry_run",
	}
	for flag, key := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := a.v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// runDigest builds the components and runs one digest.
func (a *app) runDigest(ctx context.Context, cfg *config.Config) (*digest.Report, error) {
	logger := observability.GetLogger()

	components, err := a.factory.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize digest components: %w", err)
	}
	defer components.Shutdown()

	report, err := components.Pipeline.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Warn("Digest aborted by signal.")
	}
	return report, err
}

// printReport writes the human summary or the JSON report. Article bodies
// are included only when withBodies is set.
func printReport(w io.Writer, report *digest.Report, asJSON, withBodies bool) error {
	if asJSON {
		data, err := jsonCodec.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	mode := "published"
	if report.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "Run %s (%s) for %s\n", report.RunID, mode, report.Day)
	if report.QuotaExhausted {
		fmt.Fprintf(w, "Daily limit already reached (%d today).\n", report.PublishedToday)
		return nil
	}
	f := report.Funnel
	fmt.Fprintf(w, "Funnel: fetched=%d after_seen=%d after_recency=%d after_policy=%d\n",
		f.Fetched, f.AfterSeen, f.AfterRecency, f.AfterPolicy)

	for _, p := range report.Posted {
		if p.PostID != 0 {
			fmt.Fprintf(w, "  posted  %-16s #%d  %s  [%s]\n", p.CVE, p.PostID, p.Title, p.Reason)
		} else {
			fmt.Fprintf(w, "  draft   %-16s %s  [%s]\n", p.CVE, p.Title, p.Reason)
		}
		if withBodies {
			fmt.Fprintf(w, "\n%s\n\n", p.Body)
		}
	}
	for _, failure := range report.Failed {
		fmt.Fprintf(w, "  failed  %-16s %s\n", failure.CVE, failure.Error)
	}
	_, err := fmt.Fprintf(w, "Today: %d\n", report.PublishedToday)
	return err
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, err := cmd.Flags().GetBool(name)
	if err != nil {
		observability.GetLogger().Debug("Flag lookup failed.", zap.String("flag", name), zap.Error(err))
		return false
	}
	return v
}

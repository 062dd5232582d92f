// File: cmd/state.go
package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/vulndigest/internal/observability"
	"github.com/xkilldash9x/vulndigest/internal/service"
	"github.com/xkilldash9x/vulndigest/internal/state"
)

func newStateCmd(a *app) *cobra.Command {
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted selection state",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print how many CVEs were published today and overall",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, pool, err := service.InitializeStore(ctx, cfg.State, observability.GetLogger())
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			st, err := store.Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to load state: %w", err)
			}

			w := cmd.OutOrStdout()
			if mustBool(cmd, "json") {
				data, err := state.Encode(st)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, string(data))
				return err
			}

			today := state.Day(time.Now())
			fmt.Fprintf(w, "Seen: %d\n", len(st.Seen))
			fmt.Fprintf(w, "Today (%s): %d\n", today, st.CountPublishedToday(today))

			days := make([]string, 0, len(st.Daily))
			for day := range st.Daily {
				days = append(days, day)
			}
			sort.Sort(sort.Reverse(sort.StringSlice(days)))
			for _, day := range days {
				fmt.Fprintf(w, "  %s  %v\n", day, st.Daily[day])
			}
			return nil
		},
	}
	showCmd.Flags().Bool("json", false, "Print the raw state document.")

	stateCmd.AddCommand(showCmd)
	return stateCmd
}

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/recovery"
	"github.com/lucasnoah/steward/internal/registry"
	"github.com/lucasnoah/steward/internal/runlock"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether steward is running, project counts, and spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		recs, err := a.store.List("")
		if err != nil {
			return err
		}
		counts := make(map[registry.Status]int)
		for _, r := range recs {
			counts[r.Status]++
		}
		gov, err := a.newGovernor()
		if err != nil {
			return err
		}
		sum := gov.Summary()
		lock, running := runlock.Holder(a.home)
		snap := recovery.Load(recovery.Path(a.home), a.logger)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			out := map[string]any{
				"running":  running,
				"projects": counts,
				"cost":     sum,
			}
			if running {
				out["pid"] = lock.PID
				out["started_at"] = lock.StartedAt
			}
			if snap != nil {
				out["last_shutdown"] = snap.SavedAt
				out["stats"] = snap.Stats
			}
			return writeJSON(cmd, out)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		if running {
			fmt.Fprintf(w, "steward\trunning (PID %d since %s)\n", lock.PID, ago(lock.StartedAt))
		} else {
			fmt.Fprintln(w, "steward\tstopped")
		}
		if len(recs) == 0 {
			fmt.Fprintln(w, "projects\tnone registered")
		} else {
			fmt.Fprintf(w, "projects\t%d active, %d paused, %d quarantined, %d complete\n",
				counts[registry.StatusActive], counts[registry.StatusPaused],
				counts[registry.StatusQuarantined], counts[registry.StatusComplete])
		}
		fmt.Fprintf(w, "spend today\t$%.4f%s\n", sum.Daily, limitSuffix(sum.Limits.Daily))
		fmt.Fprintf(w, "spend this week\t$%.4f%s\n", sum.Weekly, limitSuffix(sum.Limits.Weekly))
		if snap != nil {
			fmt.Fprintf(w, "last shutdown\t%s (%d cycles, %d decisions, %d failures)\n",
				ago(snap.SavedAt), snap.Stats.Cycles, snap.Stats.Decisions, snap.Stats.Failures)
		}
		return w.Flush()
	},
}

func limitSuffix(limit float64) string {
	if limit <= 0 {
		return " (no limit)"
	}
	return fmt.Sprintf(" of $%.2f", limit)
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}

package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/analytics"
	"github.com/lucasnoah/steward/internal/db"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize decisions, fallbacks, action success, spend, and cycles",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		from := ""
		if d, _ := cmd.Flags().GetDuration("since"); d > 0 {
			from = db.FormatTime(time.Now().Add(-d))
		}

		mix, err := analytics.QueryDecisionMix(a.db, from)
		if err != nil {
			return err
		}
		fallbacks, err := analytics.QueryFallbackReasons(a.db, from)
		if err != nil {
			return err
		}
		actions, err := analytics.QueryActionSuccess(a.db, from)
		if err != nil {
			return err
		}
		spend, err := analytics.QueryDailySpend(a.db, from)
		if err != nil {
			return err
		}
		cycles, err := analytics.QueryCycleStats(a.db, from)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{
				"decision_mix":     mix,
				"fallback_reasons": fallbacks,
				"action_success":   actions,
				"daily_spend":      spend,
				"cycles":           cycles,
			})
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

		fmt.Fprintln(w, "DECISIONS")
		fmt.Fprintln(w, "METHOD\tACTION\tCOUNT\tSHARE\tAVG CONF")
		for _, m := range mix {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.1f%%\t%.2f\n", m.Method, m.Action, m.Count, m.Share, m.AvgConf)
		}

		if len(fallbacks) > 0 {
			fmt.Fprintln(w, "\nFALLBACKS")
			fmt.Fprintln(w, "REASON\tCOUNT")
			for _, f := range fallbacks {
				fmt.Fprintf(w, "%s\t%d\n", f.Reason, f.Count)
			}
		}

		fmt.Fprintln(w, "\nACTIONS")
		fmt.Fprintln(w, "ACTION\tTOTAL\tSUCCESS\tAVG ATTEMPTS\tP95 ATTEMPTS")
		for _, s := range actions {
			fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.2f\t%.0f\n", s.Action, s.Total, s.SuccessRate, s.AvgAttempts, s.P95Attempts)
		}

		if len(spend) > 0 {
			fmt.Fprintln(w, "\nSPEND")
			fmt.Fprintln(w, "DAY\tPROJECT\tCALLS\tUSD")
			for _, s := range spend {
				fmt.Fprintf(w, "%s\t%s\t%d\t$%.4f\n", s.Day, s.Project, s.Calls, s.USD)
			}
		}

		fmt.Fprintln(w, "\nCYCLES")
		fmt.Fprintf(w, "count\t%d\n", cycles.Cycles)
		fmt.Fprintf(w, "failures\t%d\n", cycles.Failures)
		fmt.Fprintf(w, "duration avg/p50/p95\t%.2fs / %.2fs / %.2fs\n", cycles.AvgSeconds, cycles.P50Seconds, cycles.P95Seconds)
		fmt.Fprintf(w, "max rss\t%.1f MiB\n", float64(cycles.MaxRSSBytes)/(1<<20))
		fmt.Fprintf(w, "total spend\t$%.4f\n", cycles.TotalUSD)
		return w.Flush()
	},
}

var decisionsCmd = &cobra.Command{
	Use:   "decisions [project]",
	Short: "List logged decisions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		project := ""
		if len(args) == 1 {
			project = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := a.db.GetDecisions(project, limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No decisions logged.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPROJECT\tSTATE\tACTION\tMETHOD\tCONF\tCOST\tREASONING")
		for _, r := range rows {
			reason := r.Reasoning
			if r.FallbackReason != "" {
				reason = "[" + r.FallbackReason + "] " + reason
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.2f\t$%.4f\t%s\n",
				r.Timestamp, r.Project, r.State, r.Action, r.Method, r.Confidence, r.CostUSD, truncate(reason, 60))
		}
		return w.Flush()
	},
}

func init() {
	reportCmd.Flags().Duration("since", 0, "only include activity within this window (e.g. 24h)")
	reportCmd.Flags().String("format", "text", "Output format: text or json")
	decisionsCmd.Flags().Int("limit", 20, "maximum rows")
	decisionsCmd.Flags().String("format", "text", "Output format: text or json")
}

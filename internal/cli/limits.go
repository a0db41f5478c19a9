package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/cost"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show or override reasoning spend ceilings",
}

var limitsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective limits and current spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		gov, err := a.newGovernor()
		if err != nil {
			return err
		}
		sum := gov.Summary()

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, sum)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Daily:              $%.4f%s\n", sum.Daily, limitSuffix(sum.Limits.Daily))
		fmt.Fprintf(out, "Weekly:             $%.4f%s\n", sum.Weekly, limitSuffix(sum.Limits.Weekly))
		fmt.Fprintf(out, "Per project daily:  %s\n", limitSuffix(sum.Limits.PerProjectDaily)[1:])
		for _, p := range sum.Projects() {
			fmt.Fprintf(out, "  %-16s  $%.4f today, $%.4f this week\n", p, sum.ProjectDaily[p], sum.ProjectWeekly[p])
		}
		return nil
	},
}

var limitsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Override spend limits (0 disables a limit)",
	Long: `Writes <home>/limits.json, which takes precedence over the config file.
A running steward applies the new limits without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		gov, err := a.newGovernor()
		if err != nil {
			return err
		}
		l := gov.Summary().Limits
		if cmd.Flags().Changed("daily") {
			l.Daily, _ = cmd.Flags().GetFloat64("daily")
		}
		if cmd.Flags().Changed("weekly") {
			l.Weekly, _ = cmd.Flags().GetFloat64("weekly")
		}
		if cmd.Flags().Changed("per-project-daily") {
			l.PerProjectDaily, _ = cmd.Flags().GetFloat64("per-project-daily")
		}
		if err := cost.SaveLimits(a.limitsPath(), l); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Limits: daily=$%.2f weekly=$%.2f per-project-daily=$%.2f\n",
			l.Daily, l.Weekly, l.PerProjectDaily)
		return nil
	},
}

func init() {
	limitsShowCmd.Flags().String("format", "text", "Output format: text or json")
	limitsSetCmd.Flags().Float64("daily", 0, "total daily ceiling in USD")
	limitsSetCmd.Flags().Float64("weekly", 0, "total weekly ceiling in USD")
	limitsSetCmd.Flags().Float64("per-project-daily", 0, "per-project daily ceiling in USD")
	limitsCmd.AddCommand(limitsShowCmd)
	limitsCmd.AddCommand(limitsSetCmd)
}

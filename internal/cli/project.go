package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/config"
	"github.com/lucasnoah/steward/internal/db"
	"github.com/lucasnoah/steward/internal/registry"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Register and manage supervised projects",
}

var projectRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register a project for supervision",
	Long: `Registers a project in the Active state. When the config file has a
projects.<name> entry and no behavior flags are given, that entry is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		pc, ref := projectConfigFromFlags(cmd, a.cfg, name)
		if verrs := config.ValidateProject("project", pc); len(verrs) > 0 {
			for _, e := range verrs {
				cmd.PrintErrf("  - %s\n", e)
			}
			return fmt.Errorf("project config has %d validation error(s)", len(verrs))
		}

		phase, _ := cmd.Flags().GetString("phase")
		rec, err := a.store.Register(registry.RegisterOpts{Name: name, ConfigRef: ref, Config: pc, Phase: phase})
		if err != nil {
			return err
		}
		_ = a.db.LogProjectEvent(name, db.EventRegistered, ref)

		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (phase=%q, config=%s)\n", rec.Name, rec.CurrentPhase, rec.ConfigRef)
		return nil
	},
}

// projectConfigFromFlags returns the registered config and where it came from.
func projectConfigFromFlags(cmd *cobra.Command, cfg *config.Config, name string) (config.ProjectConfig, string) {
	behavior := []string{"repo", "repo-path", "branch", "phases", "hint", "auto-progress", "auto-commit",
		"require-approval", "stall-threshold", "continue-command"}
	changed := false
	for _, f := range behavior {
		if cmd.Flags().Changed(f) {
			changed = true
			break
		}
	}
	if fromFile, ok := cfg.Projects[name]; ok && !changed {
		ref := cfg.Path
		if ref == "" {
			ref = "config"
		}
		return fromFile, ref
	}

	var pc config.ProjectConfig
	pc.Repo, _ = cmd.Flags().GetString("repo")
	pc.RepoPath, _ = cmd.Flags().GetString("repo-path")
	pc.Branch, _ = cmd.Flags().GetString("branch")
	pc.Phases, _ = cmd.Flags().GetStringSlice("phases")
	pc.SessionHints, _ = cmd.Flags().GetStringSlice("hint")
	pc.AutoProgress, _ = cmd.Flags().GetBool("auto-progress")
	pc.AutoCommit, _ = cmd.Flags().GetBool("auto-commit")
	pc.RequireApproval, _ = cmd.Flags().GetBool("require-approval")
	pc.StallThreshold, _ = cmd.Flags().GetDuration("stall-threshold")
	pc.ContinueCommand, _ = cmd.Flags().GetString("continue-command")
	return pc, "registry"
}

var projectUnregisterCmd = &cobra.Command{
	Use:   "unregister [name]",
	Short: "Remove a project and its decision history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.Unregister(args[0]); err != nil {
			return err
		}
		_ = a.db.LogProjectEvent(args[0], db.EventUnregistered, "")
		fmt.Fprintf(cmd.OutOrStdout(), "Unregistered %s\n", args[0])
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		statusFlag, _ := cmd.Flags().GetString("status")
		var status registry.Status
		if statusFlag != "" {
			if status, err = registry.ParseStatus(statusFlag); err != nil {
				return err
			}
		}
		recs, err := a.store.List(status)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, recs)
		}
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects registered.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tPHASE\tERRORS\tSESSION\tLAST ACTIVE")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				r.Name, r.Status, dash(r.CurrentPhase), r.ConsecutiveErrorCount, dash(r.LastSessionID), ago(r.LastActivityAt))
		}
		return w.Flush()
	},
}

var projectStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show one project's record, recent decisions, and spend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.store.Get(args[0])
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("decisions")
		history, err := a.store.History(rec.Name, n)
		if err != nil {
			return err
		}
		gov, err := a.newGovernor()
		if err != nil {
			return err
		}
		sum := gov.Summary()

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{
				"project":      rec,
				"decisions":    history,
				"spend_daily":  sum.ProjectDaily[rec.Name],
				"spend_weekly": sum.ProjectWeekly[rec.Name],
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Project:      %s\n", rec.Name)
		fmt.Fprintf(out, "Status:       %s\n", rec.Status)
		fmt.Fprintf(out, "Phase:        %s", dash(rec.CurrentPhase))
		if len(rec.Config.Phases) > 0 {
			fmt.Fprintf(out, "  (%s)", strings.Join(rec.Config.Phases, " > "))
		}
		fmt.Fprintln(out)
		if rec.Config.RequireApproval {
			approved := "no"
			if rec.Approved() {
				approved = "yes"
			}
			fmt.Fprintf(out, "Approved:     %s\n", approved)
		}
		fmt.Fprintf(out, "Config:       %s\n", rec.ConfigRef)
		fmt.Fprintf(out, "Session:      %s\n", dash(rec.LastSessionID))
		fmt.Fprintf(out, "Last active:  %s\n", ago(rec.LastActivityAt))
		fmt.Fprintf(out, "Failures:     %d\n", rec.ConsecutiveErrorCount)
		if rec.LastError != "" {
			fmt.Fprintf(out, "Last error:   %s\n", rec.LastError)
		}
		if !rec.QuarantinedAt.IsZero() {
			fmt.Fprintf(out, "Quarantined:  %s\n", rec.QuarantinedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintf(out, "Spend:        $%.4f today, $%.4f this week\n", sum.ProjectDaily[rec.Name], sum.ProjectWeekly[rec.Name])

		if len(history) == 0 {
			return nil
		}
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSTATE\tACTION\tMETHOD\tCONF\tREASONING")
		for _, d := range history {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
				d.Timestamp.Local().Format(time.DateTime), d.State, d.Action, d.Method, d.Confidence, truncate(d.Reasoning, 60))
		}
		return w.Flush()
	},
}

// statusChange builds pause/resume-style commands.
func statusChange(use, short, event string, apply func(*registry.Store, string) (*registry.ProjectRecord, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			rec, err := apply(a.store, args[0])
			if err != nil {
				return err
			}
			_ = a.db.LogProjectEvent(rec.Name, event, string(rec.Status))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: status=%s phase=%s\n", rec.Name, rec.Status, dash(rec.CurrentPhase))
			return nil
		},
	}
}

var projectPauseCmd = statusChange("pause", "Stop supervising a project until resumed", db.EventPaused,
	func(s *registry.Store, name string) (*registry.ProjectRecord, error) {
		return s.SetStatus(name, registry.StatusPaused)
	})

var projectResumeCmd = statusChange("resume", "Resume supervising a paused project", db.EventResumed,
	func(s *registry.Store, name string) (*registry.ProjectRecord, error) {
		rec, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		if rec.Status == registry.StatusQuarantined {
			return nil, errors.New("project is quarantined; use 'project reset' to clear its failures")
		}
		return s.SetStatus(name, registry.StatusActive)
	})

var projectResetCmd = statusChange("reset", "Clear failures and return a project to Active", db.EventReset,
	func(s *registry.Store, name string) (*registry.ProjectRecord, error) {
		return s.Reset(name)
	})

var projectApproveCmd = statusChange("approve", "Approve the current phase for transition", db.EventApproved,
	func(s *registry.Store, name string) (*registry.ProjectRecord, error) {
		return s.Approve(name)
	})

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	f := projectRegisterCmd.Flags()
	f.String("repo", "", "GitHub repository (owner/name) for pull requests")
	f.String("repo-path", "", "local checkout used for commits")
	f.String("branch", "", "base branch for pull requests")
	f.StringSlice("phases", nil, "ordered phase names, comma separated")
	f.String("phase", "", "starting phase (default first phase)")
	f.StringSlice("hint", nil, "session name hints used to locate the agent session")
	f.Bool("auto-progress", false, "advance phases automatically when all todos are done")
	f.Bool("auto-commit", false, "commit and open a pull request on phase transitions")
	f.Bool("require-approval", false, "hold phase transitions until approved")
	f.Duration("stall-threshold", 0, "idle time before the session counts as stalled")
	f.String("continue-command", "", "text sent to nudge the session onward")

	projectListCmd.Flags().String("status", "", "filter by status: active, paused, quarantined, complete")
	projectListCmd.Flags().String("format", "text", "Output format: text or json")
	projectStatusCmd.Flags().Int("decisions", 10, "number of recent decisions to show")
	projectStatusCmd.Flags().String("format", "text", "Output format: text or json")

	projectCmd.AddCommand(projectRegisterCmd)
	projectCmd.AddCommand(projectUnregisterCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectStatusCmd)
	projectCmd.AddCommand(projectPauseCmd)
	projectCmd.AddCommand(projectResumeCmd)
	projectCmd.AddCommand(projectResetCmd)
	projectCmd.AddCommand(projectApproveCmd)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/orchestrator"
	"github.com/lucasnoah/steward/internal/runlock"
	"github.com/lucasnoah/steward/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the supervision loop in the foreground",
	Long: `Runs poll cycles over every active project until interrupted or until
--max-runtime elapses. On SIGINT or SIGTERM the in-flight project finishes,
a recovery snapshot is written, and steward exits.

Only one steward may run per state directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if v, _ := cmd.Flags().GetDuration("max-runtime"); cmd.Flags().Changed("max-runtime") {
			a.cfg.Orchestrator.MaxRuntime = v
		}
		if v, _ := cmd.Flags().GetDuration("poll-interval"); cmd.Flags().Changed("poll-interval") {
			a.cfg.Orchestrator.PollInterval = v
		}
		if v, _ := cmd.Flags().GetInt("concurrency"); cmd.Flags().Changed("concurrency") {
			a.cfg.Orchestrator.Concurrency = v
		}
		force, _ := cmd.Flags().GetBool("force-recovery")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tc := a.cfg.Telemetry
		shutdown, err := telemetry.Init(ctx, tc.Endpoint, tc.ServiceName, version, tc.Insecure)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				a.logger.Warn("telemetry shutdown", "error", err)
			}
		}()
		inst, err := telemetry.NewInstruments(telemetry.Meter())
		if err != nil {
			return err
		}

		orch, err := a.newOrchestrator(runOpts{forceRecovery: force, instruments: inst})
		if err != nil {
			return err
		}
		err = orch.Run(ctx)
		if errors.Is(err, orchestrator.ErrNoProjects) {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects registered.")
			return nil
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running steward to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		pid, err := runlock.Stop(ctx, a.home)
		if errors.Is(err, runlock.ErrNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "steward is not running.")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent shutdown signal to PID %d\n", pid)
		return nil
	},
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single poll cycle and print what happened",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.store.Verify()
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No projects registered.")
			return nil
		}

		lock, err := runlock.Acquire(a.home, a.logger)
		if err != nil {
			return err
		}
		defer lock.Release()

		orch, err := a.newOrchestrator(runOpts{skipLock: true})
		if err != nil {
			return err
		}
		report, err := orch.RunCycle(cmd.Context())
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, report)
		}
		if len(report.Outcomes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active projects.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tSTATE\tACTION\tMETHOD\tRESULT\tMESSAGE")
		for _, oc := range report.Outcomes {
			action, method, result, msg := "-", "-", "ok", ""
			if oc.Decision != nil {
				action, method = string(oc.Decision.Action), string(oc.Decision.Method)
				msg = oc.Decision.Reasoning
			}
			if oc.Result != nil {
				if oc.Result.Deferred() {
					result = "deferred"
				}
				if oc.Result.Message != "" {
					msg = oc.Result.Message
				}
			}
			switch {
			case oc.Quarantined:
				result, msg = "quarantined", oc.Error
			case oc.Failed:
				result, msg = "failed", oc.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", oc.Project, oc.State, action, method, result, truncate(msg, 60))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d project(s), %d failure(s), $%.4f reasoning spend\n",
			len(report.Outcomes), report.Failures, report.CostUSD)
		return nil
	},
}

func init() {
	startCmd.Flags().Duration("max-runtime", 0, "stop after this long (0 runs until interrupted)")
	startCmd.Flags().Duration("poll-interval", 0, "time between cycles (overrides config)")
	startCmd.Flags().Int("concurrency", 0, "projects processed in parallel (overrides config)")
	startCmd.Flags().Bool("force-recovery", false, "use the recovery snapshot even when it is stale")
	runOnceCmd.Flags().String("format", "text", "Output format: text or json")
}

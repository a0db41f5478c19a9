package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/cost"
	"github.com/lucasnoah/steward/internal/session"
	"github.com/lucasnoah/steward/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long: `Serves project state, decision history, lifecycle events, spend and a live
session stream as JSON on localhost. It reads the same state directory as
"steward start" and can run alongside it.

  GET /api/projects[?status=active]
  GET /api/projects/{name}
  GET /api/projects/{name}/decisions
  GET /api/projects/{name}/events
  GET /api/projects/{name}/stream      (server-sent events)
  GET /api/cost
  GET /api/report[?since=24h]`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := web.NewServer(web.Options{
			Store:          a.store,
			DB:             a.db,
			Cost:           ledgerSummary{a: a},
			Sessions:       session.NewCollaborator(session.NewExecTmux(), session.Options{Logger: a.logger}),
			Logger:         a.logger,
			StallThreshold: a.cfg.Orchestrator.StallThreshold,
		})
		fmt.Fprintf(cmd.OutOrStdout(), "steward status API: http://%s:%d/api/projects\n", host, port)
		return srv.Serve(ctx, fmt.Sprintf("%s:%d", host, port))
	},
}

// ledgerSummary re-reads the cost ledger on every request so a running
// orchestrator's spend is visible.
type ledgerSummary struct{ a *app }

func (l ledgerSummary) Summary() cost.Summary {
	gov, err := l.a.newGovernor()
	if err != nil {
		l.a.logger.Warn("read cost ledger", "error", err)
		return cost.Summary{}
	}
	return gov.Summary()
}

func init() {
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "127.0.0.1", "Interface to bind")
}

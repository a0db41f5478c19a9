package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/steward/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	homeDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "steward supervises long-running interactive agent sessions",
	Long: `steward watches agent sessions running in tmux, decides what each one
needs next, and carries it out: nudging idle sessions, dispatching skills on
errors, advancing project phases, and escalating to a human when needed.

All state is stored in ~/.steward/ (JSON for the project registry, SQLite or
Postgres for the event log). Override the location with --home or STEWARD_HOME.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if homeDir != "" {
			return os.Setenv(config.HomeEnv, homeDir)
		}
		return nil
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "state directory (default $STEWARD_HOME or ~/.steward)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to steward config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(runOnceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(limitsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}

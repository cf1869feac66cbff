package cmd

import (
	"github.com/spf13/cobra"

	"ledgerflow/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "ledgerflow",
	Short: "Ledgerflow schedules background jobs and projects recurring payments",
	Long: `ledgerflow runs the job scheduler and the admin HTTP API of a personal
finance ledger.

Jobs are leased through the database, so several instances may share one
store. Recurring payments are projected into transactions one year ahead.

Common workflows:

  Start the server with a SQLite database:
    ledgerflow serve --db-dsn "file:ledgerflow.db"

  Preview the next runs of a cron expression:
    ledgerflow cron next "0 0 17 * * *" --count 3

Configuration:
  Every key can be set in a config file (--config) or through environment
  variables prefixed with LEDGERFLOW_, for example LEDGERFLOW_DB_DRIVER.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.AddCommand(serveCmd, cronCmd)
}

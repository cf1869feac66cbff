package cmd

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"ledgerflow/internal/cron"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect cron expressions",
}

var cronNextCmd = &cobra.Command{
	Use:   "next <expression>",
	Short: "Print the next executions of a six-field cron expression",
	Example: `  ledgerflow cron next "0 0 0 1 * *" --count 12
  ledgerflow cron next "0 30 9 * * 1-5" --from 2026-01-01T00:00:00+01:00`,
	Args: cobra.ExactArgs(1),
	RunE: runCronNext,
}

var (
	cronFrom  string
	cronCount int
)

func init() {
	cronNextCmd.Flags().StringVar(&cronFrom, "from", "", "RFC 3339 start time (default now)")
	cronNextCmd.Flags().IntVarP(&cronCount, "count", "n", 5, "number of executions to print")
	cronCmd.AddCommand(cronNextCmd)
}

func runCronNext(cmd *cobra.Command, args []string) error {
	from := time.Now()
	if cronFrom != "" {
		t, err := time.Parse(time.RFC3339, cronFrom)
		if err != nil {
			return errors.Wrap(err, "--from")
		}
		from = t
	}
	if cronCount < 1 {
		return errors.New("--count must be at least 1")
	}

	out := cmd.OutOrStdout()
	for i := 0; i < cronCount; i++ {
		next, ok, err := cron.NextExecution(args[0], from)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "no further executions")
			return nil
		}
		fmt.Fprintln(out, next.Format(time.RFC3339))
		from = next
	}
	return nil
}

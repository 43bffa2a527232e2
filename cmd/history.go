package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/httprunner/droidfleet/pkg/ledger"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var (
		flagLedger string
		flagLimit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent device runs from the run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := ledger.Open(flagLedger)
			if err != nil {
				return err
			}
			defer l.Close()

			rows, err := l.Recent(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintf(os.Stdout, "No runs recorded in %s\n", l.Path())
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tRUN\tTASK\tDEVICE\tRESULT\tSTEPS\tDURATION\tDETAIL")
			for _, r := range rows {
				result, detail := "ok", r.Output
				if !r.Success {
					result, detail = "FAIL", r.Error
				}
				runID := r.RunID
				if len(runID) > 8 {
					runID = runID[:8]
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%.1fs\t%s\n",
					humanize.Time(r.StartedAt), runID, r.TaskName, r.DeviceName,
					result, r.Steps, r.Duration.Seconds(), clip(detail, 40))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&flagLedger, "ledger", "", "Run ledger SQLite path (default $DROIDFLEET_LEDGER_DB or ~/.droidfleet/runs.sqlite)")
	cmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "Number of rows to show")
	return cmd
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

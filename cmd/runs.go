package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/credits-etl/internal/etl"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect pipeline run history",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent stage executions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := etl.NewRunLog(pool).ListRecent(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		return render(os.Stdout, format, entries, func(w io.Writer) { formatRunEntries(w, entries) })
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize stage outcomes over a time window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := openPool(ctx, "migrate")
		if err != nil {
			return err
		}
		defer pool.Close()

		since, _ := cmd.Flags().GetDuration("since")
		entries, err := etl.NewRunLog(pool).ListRecent(ctx, 10000)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		s := etl.Summarize(entries, time.Now().Add(-since))
		format, _ := cmd.Flags().GetString("format")
		return render(os.Stdout, format, s, func(w io.Writer) { formatSummary(w, s) })
	},
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "max number of entries to display")
	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	for _, c := range []*cobra.Command{runsListCmd, runsStatsCmd} {
		addFormatFlag(c)
		runsCmd.AddCommand(c)
	}
	rootCmd.AddCommand(runsCmd)
}

// formatRunEntries writes a tabular list of run log entries to out.
func formatRunEntries(out io.Writer, entries []etl.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSTAGE\tSTATUS\tSTARTED\tDURATION\tROWS\tERROR")
	_, _ = fmt.Fprintln(w, "---\t-----\t------\t-------\t--------\t----\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
		}
		errMsg := e.Error
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(e.RunID.String()),
			e.Stage,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04:05"),
			dur,
			e.Rows,
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatSummary writes aggregate stats to out.
func formatSummary(out io.Writer, s etl.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Stages:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.Complete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.Running)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.FailRate*100)
	if s.LastFailure != "" {
		_, _ = fmt.Fprintf(w, "Last failure:\t%s\n", s.LastFailure)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

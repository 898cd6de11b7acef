package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/neboloop/pagewright/internal/db"
)

// ReportCmd prints run history from the sqlite store.
func ReportCmd() *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show recent runs and flaky tests",
		Long: `Show run history recorded by the sqlite reporter.

With --run, print every result of one run instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.NewSQLite(Loaded.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if runID != "" {
				return printResults(cmd.Context(), cmd.OutOrStdout(), store, runID)
			}
			return printHistory(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs and flaky tests to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the results of this run")
	return cmd
}

func printHistory(ctx context.Context, w io.Writer, store *db.Store, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	out := termenv.NewOutput(w)
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet. Add \"sqlite\" to reporter in pagewright.yaml.")
		return nil
	}

	fmt.Fprintln(w, out.String("Recent runs").Bold())
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tDURATION\tPASSED\tFLAKY\tFAILED\tSKIPPED\tRESTARTS\t")
	for _, r := range runs {
		status := fmt.Sprint(r.Summary.Failed)
		if r.Summary.Failed > 0 || r.Aborted {
			status = out.String(status).Foreground(out.Color("1")).String()
		}
		if r.Aborted {
			status += " (aborted)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%d\t%d\t\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Duration.Round(time.Millisecond),
			r.Summary.Passed, r.Summary.Flaky, status, r.Summary.Skipped, r.WorkerRestarts)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	flakes, err := store.FlakyTests(ctx, limit)
	if err != nil {
		return err
	}
	if len(flakes) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, out.String("Unstable tests").Bold())
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tRUNS\tFLAKY\tFAILED\t")
	for _, f := range flakes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t\n", f.TestID, f.Runs, f.Flaky, f.Failed)
	}
	return tw.Flush()
}

func printResults(ctx context.Context, w io.Writer, store *db.Store, runID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	results, err := store.Results(ctx, runID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return fmt.Errorf("no results for run %s", runID)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tRESULT\tATTEMPTS\tDURATION\tERROR\t")
	for _, r := range results {
		msg := r.Error
		if r.ErrorCode != "" {
			msg = "[" + r.ErrorCode + "] " + msg
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t\n",
			r.TestID, r.Classification, r.Attempts, r.Duration.Round(time.Millisecond), firstLine(msg))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

package app

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"faa_sync/internal/storage"
)

func newRunsCmd(g *globals) *cobra.Command {
	var (
		limit  int
		asJSON bool
		since  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return errors.New("--limit must be at least 1")
			}

			store, err := g.openStore(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if err := writeRunsTable(out, runs); err != nil {
				return err
			}

			ch, err := g.openClickHouse(cmd)
			if err != nil {
				g.logger.Warn().Err(err).Msg("ClickHouse unavailable, skipping run history totals")
				return nil
			}
			if ch == nil {
				return nil
			}
			defer func() { _ = ch.Close() }()

			counts, err := ch.OutcomeCounts(cmd.Context(), time.Now().Add(-since))
			if err != nil {
				return err
			}
			return writeOutcomeCounts(out, since, counts)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print runs as JSON")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "Window for ClickHouse outcome totals")
	return cmd
}

func writeRunsTable(w io.Writer, runs []storage.SyncRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tOUTCOME\tSTEP\tAIRCRAFT\tMODELS\tENGINES\tINSERTED\tUPDATED\tDELETED\tWARNINGS\tDURATION\tID")
	for _, r := range runs {
		step := r.FailedStep
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.StartedAt.UTC().Format(time.RFC3339), r.Outcome, step,
			r.Aircraft, r.Models, r.Engines, r.Inserted, r.Updated, r.Deleted, r.Warnings,
			r.Duration().Round(time.Millisecond), r.ID)
	}
	return tw.Flush()
}

func writeOutcomeCounts(w io.Writer, since time.Duration, counts map[storage.Outcome]uint64) error {
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, string(o))
	}
	slices.Sort(outcomes)

	if _, err := fmt.Fprintf(w, "\nclickhouse history (last %s):", since); err != nil {
		return err
	}
	for _, o := range outcomes {
		if _, err := fmt.Fprintf(w, " %s=%d", o, counts[storage.Outcome(o)]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

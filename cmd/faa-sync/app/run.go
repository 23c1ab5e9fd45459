package app

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"faa_sync/internal/events"
	"faa_sync/internal/fetch"
	"faa_sync/internal/metrics"
	"faa_sync/internal/storage"
	faasync "faa_sync/internal/sync"
)

func newRunCmd(g *globals) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one registry sync",
		Long: `Download the releasable aircraft archive and load it. The run is skipped
when the archive is byte-identical to the one loaded by the last successful
run, unless --force is given. Every run is recorded in the sync_runs table.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.runSync(cmd, force)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&force, "force", false, "Load the archive even when it matches the last successful run")
	f.String("source-url", "", "Archive URL")
	f.Int("batch-size", 0, "Rows per loader transaction")
	f.Int("keep-runs", 0, "Run directories to keep after the run")
	f.String("metrics-textfile", "", "Write run metrics to this node-exporter textfile")
	bindFlags(g.v, f, map[string]string{
		"source-url":       "source.url",
		"batch-size":       "loader.batch_size",
		"keep-runs":        "keep_runs",
		"metrics-textfile": "metrics.textfile",
	})
	return cmd
}

func (g *globals) runSync(cmd *cobra.Command, force bool) (err error) {
	ctx := cmd.Context()
	cfg := g.cfg
	logger := g.logger

	store, err := g.openStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Textfile != "" {
		defer func() {
			if werr := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); werr != nil {
				logger.Warn().Err(werr).Str("path", cfg.Metrics.Textfile).Msg("Failed to write metrics textfile")
			}
		}()
	}

	opts := []faasync.Option{faasync.WithMetrics(m)}

	ch, err := g.openClickHouse(cmd)
	if err != nil {
		logger.Warn().Err(err).Msg("ClickHouse unavailable, run history will not be exported")
	} else if ch != nil {
		defer func() { _ = ch.Close() }()
		opts = append(opts, faasync.WithObserver("clickhouse", ch.InsertRun))
	}

	if cfg.NATS.URL != "" {
		ecfg := events.DefaultConfig()
		ecfg.URL = cfg.NATS.URL
		if cfg.NATS.Subject != "" {
			ecfg.Subject = cfg.NATS.Subject
		}
		pub, perr := events.Connect(ecfg, logger)
		if perr != nil {
			logger.Warn().Err(perr).Msg("NATS unavailable, run events will not be published")
		} else {
			defer pub.Close()
			opts = append(opts, faasync.WithObserver("nats", pub.PublishRun))
		}
	}

	fetcher := fetch.New(cfg.FetchConfig(), logger, fetch.WithAttemptHook(m.FetchAttempt))
	orch := faasync.New(faasync.Config{
		SourceURL: cfg.Source.URL,
		WorkDir:   cfg.WorkDir,
		LockFile:  cfg.LockFile,
		KeepRuns:  cfg.KeepRuns,
		BatchSize: cfg.Loader.BatchSize,
	}, store, fetcher, logger, opts...)

	run, err := orch.Run(ctx, faasync.RunOptions{Force: force})
	if errors.Is(err, faasync.ErrRunInProgress) {
		return err
	}
	if perr := printRunSummary(cmd.OutOrStdout(), run); perr != nil && err == nil {
		err = perr
	}
	return err
}

func printRunSummary(w io.Writer, run storage.SyncRun) error {
	var err error
	switch run.Outcome {
	case storage.OutcomeSkipped:
		_, err = fmt.Fprintf(w, "run %s skipped: archive unchanged since last successful run\n", run.ID)
	case storage.OutcomeFailure:
		_, err = fmt.Fprintf(w, "run %s failed at %s: %s\n", run.ID, run.FailedStep, run.Error)
	default:
		_, err = fmt.Fprintf(w,
			"run %s succeeded in %s: %d aircraft, %d models, %d engines (%d inserted, %d updated, %d deleted, %d unresolved, %d warnings)\n",
			run.ID, run.Duration().Round(time.Millisecond), run.Aircraft, run.Models, run.Engines,
			run.Inserted, run.Updated, run.Deleted, run.Unresolved, run.Warnings)
	}
	return err
}

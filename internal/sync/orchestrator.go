// Package sync drives one registry sync run end to end: download the
// archive, skip it when it was already loaded, extract, parse and load it,
// then record the outcome.
package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"faa_sync/internal/archive"
	"faa_sync/internal/fetch"
	"faa_sync/internal/loader"
	"faa_sync/internal/metrics"
	"faa_sync/internal/parsers"
	"faa_sync/internal/registry"
	"faa_sync/internal/storage"
)

const (
	archiveName     = "ReleasableAircraft.zip"
	extractDirName  = "extracted"
	runsDirName     = "runs"
	lockFileName    = "faa-sync.lock"
	observerTimeout = 30 * time.Second
)

// Store is the persistence the orchestrator needs.
type Store interface {
	loader.Writer
	RecordRun(ctx context.Context, run storage.SyncRun) error
	LastProcessedRun(ctx context.Context) (*storage.SyncRun, error)
}

// Fetcher downloads the archive.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL, destPath string) (*fetch.Result, error)
}

// Observer is notified of every recorded run. Observer errors are logged
// and never change the run outcome.
type Observer func(ctx context.Context, run storage.SyncRun) error

// Config holds orchestrator settings.
type Config struct {
	SourceURL string
	// WorkDir holds one subdirectory per run plus the lock file.
	WorkDir string
	// LockFile defaults to WorkDir/faa-sync.lock.
	LockFile string
	// KeepRuns is the number of run directories kept after a run; zero
	// keeps all of them.
	KeepRuns  int
	BatchSize int
}

// RunOptions modify a single run.
type RunOptions struct {
	// Force loads the archive even when it matches the last successful run.
	Force bool
}

type namedObserver struct {
	name string
	fn   Observer
}

// Orchestrator runs sync runs one at a time.
type Orchestrator struct {
	cfg       Config
	store     Store
	fetcher   Fetcher
	loader    *loader.Loader
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	observers []namedObserver
	now       func() time.Time

	running atomic.Bool
	state   atomic.Value
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithObserver adds an observer called after each run is recorded.
func WithObserver(name string, fn Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, namedObserver{name: name, fn: fn})
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator.
func New(cfg Config, store Store, fetcher Fetcher, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.SourceURL == "" {
		cfg.SourceURL = fetch.DefaultURL
	}
	if cfg.LockFile == "" {
		cfg.LockFile = filepath.Join(cfg.WorkDir, lockFileName)
	}

	logger = logger.With().Str("component", "sync").Logger()
	o := &Orchestrator{
		cfg:     cfg,
		store:   store,
		fetcher: fetcher,
		loader:  loader.New(store, loader.Config{BatchSize: cfg.BatchSize}, logger),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.state.Store(StateIdle)
	return o
}

// State returns the current pipeline state.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// Run performs one sync run. It fails with ErrRunInProgress, recording
// nothing, when another run is active in this or another process. Every
// other run is recorded, whatever its outcome.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (run storage.SyncRun, err error) {
	if !o.running.CompareAndSwap(false, true) {
		return storage.SyncRun{}, ErrRunInProgress
	}
	defer o.running.Store(false)

	lock, err := o.acquireLock()
	if err != nil {
		return storage.SyncRun{}, err
	}
	defer func() { _ = lock.Unlock() }()

	started := o.now().UTC()
	run = storage.SyncRun{ID: uuid.NewString(), StartedAt: started}
	runDir := filepath.Join(o.cfg.WorkDir, runsDirName, started.Format("20060102T150405Z")+"-"+run.ID[:8])
	logger := o.logger.With().Str("run_id", run.ID).Logger()

	defer func() {
		if err != nil {
			o.setState(StateFailed)
			run.Outcome = storage.OutcomeFailure
			run.FailedStep = string(FailedStep(err))
			run.Error = err.Error()
			logger.Error().Err(err).Str("step", run.FailedStep).Msg("Sync run failed")
		}
		if recErr := o.record(ctx, &run, logger); recErr != nil {
			err = errors.Join(err, &StepError{Step: StateRecording, Err: recErr})
		}
		if pruneErr := pruneRuns(filepath.Join(o.cfg.WorkDir, runsDirName), o.cfg.KeepRuns); pruneErr != nil {
			logger.Warn().Err(pruneErr).Msg("Failed to prune old run directories")
		}
		o.setState(StateIdle)
	}()

	logger.Info().Str("url", o.cfg.SourceURL).Bool("force", opts.Force).Msg("Starting sync run")

	// Fetching.
	var res *fetch.Result
	err = o.step(ctx, StateFetching, func() error {
		var ferr error
		res, ferr = o.fetcher.Fetch(ctx, o.cfg.SourceURL, filepath.Join(runDir, archiveName))
		return ferr
	})
	if err != nil {
		return run, err
	}
	run.ArchiveHash = res.ContentHash
	run.ArchiveSize = res.ByteSize
	o.metrics.SetArchiveBytes(res.ByteSize)
	logger.Info().Str("hash", hashPreview(res.ContentHash)).Int64("bytes", res.ByteSize).
		Int("attempts", res.Attempts).Msg("Archive downloaded")

	// Detecting.
	process := true
	err = o.step(ctx, StateDetecting, func() error {
		last, lerr := o.store.LastProcessedRun(ctx)
		if lerr != nil {
			return lerr
		}
		process = opts.Force || ShouldProcess(res.ContentHash, last)
		return nil
	})
	if err != nil {
		return run, err
	}
	if !process {
		run.Outcome = storage.OutcomeSkipped
		logger.Info().Str("hash", hashPreview(res.ContentHash)).Msg("Archive unchanged since last successful run, skipping")
		return run, nil
	}

	// Extracting.
	var files *archive.ExtractedFiles
	err = o.step(ctx, StateExtracting, func() error {
		var xerr error
		files, xerr = archive.Extract(res.Path, filepath.Join(runDir, extractDirName))
		return xerr
	})
	if err != nil {
		return run, err
	}

	// Parsing opens the member files; records are parsed lazily while loading.
	var inputs map[registry.Kind]*os.File
	err = o.step(ctx, StateParsing, func() error {
		var perr error
		inputs, perr = openInputs(files)
		return perr
	})
	defer func() {
		for _, f := range inputs {
			_ = f.Close()
		}
	}()
	if err != nil {
		return run, err
	}

	// Loading.
	var sum loader.Summary
	err = o.step(ctx, StateLoading, func() error {
		var lerr error
		sum, lerr = o.loader.Load(ctx, run.ID,
			parsers.ParseAircraft(inputs[registry.KindAircraft]),
			parsers.ParseModels(inputs[registry.KindModel]),
			parsers.ParseEngines(inputs[registry.KindEngine]),
		)
		return lerr
	})
	applySummary(&run, sum)
	o.observeSummary(sum)
	if err != nil {
		var pe *loader.ParseError
		if errors.As(err, &pe) {
			err = &StepError{Step: StateParsing, Err: pe}
		}
		return run, err
	}

	run.Outcome = storage.OutcomeSuccess
	logger.Info().
		Int64("aircraft", run.Aircraft).
		Int64("models", run.Models).
		Int64("engines", run.Engines).
		Int64("deleted", run.Deleted).
		Int64("warnings", run.Warnings).
		Msg("Sync run complete")
	return run, nil
}

func (o *Orchestrator) acquireLock() (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(o.cfg.LockFile), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(o.cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		return nil, ErrRunInProgress
	}
	return lock, nil
}

// step runs fn as state s, checking for cancellation first.
func (o *Orchestrator) step(ctx context.Context, s State, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return &StepError{Step: s, Err: err}
	}
	o.setState(s)
	start := time.Now()
	err := fn()
	o.metrics.ObserveStep(string(s), start)
	if err != nil {
		return &StepError{Step: s, Err: err}
	}
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(s)
	o.logger.Debug().Str("state", string(s)).Msg("State change")
}

// record persists the run row and notifies observers. It runs even when
// ctx has been cancelled.
func (o *Orchestrator) record(ctx context.Context, run *storage.SyncRun, logger zerolog.Logger) error {
	o.setState(StateRecording)
	ctx = context.WithoutCancel(ctx)
	run.FinishedAt = o.now().UTC()

	if err := o.store.RecordRun(ctx, *run); err != nil {
		logger.Error().Err(err).Msg("Failed to record sync run")
		return err
	}
	o.metrics.ObserveRun(string(run.Outcome), run.StartedAt, run.FinishedAt)

	g, gctx := errgroup.WithContext(ctx)
	for _, obs := range o.observers {
		g.Go(func() error {
			octx, cancel := context.WithTimeout(gctx, observerTimeout)
			defer cancel()
			if err := obs.fn(octx, *run); err != nil {
				logger.Warn().Err(err).Str("observer", obs.name).Msg("Run observer failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (o *Orchestrator) observeSummary(sum loader.Summary) {
	for _, kind := range registry.LoadOrder {
		e := sum.Entity(kind)
		o.metrics.AddRows(string(kind), "inserted", e.Inserted)
		o.metrics.AddRows(string(kind), "updated", e.Updated)
		o.metrics.AddRows(string(kind), "unchanged", e.Unchanged)
		o.metrics.AddRows(string(kind), "deleted", e.Deleted)
		o.metrics.AddWarnings(string(kind), e.Warnings)
	}
	o.metrics.AddUnresolved(sum.Unresolved)
}

func applySummary(run *storage.SyncRun, sum loader.Summary) {
	run.Models = sum.Models.Loaded
	run.Engines = sum.Engines.Loaded
	run.Aircraft = sum.Aircraft.Loaded
	run.Inserted = sum.Inserted()
	run.Updated = sum.Updated()
	run.Deleted = sum.Deleted()
	run.Unresolved = sum.Unresolved
	run.Warnings = sum.Warnings()
}

func openInputs(files *archive.ExtractedFiles) (map[registry.Kind]*os.File, error) {
	inputs := make(map[registry.Kind]*os.File, len(registry.LoadOrder))
	for _, kind := range registry.LoadOrder {
		f, err := os.Open(files.Path(kind))
		if err != nil {
			for _, opened := range inputs {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open %s: %w", kind.MemberFile(), err)
		}
		inputs[kind] = f
	}
	return inputs, nil
}

func hashPreview(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

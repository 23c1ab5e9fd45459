// Package loader writes parsed registry records to the store.
//
// Models are loaded first, then engines, then aircraft, each in batches that
// commit independently. Rows a run did not touch are deleted only after every
// batch of every kind has committed, so a failed run never removes data.
package loader

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"faa_sync/internal/parsers"
	"faa_sync/internal/registry"
	"faa_sync/internal/storage"
)

// DefaultBatchSize is the number of rows committed per transaction.
const DefaultBatchSize = 2000

// Writer is the subset of storage.Store the loader needs.
type Writer interface {
	UpsertModels(ctx context.Context, runID string, batch []registry.AircraftModel) (storage.UpsertCounts, error)
	UpsertEngines(ctx context.Context, runID string, batch []registry.EngineModel) (storage.UpsertCounts, error)
	UpsertAircraft(ctx context.Context, runID string, batch []registry.AircraftRecord) (storage.UpsertCounts, error)
	DeleteStale(ctx context.Context, kind registry.Kind, runID string) (int64, error)
}

// ParseError reports a fatal problem reading one of the input files.
type ParseError struct {
	Kind registry.Kind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Config holds loader settings.
type Config struct {
	BatchSize int
}

// Loader is the only writer of registry tables.
type Loader struct {
	w         Writer
	batchSize int
	logger    zerolog.Logger
}

// New creates a loader writing to w.
func New(w Writer, cfg Config, logger zerolog.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Loader{
		w:         w,
		batchSize: cfg.BatchSize,
		logger:    logger.With().Str("component", "loader").Logger(),
	}
}

// EntitySummary counts what happened to one record kind.
type EntitySummary struct {
	// Loaded is the number of distinct keys written.
	Loaded    int64 `json:"loaded"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Deleted   int64 `json:"deleted"`
	Skipped   int64 `json:"skipped"`
	Warnings  int64 `json:"warnings"`
}

func (e *EntitySummary) add(c storage.UpsertCounts) {
	e.Inserted += c.Inserted
	e.Updated += c.Updated
	e.Unchanged += c.Unchanged
}

// Summary is the outcome of one Load call. It is populated up to the point
// of failure when Load returns an error.
type Summary struct {
	Models   EntitySummary `json:"models"`
	Engines  EntitySummary `json:"engines"`
	Aircraft EntitySummary `json:"aircraft"`

	// Unresolved counts aircraft model or engine references stored as NULL
	// because the code was not in this run's reference data.
	Unresolved int64 `json:"unresolved"`
}

// Entity returns the summary for kind.
func (s *Summary) Entity(kind registry.Kind) *EntitySummary {
	switch kind {
	case registry.KindModel:
		return &s.Models
	case registry.KindEngine:
		return &s.Engines
	default:
		return &s.Aircraft
	}
}

func (s Summary) Inserted() int64 { return s.Models.Inserted + s.Engines.Inserted + s.Aircraft.Inserted }
func (s Summary) Updated() int64  { return s.Models.Updated + s.Engines.Updated + s.Aircraft.Updated }
func (s Summary) Deleted() int64  { return s.Models.Deleted + s.Engines.Deleted + s.Aircraft.Deleted }
func (s Summary) Warnings() int64 { return s.Models.Warnings + s.Engines.Warnings + s.Aircraft.Warnings }

// Load consumes the three record sequences and writes them under runID.
func (l *Loader) Load(
	ctx context.Context,
	runID string,
	aircraft iter.Seq2[registry.AircraftRecord, error],
	models iter.Seq2[registry.AircraftModel, error],
	engines iter.Seq2[registry.EngineModel, error],
) (Summary, error) {
	var sum Summary
	logger := l.logger.With().Str("run_id", runID).Logger()

	modelCodes := make(map[string]struct{})
	err := load(ctx, l, logger, batchSpec[registry.AircraftModel]{
		kind:   registry.KindModel,
		seq:    models,
		key:    func(m registry.AircraftModel) string { return m.Code },
		upsert: l.w.UpsertModels,
		seen:   modelCodes,
	}, runID, &sum.Models)
	if err != nil {
		return sum, err
	}

	engineCodes := make(map[string]struct{})
	err = load(ctx, l, logger, batchSpec[registry.EngineModel]{
		kind:   registry.KindEngine,
		seq:    engines,
		key:    func(e registry.EngineModel) string { return e.Code },
		upsert: l.w.UpsertEngines,
		seen:   engineCodes,
	}, runID, &sum.Engines)
	if err != nil {
		return sum, err
	}

	err = load(ctx, l, logger, batchSpec[registry.AircraftRecord]{
		kind: registry.KindAircraft,
		seq:  aircraft,
		key:  func(a registry.AircraftRecord) string { return a.TailNumber },
		prepare: func(a *registry.AircraftRecord) {
			if a.ModelCode != "" {
				if _, ok := modelCodes[a.ModelCode]; !ok {
					a.ModelCode = ""
					sum.Unresolved++
				}
			}
			if a.EngineCode != "" {
				if _, ok := engineCodes[a.EngineCode]; !ok {
					a.EngineCode = ""
					sum.Unresolved++
				}
			}
		},
		upsert: l.w.UpsertAircraft,
		seen:   make(map[string]struct{}),
	}, runID, &sum.Aircraft)
	if err != nil {
		return sum, err
	}

	// Aircraft go first so that model and engine deletes only null
	// references held by aircraft that survived this run.
	for _, kind := range []registry.Kind{registry.KindAircraft, registry.KindModel, registry.KindEngine} {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		n, err := l.w.DeleteStale(ctx, kind, runID)
		if err != nil {
			return sum, fmt.Errorf("delete stale %s: %w", kind, err)
		}
		sum.Entity(kind).Deleted = n
	}

	logger.Info().
		Int64("inserted", sum.Inserted()).
		Int64("updated", sum.Updated()).
		Int64("deleted", sum.Deleted()).
		Int64("warnings", sum.Warnings()).
		Int64("unresolved", sum.Unresolved).
		Msg("Load complete")

	return sum, nil
}

// batchSpec describes how to load one record kind. seen collects every key
// accepted so far in the run.
type batchSpec[T any] struct {
	kind    registry.Kind
	seq     iter.Seq2[T, error]
	key     func(T) string
	prepare func(*T)
	upsert  func(ctx context.Context, runID string, batch []T) (storage.UpsertCounts, error)
	seen    map[string]struct{}
}

func load[T any](ctx context.Context, l *Loader, logger zerolog.Logger, spec batchSpec[T], runID string, sum *EntitySummary) error {
	batch := make([]T, 0, l.batchSize)
	pos := make(map[string]int, l.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		counts, err := spec.upsert(ctx, runID, batch)
		if err != nil {
			return fmt.Errorf("load %s batch: %w", spec.kind, err)
		}
		sum.add(counts)
		batch = batch[:0]
		clear(pos)
		return nil
	}

	for rec, err := range spec.seq {
		if err != nil {
			w, ok := parsers.AsWarning(err)
			if !ok {
				return &ParseError{Kind: spec.kind, Err: err}
			}
			sum.Warnings++
			if w.Skipped {
				sum.Skipped++
			}
			logger.Debug().Str("kind", string(spec.kind)).Int("line", w.Line).Str("field", w.Field).
				Str("value", w.Value).Bool("skipped", w.Skipped).Msg(w.Reason)
			continue
		}

		if spec.prepare != nil {
			spec.prepare(&rec)
		}

		key := spec.key(rec)
		if _, dup := spec.seen[key]; dup {
			sum.Warnings++
			logger.Debug().Str("kind", string(spec.kind)).Str("key", key).Msg("Duplicate key, later row wins")
			if i, ok := pos[key]; ok {
				batch[i] = rec
				continue
			}
		}
		spec.seen[key] = struct{}{}
		pos[key] = len(batch)
		batch = append(batch, rec)

		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	sum.Loaded = int64(len(spec.seen))

	logger.Info().Str("kind", string(spec.kind)).
		Int64("loaded", sum.Loaded).
		Int64("inserted", sum.Inserted).
		Int64("updated", sum.Updated).
		Int64("skipped", sum.Skipped).
		Msg("Records loaded")
	return nil
}

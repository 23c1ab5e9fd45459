package loader

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faa_sync/internal/parsers"
	"faa_sync/internal/registry"
	"faa_sync/internal/storage"
)

// recordingWriter keeps rows in memory and logs every call.
type recordingWriter struct {
	calls    []string
	models   map[string]registry.AircraftModel
	engines  map[string]registry.EngineModel
	aircraft map[string]registry.AircraftRecord
	failOn   string
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		models:   make(map[string]registry.AircraftModel),
		engines:  make(map[string]registry.EngineModel),
		aircraft: make(map[string]registry.AircraftRecord),
	}
}

func (w *recordingWriter) call(name string) error {
	w.calls = append(w.calls, name)
	if name == w.failOn {
		return errors.New("write failed")
	}
	return nil
}

func (w *recordingWriter) UpsertModels(_ context.Context, _ string, batch []registry.AircraftModel) (storage.UpsertCounts, error) {
	if err := w.call(fmt.Sprintf("upsert model %d", len(batch))); err != nil {
		return storage.UpsertCounts{}, err
	}
	var c storage.UpsertCounts
	for _, m := range batch {
		if _, ok := w.models[m.Code]; ok {
			c.Updated++
		} else {
			c.Inserted++
		}
		w.models[m.Code] = m
	}
	return c, nil
}

func (w *recordingWriter) UpsertEngines(_ context.Context, _ string, batch []registry.EngineModel) (storage.UpsertCounts, error) {
	if err := w.call(fmt.Sprintf("upsert engine %d", len(batch))); err != nil {
		return storage.UpsertCounts{}, err
	}
	for _, e := range batch {
		w.engines[e.Code] = e
	}
	return storage.UpsertCounts{Inserted: int64(len(batch))}, nil
}

func (w *recordingWriter) UpsertAircraft(_ context.Context, _ string, batch []registry.AircraftRecord) (storage.UpsertCounts, error) {
	if err := w.call(fmt.Sprintf("upsert aircraft %d", len(batch))); err != nil {
		return storage.UpsertCounts{}, err
	}
	for _, a := range batch {
		w.aircraft[a.TailNumber] = a
	}
	return storage.UpsertCounts{Inserted: int64(len(batch))}, nil
}

func (w *recordingWriter) DeleteStale(_ context.Context, kind registry.Kind, _ string) (int64, error) {
	return 0, w.call("delete " + string(kind))
}

// seqOf yields items in order; an item may be a record or an error.
func seqOf[T any](items ...any) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for _, it := range items {
			switch v := it.(type) {
			case T:
				if !yield(v, nil) {
					return
				}
			case error:
				if !yield(zero, v) {
					return
				}
			}
		}
	}
}

func TestLoadOrderAndBatching(t *testing.T) {
	w := newRecordingWriter()
	l := New(w, Config{BatchSize: 2}, zerolog.Nop())

	sum, err := l.Load(context.Background(), "run-1",
		seqOf[registry.AircraftRecord](
			registry.AircraftRecord{TailNumber: "1"},
			registry.AircraftRecord{TailNumber: "2"},
			registry.AircraftRecord{TailNumber: "3"},
		),
		seqOf[registry.AircraftModel](
			registry.AircraftModel{Code: "M1"},
		),
		seqOf[registry.EngineModel](
			registry.EngineModel{Code: "E1"},
			registry.EngineModel{Code: "E2"},
		),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"upsert model 1",
		"upsert engine 2",
		"upsert aircraft 2",
		"upsert aircraft 1",
		"delete aircraft",
		"delete model",
		"delete engine",
	}, w.calls)

	assert.Equal(t, int64(1), sum.Models.Loaded)
	assert.Equal(t, int64(2), sum.Engines.Loaded)
	assert.Equal(t, int64(3), sum.Aircraft.Loaded)
	assert.Equal(t, int64(6), sum.Inserted())
	assert.Zero(t, sum.Warnings())
}

func TestLoadNullsUnresolvedReferences(t *testing.T) {
	w := newRecordingWriter()
	l := New(w, Config{}, zerolog.Nop())

	sum, err := l.Load(context.Background(), "run-1",
		seqOf[registry.AircraftRecord](
			registry.AircraftRecord{TailNumber: "1", ModelCode: "M1", EngineCode: "E1"},
			registry.AircraftRecord{TailNumber: "2", ModelCode: "M9", EngineCode: "E1"},
			registry.AircraftRecord{TailNumber: "3", ModelCode: "M1", EngineCode: "E9"},
			registry.AircraftRecord{TailNumber: "4"},
		),
		seqOf[registry.AircraftModel](registry.AircraftModel{Code: "M1"}),
		seqOf[registry.EngineModel](registry.EngineModel{Code: "E1"}),
	)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sum.Unresolved)
	assert.Zero(t, sum.Warnings(), "unresolved references are not warnings")

	assert.Equal(t, "M1", w.aircraft["1"].ModelCode)
	assert.Equal(t, "", w.aircraft["2"].ModelCode)
	assert.Equal(t, "E1", w.aircraft["2"].EngineCode)
	assert.Equal(t, "", w.aircraft["3"].EngineCode)
	assert.Equal(t, "", w.aircraft["4"].ModelCode)
}

func TestLoadCountsWarnings(t *testing.T) {
	w := newRecordingWriter()
	l := New(w, Config{}, zerolog.Nop())

	sum, err := l.Load(context.Background(), "run-1",
		seqOf[registry.AircraftRecord](
			registry.AircraftRecord{TailNumber: "1"},
			&parsers.Warning{Kind: registry.KindAircraft, Line: 3, Reason: "missing tail number", Skipped: true},
			&parsers.Warning{Kind: registry.KindAircraft, Line: 4, Field: "CERT ISSUE DATE", Reason: "unparseable date"},
			registry.AircraftRecord{TailNumber: "2"},
		),
		seqOf[registry.AircraftModel](),
		seqOf[registry.EngineModel](),
	)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sum.Aircraft.Warnings)
	assert.Equal(t, int64(1), sum.Aircraft.Skipped)
	assert.Equal(t, int64(2), sum.Aircraft.Loaded)
}

func TestLoadDuplicateKeyLastWins(t *testing.T) {
	w := newRecordingWriter()
	l := New(w, Config{BatchSize: 10}, zerolog.Nop())

	sum, err := l.Load(context.Background(), "run-1",
		seqOf[registry.AircraftRecord](),
		seqOf[registry.AircraftModel](
			registry.AircraftModel{Code: "M1", ModelName: "FIRST"},
			registry.AircraftModel{Code: "M2"},
			registry.AircraftModel{Code: "M1", ModelName: "SECOND"},
		),
		seqOf[registry.EngineModel](),
	)
	require.NoError(t, err)

	assert.Equal(t, "upsert model 2", w.calls[0])
	assert.Equal(t, "SECOND", w.models["M1"].ModelName)
	assert.Equal(t, int64(1), sum.Models.Warnings)
	assert.Equal(t, int64(2), sum.Models.Loaded)
}

func TestLoadFatalParseError(t *testing.T) {
	w := newRecordingWriter()
	l := New(w, Config{}, zerolog.Nop())

	_, err := l.Load(context.Background(), "run-1",
		seqOf[registry.AircraftRecord](registry.AircraftRecord{TailNumber: "1"}),
		seqOf[registry.AircraftModel](registry.AircraftModel{Code: "M1"}),
		seqOf[registry.EngineModel](parsers.ErrMissingColumn),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, parsers.ErrMissingColumn)

	assert.Equal(t, []string{"upsert model 1"}, w.calls, "no deletes after a failure")
}

func TestLoadWriteFailureSkipsDeletes(t *testing.T) {
	w := newRecordingWriter()
	w.failOn = "upsert aircraft 1"
	l := New(w, Config{}, zerolog.Nop())

	sum, err := l.Load(context.Background(), "run-1",
		seqOf[registry.AircraftRecord](registry.AircraftRecord{TailNumber: "1"}),
		seqOf[registry.AircraftModel](registry.AircraftModel{Code: "M1"}),
		seqOf[registry.EngineModel](registry.EngineModel{Code: "E1"}),
	)
	require.Error(t, err)
	assert.Equal(t, int64(1), sum.Models.Inserted, "committed batches are reported")
	assert.NotContains(t, w.calls, "delete aircraft")
}

func TestLoadCancelled(t *testing.T) {
	w := newRecordingWriter()
	l := New(w, Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Load(ctx, "run-1",
		seqOf[registry.AircraftRecord](),
		seqOf[registry.AircraftModel](registry.AircraftModel{Code: "M1"}),
		seqOf[registry.EngineModel](),
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, w.calls)
}

func TestLoadSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := storage.OpenSQLite(ctx, storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "loader.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	l := New(s, Config{BatchSize: 1}, zerolog.Nop())
	models := []any{registry.AircraftModel{Code: "M1"}, registry.AircraftModel{Code: "M2"}}
	engines := []any{registry.EngineModel{Code: "E1"}}
	aircraft := []any{
		registry.AircraftRecord{TailNumber: "1", ModelCode: "M1", EngineCode: "E1"},
		registry.AircraftRecord{TailNumber: "2", ModelCode: "M2", EngineCode: "E2"},
	}

	sum, err := l.Load(ctx, "run-1", seqOf[registry.AircraftRecord](aircraft...),
		seqOf[registry.AircraftModel](models...), seqOf[registry.EngineModel](engines...))
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Inserted())
	assert.Equal(t, int64(1), sum.Unresolved)

	// Second run drops M2 and aircraft 1; M2's aircraft loses its model.
	sum, err = l.Load(ctx, "run-2",
		seqOf[registry.AircraftRecord](registry.AircraftRecord{TailNumber: "2", ModelCode: "M2"}),
		seqOf[registry.AircraftModel](registry.AircraftModel{Code: "M1"}),
		seqOf[registry.EngineModel](engines...))
	require.NoError(t, err)

	assert.Equal(t, int64(1), sum.Aircraft.Updated)
	assert.Equal(t, int64(1), sum.Aircraft.Deleted)
	assert.Equal(t, int64(1), sum.Models.Unchanged)
	assert.Equal(t, int64(1), sum.Models.Deleted)
	assert.Equal(t, int64(1), sum.Engines.Unchanged)

	a, err := s.LookupAircraft(ctx, "2")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Nil(t, a.Model)

	gone, err := s.LookupAircraft(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

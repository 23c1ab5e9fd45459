package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faa_sync/internal/registry"
)

func intPtrOf(i int) *int { return &i }

func dateOf(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func testModels() []registry.AircraftModel {
	return []registry.AircraftModel{
		{Code: "2072738", ManufacturerName: "CESSNA", ModelName: "172S", AircraftType: "4", EngineType: "1", Seats: intPtrOf(4), Engines: intPtrOf(1)},
		{Code: "05601AC", ManufacturerName: "BOEING", ModelName: "737-800", AircraftType: "5", EngineType: "5", Seats: intPtrOf(189), Engines: intPtrOf(2)},
	}
}

func testEngines() []registry.EngineModel {
	return []registry.EngineModel{
		{Code: "41514", ManufacturerName: "LYCOMING", ModelName: "IO-360-L2A", EngineType: "1", Horsepower: intPtrOf(180)},
		{Code: "52071", ManufacturerName: "CFM INTL", ModelName: "CFM56-7B26", EngineType: "5", Thrust: intPtrOf(26300)},
	}
}

func testAircraft() []registry.AircraftRecord {
	return []registry.AircraftRecord{
		{
			TailNumber: "12345", SerialNumber: "17280001", ModelCode: "2072738", EngineCode: "41514",
			YearMfr: intPtrOf(1998), RegistrantName: "SMITH JOHN", City: "WICHITA", State: "KS",
			CertIssueDate: dateOf(2019, 3, 1), ExpirationDate: dateOf(2029, 3, 31),
			StatusCode: "V", ModeSCodeHex: "A6B5C1",
			OtherNames: [5]string{"SMITH JANE", "", "DOE RICHARD"},
		},
		{TailNumber: "737BA", SerialNumber: "30001", ModelCode: "05601AC", EngineCode: "52071", RegistrantName: "AIRLINE INC"},
	}
}

// seed loads the fixture set under runID.
func seed(t *testing.T, s Store, runID string) {
	t.Helper()
	ctx := context.Background()
	_, err := s.UpsertModels(ctx, runID, testModels())
	require.NoError(t, err)
	_, err = s.UpsertEngines(ctx, runID, testEngines())
	require.NoError(t, err)
	_, err = s.UpsertAircraft(ctx, runID, testAircraft())
	require.NoError(t, err)
}

// runStoreSuite exercises the Store contract against any backend. open must
// return a migrated, empty store.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Run("UpsertCounts", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		counts, err := s.UpsertModels(ctx, "run-1", testModels())
		require.NoError(t, err)
		assert.Equal(t, UpsertCounts{Inserted: 2}, counts)

		counts, err = s.UpsertModels(ctx, "run-2", testModels())
		require.NoError(t, err)
		assert.Equal(t, UpsertCounts{Unchanged: 2}, counts)

		changed := testModels()
		changed[1].Seats = intPtrOf(175)
		counts, err = s.UpsertModels(ctx, "run-3", changed)
		require.NoError(t, err)
		assert.Equal(t, UpsertCounts{Updated: 1, Unchanged: 1}, counts)

		counts, err = s.UpsertModels(ctx, "run-3", nil)
		require.NoError(t, err)
		assert.Equal(t, UpsertCounts{}, counts)
	})

	t.Run("LookupJoinsReferences", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		seed(t, s, "run-1")

		a, err := s.LookupAircraft(ctx, "12345")
		require.NoError(t, err)
		require.NotNil(t, a)

		assert.Equal(t, "12345", a.TailNumber)
		assert.Equal(t, "SMITH JOHN", a.RegistrantName)
		assert.Equal(t, "run-1", a.SyncRunID)
		require.NotNil(t, a.YearMfr)
		assert.Equal(t, 1998, *a.YearMfr)
		require.NotNil(t, a.CertIssueDate)
		assert.True(t, a.CertIssueDate.Equal(*dateOf(2019, 3, 1)))
		assert.Nil(t, a.LastActionDate)
		assert.Equal(t, [5]string{"SMITH JANE", "", "DOE RICHARD"}, a.OtherNames)

		require.NotNil(t, a.Model)
		assert.Equal(t, "CESSNA", a.Model.ManufacturerName)
		require.NotNil(t, a.Model.Seats)
		assert.Equal(t, 4, *a.Model.Seats)
		require.NotNil(t, a.Engine)
		assert.Equal(t, "LYCOMING", a.Engine.ManufacturerName)
		assert.Nil(t, a.Engine.Thrust)

		missing, err := s.LookupAircraft(ctx, "99999")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("NullReferences", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.UpsertAircraft(ctx, "run-1", []registry.AircraftRecord{{TailNumber: "1AB"}})
		require.NoError(t, err)

		a, err := s.LookupAircraft(ctx, "1AB")
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Empty(t, a.ModelCode)
		assert.Nil(t, a.Model)
		assert.Nil(t, a.Engine)
	})

	t.Run("UnknownReferenceRejected", func(t *testing.T) {
		s := open(t)
		_, err := s.UpsertAircraft(context.Background(), "run-1", []registry.AircraftRecord{
			{TailNumber: "1AB", ModelCode: "NOPE000"},
		})
		assert.Error(t, err)
	})

	t.Run("DeleteStaleNullsReferences", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		seed(t, s, "run-1")

		// run-2 sees only the Cessna; the Boeing model and its aircraft are stale.
		_, err := s.UpsertModels(ctx, "run-2", testModels()[:1])
		require.NoError(t, err)
		_, err = s.UpsertEngines(ctx, "run-2", testEngines())
		require.NoError(t, err)
		_, err = s.UpsertAircraft(ctx, "run-2", testAircraft())
		require.NoError(t, err)

		n, err := s.DeleteStale(ctx, registry.KindAircraft, "run-2")
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = s.DeleteStale(ctx, registry.KindModel, "run-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.DeleteStale(ctx, registry.KindEngine, "run-2")
		require.NoError(t, err)
		assert.Zero(t, n)

		a, err := s.LookupAircraft(ctx, "737BA")
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Empty(t, a.ModelCode)
		assert.Nil(t, a.Model)
		require.NotNil(t, a.Engine)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Aircraft: 2, Models: 1, Engines: 2}, stats)
	})

	t.Run("DeleteStaleAircraft", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		seed(t, s, "run-1")

		_, err := s.UpsertAircraft(ctx, "run-2", testAircraft()[:1])
		require.NoError(t, err)
		n, err := s.DeleteStale(ctx, registry.KindAircraft, "run-2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		gone, err := s.LookupAircraft(ctx, "737BA")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("Runs", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		last, err := s.LastProcessedRun(ctx)
		require.NoError(t, err)
		assert.Nil(t, last)

		base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
		runs := []SyncRun{
			{ID: "a", StartedAt: base, FinishedAt: base.Add(time.Minute), Outcome: OutcomeSuccess, ArchiveHash: "h1", ArchiveSize: 1024, Aircraft: 5, Inserted: 5},
			{ID: "b", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour + time.Second), Outcome: OutcomeFailure, FailedStep: "extracting", Error: "boom"},
			{ID: "c", StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(2*time.Hour + time.Second), Outcome: OutcomeSkipped, ArchiveHash: "h1"},
		}
		for _, r := range runs {
			require.NoError(t, s.RecordRun(ctx, r))
		}

		last, err = s.LastProcessedRun(ctx)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "b", last.ID)
		assert.Equal(t, OutcomeFailure, last.Outcome)
		assert.Equal(t, "extracting", last.FailedStep)
		assert.Equal(t, "boom", last.Error)
		assert.True(t, last.StartedAt.Equal(base.Add(time.Hour)))

		recent, err := s.RecentRuns(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "c", recent[0].ID)
		assert.Equal(t, "b", recent[1].ID)

		all, err := s.RecentRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, int64(1024), all[2].ArchiveSize)
		assert.Equal(t, time.Minute, all[2].Duration())
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Migrate(context.Background()))
		require.NoError(t, s.Ping(context.Background()))
	})
}

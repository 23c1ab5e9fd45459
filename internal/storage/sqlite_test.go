package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faa_sync/internal/registry"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "registry.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openTestSQLite)
}

func TestSQLiteBatchRollsBack(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	// The second row violates the model foreign key; the first must not persist.
	_, err := s.UpsertAircraft(ctx, "run-1", []registry.AircraftRecord{
		{TailNumber: "11111"},
		{TailNumber: "22222", ModelCode: "MISSING"},
	})
	require.Error(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Aircraft)
}

func TestSQLiteLargeBatch(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	// More keys than SQLite accepts as variables in one statement.
	batch := make([]registry.EngineModel, 40000)
	for i := range batch {
		batch[i] = registry.EngineModel{Code: fmt.Sprintf("E%05d", i), ManufacturerName: "LYCOMING"}
	}

	counts, err := s.UpsertEngines(ctx, "run-1", batch)
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 40000}, counts)

	counts, err = s.UpsertEngines(ctx, "run-2", batch)
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Unchanged: 40000}, counts)

	deleted, err := s.DeleteStale(ctx, registry.KindEngine, "run-2")
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestSQLiteMigrateAddsOtherNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, SQLiteConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	// Recreate the table the way the first schema did, without other names.
	_, err = s.db.ExecContext(ctx, `
		DROP TABLE aircraft;
		CREATE TABLE aircraft (
			tail_number TEXT PRIMARY KEY, serial_number TEXT, model_code TEXT, engine_code TEXT,
			year_mfr INTEGER, registrant_type TEXT, registrant_name TEXT, street TEXT, street2 TEXT,
			city TEXT, state TEXT, zip_code TEXT, region TEXT, county TEXT, country TEXT,
			last_action_date TEXT, cert_issue_date TEXT, certification TEXT, aircraft_type TEXT,
			engine_type TEXT, status_code TEXT, mode_s_code TEXT, mode_s_code_hex TEXT,
			fractional_owner TEXT, airworthiness_date TEXT, expiration_date TEXT, unique_id TEXT,
			kit_manufacturer TEXT, kit_model TEXT, row_hash TEXT NOT NULL, sync_run_id TEXT NOT NULL
		)`)
	require.NoError(t, err)

	require.NoError(t, s.Migrate(ctx))
	_, err = s.UpsertAircraft(ctx, "run-1", []registry.AircraftRecord{
		{TailNumber: "1AB", OtherNames: [5]string{"", "", "", "", "LAST PARTNER"}},
	})
	require.NoError(t, err)

	a, err := s.LookupAircraft(ctx, "1AB")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "LAST PARTNER", a.OtherNames[4])
}

func TestSQLiteLookupIsCaseInsensitive(t *testing.T) {
	s := openTestSQLite(t)
	seed(t, s, "run-1")

	a, err := s.LookupAircraft(context.Background(), "737ba")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "737BA", a.TailNumber)
}

func TestOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "open.db")

	s, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.Driver = "oracle"
	_, err = Open(context.Background(), cfg)
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}

func TestUpsertSQL(t *testing.T) {
	got := enginesTable.upsertSQL(postgresDialect)
	assert.Equal(t, "INSERT INTO engine_models (code, manufacturer_name, model_name, engine_type, horsepower, thrust, row_hash, sync_run_id) "+
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (code) DO UPDATE SET "+
		"manufacturer_name = excluded.manufacturer_name, model_name = excluded.model_name, engine_type = excluded.engine_type, "+
		"horsepower = excluded.horsepower, thrust = excluded.thrust, row_hash = excluded.row_hash, sync_run_id = excluded.sync_run_id", got)

	assert.Contains(t, modelsTable.upsertSQL(sqliteDialect), "VALUES (?, ?, ?")
}

func TestRowsMatchColumns(t *testing.T) {
	assert.Len(t, modelRows(testModels())[0].values, len(modelsTable.columns))
	assert.Len(t, engineRows(testEngines())[0].values, len(enginesTable.columns))
	assert.Len(t, aircraftRows(sqliteDialect, testAircraft())[0].values, len(aircraftTable.columns))
}

func TestClassify(t *testing.T) {
	rows := []tableRow{{key: "A", hash: "1"}, {key: "B", hash: "2"}, {key: "C", hash: "3"}}
	write, touch, counts := classify(rows, map[string]string{"B": "2", "C": "old"})

	assert.Equal(t, []string{"A", "C"}, keysOf(write))
	assert.Equal(t, []string{"B"}, touch)
	assert.Equal(t, UpsertCounts{Inserted: 1, Updated: 1, Unchanged: 1}, counts)
}

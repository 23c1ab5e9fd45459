package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"faa_sync/internal/registry"
)

// sqliteChunk bounds the keys bound into one IN list. SQLite refuses
// statements with more than 32766 variables.
const sqliteChunk = 5000

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteDB is the embedded Store backend.
type SQLiteDB struct {
	db *sql.DB
}

var _ Store = (*SQLiteDB)(nil)

// OpenSQLite opens or creates a SQLite database at cfg.Path with foreign
// keys enforced and WAL journaling.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteDB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		cfg.Path, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

// Ping checks the database is reachable.
func (d *SQLiteDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate creates the tables and indices.
func (d *SQLiteDB) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS aircraft_models (
		code                TEXT PRIMARY KEY,
		manufacturer_code   TEXT,
		model_code          TEXT,
		manufacturer_name   TEXT,
		model_name          TEXT,
		aircraft_type       TEXT,
		engine_type         TEXT,
		category            TEXT,
		builder_cert        TEXT,
		engines             INTEGER,
		seats               INTEGER,
		weight_class        TEXT,
		cruising_speed      INTEGER,
		tc_data_sheet       TEXT,
		tc_data_holder      TEXT,
		row_hash            TEXT NOT NULL,
		sync_run_id         TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_models_run ON aircraft_models(sync_run_id);

	CREATE TABLE IF NOT EXISTS engine_models (
		code                TEXT PRIMARY KEY,
		manufacturer_name   TEXT,
		model_name          TEXT,
		engine_type         TEXT,
		horsepower          INTEGER,
		thrust              INTEGER,
		row_hash            TEXT NOT NULL,
		sync_run_id         TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_engine_models_run ON engine_models(sync_run_id);

	CREATE TABLE IF NOT EXISTS aircraft (
		tail_number         TEXT PRIMARY KEY CHECK (tail_number <> ''),
		serial_number       TEXT,
		model_code          TEXT REFERENCES aircraft_models(code) ON DELETE SET NULL,
		engine_code         TEXT REFERENCES engine_models(code) ON DELETE SET NULL,
		year_mfr            INTEGER,
		registrant_type     TEXT,
		registrant_name     TEXT,
		street              TEXT,
		street2             TEXT,
		city                TEXT,
		state               TEXT,
		zip_code            TEXT,
		region              TEXT,
		county              TEXT,
		country             TEXT,
		last_action_date    TEXT,
		cert_issue_date     TEXT,
		certification       TEXT,
		aircraft_type       TEXT,
		engine_type         TEXT,
		status_code         TEXT,
		mode_s_code         TEXT,
		mode_s_code_hex     TEXT,
		fractional_owner    TEXT,
		airworthiness_date  TEXT,
		expiration_date     TEXT,
		unique_id           TEXT,
		kit_manufacturer    TEXT,
		kit_model           TEXT,
		other_name_1        TEXT,
		other_name_2        TEXT,
		other_name_3        TEXT,
		other_name_4        TEXT,
		other_name_5        TEXT,
		row_hash            TEXT NOT NULL,
		sync_run_id         TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_aircraft_run ON aircraft(sync_run_id);
	CREATE INDEX IF NOT EXISTS idx_aircraft_model ON aircraft(model_code);
	CREATE INDEX IF NOT EXISTS idx_aircraft_engine ON aircraft(engine_code);
	CREATE INDEX IF NOT EXISTS idx_aircraft_mode_s_hex ON aircraft(mode_s_code_hex);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id                  TEXT PRIMARY KEY,
		started_at          TEXT NOT NULL,
		finished_at         TEXT,
		outcome             TEXT NOT NULL,
		failed_step         TEXT,
		archive_hash        TEXT,
		archive_size        INTEGER NOT NULL DEFAULT 0,
		models              INTEGER NOT NULL DEFAULT 0,
		engines             INTEGER NOT NULL DEFAULT 0,
		aircraft            INTEGER NOT NULL DEFAULT 0,
		inserted            INTEGER NOT NULL DEFAULT 0,
		updated             INTEGER NOT NULL DEFAULT 0,
		deleted             INTEGER NOT NULL DEFAULT 0,
		unresolved          INTEGER NOT NULL DEFAULT 0,
		warnings            INTEGER NOT NULL DEFAULT 0,
		error_message       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return d.addMissingColumns(ctx)
}

// addMissingColumns brings an aircraft table created by an older schema up
// to date. SQLite has no ADD COLUMN IF NOT EXISTS.
func (d *SQLiteDB) addMissingColumns(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM pragma_table_info('aircraft')")
	if err != nil {
		return fmt.Errorf("read aircraft columns: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("scan aircraft column: %w", err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read aircraft columns: %w", err)
	}

	for _, col := range addedAircraftColumns {
		if existing[col] {
			continue
		}
		if _, err := d.db.ExecContext(ctx, "ALTER TABLE aircraft ADD COLUMN "+col+" TEXT"); err != nil {
			return fmt.Errorf("add aircraft column %s: %w", col, err)
		}
	}
	return nil
}

// UpsertModels writes one batch of aircraft models in a transaction.
func (d *SQLiteDB) UpsertModels(ctx context.Context, runID string, batch []registry.AircraftModel) (UpsertCounts, error) {
	return d.upsert(ctx, modelsTable, runID, modelRows(batch))
}

// UpsertEngines writes one batch of engine models in a transaction.
func (d *SQLiteDB) UpsertEngines(ctx context.Context, runID string, batch []registry.EngineModel) (UpsertCounts, error) {
	return d.upsert(ctx, enginesTable, runID, engineRows(batch))
}

// UpsertAircraft writes one batch of aircraft in a transaction.
func (d *SQLiteDB) UpsertAircraft(ctx context.Context, runID string, batch []registry.AircraftRecord) (UpsertCounts, error) {
	return d.upsert(ctx, aircraftTable, runID, aircraftRows(sqliteDialect, batch))
}

func (d *SQLiteDB) upsert(ctx context.Context, t table, runID string, rows []tableRow) (UpsertCounts, error) {
	if len(rows) == 0 {
		return UpsertCounts{}, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertCounts{}, fmt.Errorf("begin %s batch: %w", t.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	keys := keysOf(rows)
	stored, err := sqliteHashes(ctx, tx, t, keys)
	if err != nil {
		return UpsertCounts{}, err
	}
	write, touch, counts := classify(rows, stored)

	if len(write) > 0 {
		stmt, err := tx.PrepareContext(ctx, t.upsertSQL(sqliteDialect))
		if err != nil {
			return UpsertCounts{}, fmt.Errorf("prepare %s upsert: %w", t.name, err)
		}
		defer stmt.Close()

		for _, r := range write {
			if _, err := stmt.ExecContext(ctx, r.args(runID)...); err != nil {
				return UpsertCounts{}, fmt.Errorf("upsert %s %q: %w", t.name, r.key, err)
			}
		}
	}

	for chunk := range slices.Chunk(touch, sqliteChunk) {
		q := fmt.Sprintf("UPDATE %s SET sync_run_id = ? WHERE %s IN (%s)",
			t.name, t.key, sqliteDialect.placeholders(2, len(chunk)))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, runID)
		for _, k := range chunk {
			args = append(args, k)
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return UpsertCounts{}, fmt.Errorf("touch %s: %w", t.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertCounts{}, fmt.Errorf("commit %s batch: %w", t.name, err)
	}
	return counts, nil
}

func sqliteHashes(ctx context.Context, tx *sql.Tx, t table, keys []string) (map[string]string, error) {
	stored := make(map[string]string, len(keys))
	for chunk := range slices.Chunk(keys, sqliteChunk) {
		if err := sqliteHashChunk(ctx, tx, t, chunk, stored); err != nil {
			return nil, err
		}
	}
	return stored, nil
}

func sqliteHashChunk(ctx context.Context, tx *sql.Tx, t table, keys []string, stored map[string]string) error {
	q := fmt.Sprintf("SELECT %s, row_hash FROM %s WHERE %s IN (%s)",
		t.key, t.name, t.key, sqliteDialect.placeholders(1, len(keys)))
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("select %s hashes: %w", t.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return fmt.Errorf("scan %s hash: %w", t.name, err)
		}
		stored[key] = hash
	}
	return rows.Err()
}

// DeleteStale removes rows of kind not seen by runID.
func (d *SQLiteDB) DeleteStale(ctx context.Context, kind registry.Kind, runID string) (int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin %s delete: %w", t.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, t.deleteStaleSQL(sqliteDialect), runID)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s: %w", t.name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s delete: %w", t.name, err)
	}
	return n, nil
}

// RecordRun stores the metadata of a finished run.
func (d *SQLiteDB) RecordRun(ctx context.Context, run SyncRun) error {
	_, err := d.db.ExecContext(ctx, insertRunSQL(sqliteDialect), runArgs(sqliteDialect, run)...)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// LastProcessedRun returns the most recent run that was not skipped.
func (d *SQLiteDB) LastProcessedRun(ctx context.Context) (*SyncRun, error) {
	r, err := scanRun(d.db.QueryRowContext(ctx, lastProcessedRunSQL(sqliteDialect), string(OutcomeSkipped)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last run: %w", err)
	}
	return &r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (d *SQLiteDB) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := d.db.QueryContext(ctx, recentRunsSQL(sqliteDialect), limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LookupAircraft returns an aircraft with its model and engine, or nil.
func (d *SQLiteDB) LookupAircraft(ctx context.Context, tail string) (*AircraftDetail, error) {
	a, err := scanDetail(d.db.QueryRowContext(ctx, lookupSQL(sqliteDialect), strings.ToUpper(tail)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup aircraft: %w", err)
	}
	return a, nil
}

// Stats returns table row counts.
func (d *SQLiteDB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.db.QueryRowContext(ctx, statsSQL).Scan(&s.Aircraft, &s.Models, &s.Engines); err != nil {
		return Stats{}, fmt.Errorf("count rows: %w", err)
	}
	return s, nil
}

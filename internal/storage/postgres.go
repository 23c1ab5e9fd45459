package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"faa_sync/internal/registry"
)

// PostgresConfig holds PostgreSQL connection settings. URL, when set,
// takes precedence over the individual fields.
type PostgresConfig struct {
	URL      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ConnString returns the connection URL for cfg.
func (c PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// PostgresDB is the PostgreSQL Store backend.
type PostgresDB struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresDB)(nil)

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// Ping checks the database is reachable.
func (d *PostgresDB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Migrate creates the PostgreSQL tables.
func (d *PostgresDB) Migrate(ctx context.Context) error {
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
		last_action_date    DATE,
		cert_issue_date     DATE,
		certification       TEXT,
		aircraft_type       TEXT,
		engine_type         TEXT,
		status_code         TEXT,
		mode_s_code         TEXT,
		mode_s_code_hex     TEXT,
		fractional_owner    TEXT,
		airworthiness_date  DATE,
		expiration_date     DATE,
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
		started_at          TIMESTAMPTZ NOT NULL,
		finished_at         TIMESTAMPTZ,
		outcome             TEXT NOT NULL,
		failed_step         TEXT,
		archive_hash        TEXT,
		archive_size        BIGINT NOT NULL DEFAULT 0,
		models              BIGINT NOT NULL DEFAULT 0,
		engines             BIGINT NOT NULL DEFAULT 0,
		aircraft            BIGINT NOT NULL DEFAULT 0,
		inserted            BIGINT NOT NULL DEFAULT 0,
		updated             BIGINT NOT NULL DEFAULT 0,
		deleted             BIGINT NOT NULL DEFAULT 0,
		unresolved          BIGINT NOT NULL DEFAULT 0,
		warnings            BIGINT NOT NULL DEFAULT 0,
		error_message       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, col := range addedAircraftColumns {
		if _, err := d.pool.Exec(ctx, "ALTER TABLE aircraft ADD COLUMN IF NOT EXISTS "+col+" TEXT"); err != nil {
			return fmt.Errorf("add aircraft column %s: %w", col, err)
		}
	}
	return nil
}

// UpsertModels writes one batch of aircraft models in a transaction.
func (d *PostgresDB) UpsertModels(ctx context.Context, runID string, batch []registry.AircraftModel) (UpsertCounts, error) {
	return d.upsert(ctx, modelsTable, runID, modelRows(batch))
}

// UpsertEngines writes one batch of engine models in a transaction.
func (d *PostgresDB) UpsertEngines(ctx context.Context, runID string, batch []registry.EngineModel) (UpsertCounts, error) {
	return d.upsert(ctx, enginesTable, runID, engineRows(batch))
}

// UpsertAircraft writes one batch of aircraft in a transaction.
func (d *PostgresDB) UpsertAircraft(ctx context.Context, runID string, batch []registry.AircraftRecord) (UpsertCounts, error) {
	return d.upsert(ctx, aircraftTable, runID, aircraftRows(postgresDialect, batch))
}

func (d *PostgresDB) upsert(ctx context.Context, t table, runID string, rows []tableRow) (UpsertCounts, error) {
	if len(rows) == 0 {
		return UpsertCounts{}, nil
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return UpsertCounts{}, fmt.Errorf("begin %s batch: %w", t.name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := pgHashes(ctx, tx, t, keysOf(rows))
	if err != nil {
		return UpsertCounts{}, err
	}
	write, touch, counts := classify(rows, stored)

	batch := &pgx.Batch{}
	q := t.upsertSQL(postgresDialect)
	for _, r := range write {
		batch.Queue(q, r.args(runID)...)
	}
	if len(touch) > 0 {
		batch.Queue(fmt.Sprintf("UPDATE %s SET sync_run_id = $1 WHERE %s = ANY($2)", t.name, t.key), runID, touch)
	}

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return UpsertCounts{}, fmt.Errorf("upsert %s: %w", t.name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertCounts{}, fmt.Errorf("commit %s batch: %w", t.name, err)
	}
	return counts, nil
}

func pgHashes(ctx context.Context, tx pgx.Tx, t table, keys []string) (map[string]string, error) {
	q := fmt.Sprintf("SELECT %s, row_hash FROM %s WHERE %s = ANY($1)", t.key, t.name, t.key)
	rows, err := tx.Query(ctx, q, keys)
	if err != nil {
		return nil, fmt.Errorf("select %s hashes: %w", t.name, err)
	}
	defer rows.Close()

	stored := make(map[string]string, len(keys))
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, fmt.Errorf("scan %s hash: %w", t.name, err)
		}
		stored[key] = hash
	}
	return stored, rows.Err()
}

// DeleteStale removes rows of kind not seen by runID.
func (d *PostgresDB) DeleteStale(ctx context.Context, kind registry.Kind, runID string) (int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin %s delete: %w", t.name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, t.deleteStaleSQL(postgresDialect), runID)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s: %w", t.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s delete: %w", t.name, err)
	}
	return tag.RowsAffected(), nil
}

// RecordRun stores the metadata of a finished run.
func (d *PostgresDB) RecordRun(ctx context.Context, run SyncRun) error {
	_, err := d.pool.Exec(ctx, insertRunSQL(postgresDialect), runArgs(postgresDialect, run)...)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// LastProcessedRun returns the most recent run that was not skipped.
func (d *PostgresDB) LastProcessedRun(ctx context.Context) (*SyncRun, error) {
	r, err := scanRun(d.pool.QueryRow(ctx, lastProcessedRunSQL(postgresDialect), string(OutcomeSkipped)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select last run: %w", err)
	}
	return &r, nil
}

// RecentRuns returns up to limit runs, newest first.
func (d *PostgresDB) RecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	rows, err := d.pool.Query(ctx, recentRunsSQL(postgresDialect), limit)
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
func (d *PostgresDB) LookupAircraft(ctx context.Context, tail string) (*AircraftDetail, error) {
	a, err := scanDetail(d.pool.QueryRow(ctx, lookupSQL(postgresDialect), strings.ToUpper(tail)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup aircraft: %w", err)
	}
	return a, nil
}

// Stats returns table row counts.
func (d *PostgresDB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.pool.QueryRow(ctx, statsSQL).Scan(&s.Aircraft, &s.Models, &s.Engines); err != nil {
		return Stats{}, fmt.Errorf("count rows: %w", err)
	}
	return s, nil
}

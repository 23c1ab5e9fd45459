package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB keeps an append-only history of sync runs for analytics.
// It is written after each run and never read by the sync itself.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// Migrate creates the run history table.
func (d *ClickHouseDB) Migrate(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS sync_runs (
		id              String,
		started_at      DateTime64(3),
		finished_at     DateTime64(3),
		outcome         LowCardinality(String),
		failed_step     LowCardinality(String),
		archive_hash    String,
		archive_size    UInt64,
		models          UInt64,
		engines         UInt64,
		aircraft        UInt64,
		inserted        UInt64,
		updated         UInt64,
		deleted         UInt64,
		unresolved      UInt64,
		warnings        UInt64,
		duration_ms     UInt64,
		error_message   String
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(started_at)
	ORDER BY (started_at, id)`

	if err := d.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// InsertRun appends one run to the history table.
func (d *ClickHouseDB) InsertRun(ctx context.Context, r SyncRun) error {
	batch, err := d.conn.PrepareBatch(ctx, `INSERT INTO sync_runs`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	err = batch.Append(
		r.ID, r.StartedAt, r.FinishedAt, string(r.Outcome), r.FailedStep,
		r.ArchiveHash, uint64(max(r.ArchiveSize, 0)),
		uint64(r.Models), uint64(r.Engines), uint64(r.Aircraft),
		uint64(r.Inserted), uint64(r.Updated), uint64(r.Deleted),
		uint64(r.Unresolved), uint64(r.Warnings),
		uint64(max(r.Duration().Milliseconds(), 0)), r.Error,
	)
	if err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append run: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// OutcomeCounts returns the number of recorded runs per outcome since t.
func (d *ClickHouseDB) OutcomeCounts(ctx context.Context, since time.Time) (map[Outcome]uint64, error) {
	rows, err := d.conn.Query(ctx, "SELECT outcome, count() FROM sync_runs WHERE started_at >= ? GROUP BY outcome", since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Outcome]uint64)
	for rows.Next() {
		var outcome string
		var n uint64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome counts: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return counts, nil
}

// Package storage persists the registry tables and sync run history.
//
// Two relational backends implement Store: SQLite (embedded, the default)
// and PostgreSQL. Every registry row carries the id of the sync run that
// last saw it and a fingerprint of its content, so the loader can upsert
// only what changed and delete whatever a run did not touch.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faa_sync/internal/registry"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("storage: unknown driver")

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the relational backend.
type Config struct {
	Driver   string
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// DefaultConfig returns a configuration with local development settings.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		SQLite: SQLiteConfig{
			Path: "faa_registry.db",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "faa_registry",
			User:     "faa",
			Password: "faa",
		},
	}
}

// Store is the full persistence surface shared by both backends.
type Store interface {
	// Migrate creates the tables and indices if they do not exist.
	Migrate(ctx context.Context) error

	UpsertModels(ctx context.Context, runID string, batch []registry.AircraftModel) (UpsertCounts, error)
	UpsertEngines(ctx context.Context, runID string, batch []registry.EngineModel) (UpsertCounts, error)
	UpsertAircraft(ctx context.Context, runID string, batch []registry.AircraftRecord) (UpsertCounts, error)

	// DeleteStale removes every row of kind not stamped with runID.
	DeleteStale(ctx context.Context, kind registry.Kind, runID string) (int64, error)

	RecordRun(ctx context.Context, run SyncRun) error
	// LastProcessedRun returns the most recent run that was not skipped,
	// or nil when there is none.
	LastProcessedRun(ctx context.Context) (*SyncRun, error)
	RecentRuns(ctx context.Context, limit int) ([]SyncRun, error)

	// LookupAircraft returns nil, nil when the tail is not registered.
	LookupAircraft(ctx context.Context, tail string) (*AircraftDetail, error)
	Stats(ctx context.Context) (Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open opens the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		s, err := OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil
	case DriverPostgres:
		s, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Driver)
	}
}

// UpsertCounts reports what one batch did to its table.
type UpsertCounts struct {
	Inserted  int64
	Updated   int64
	Unchanged int64
}

// Add accumulates other into c.
func (c *UpsertCounts) Add(other UpsertCounts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Unchanged += other.Unchanged
}

// Outcome is the terminal state of a sync run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// SyncRun is the metadata row recorded for every sync run.
type SyncRun struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     Outcome   `json:"outcome"`
	FailedStep  string    `json:"failed_step,omitempty"`
	ArchiveHash string    `json:"archive_hash,omitempty"`
	ArchiveSize int64     `json:"archive_size,omitempty"`
	Models      int64     `json:"models"`
	Engines     int64     `json:"engines"`
	Aircraft    int64     `json:"aircraft"`
	Inserted    int64     `json:"inserted"`
	Updated     int64     `json:"updated"`
	Deleted     int64     `json:"deleted"`
	Unresolved  int64     `json:"unresolved"`
	Warnings    int64     `json:"warnings"`
	Error       string    `json:"error,omitempty"`
}

// Duration returns how long the run took.
func (r SyncRun) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// AircraftDetail is an aircraft with its model and engine resolved.
// Model and Engine are nil when the reference is NULL.
type AircraftDetail struct {
	registry.AircraftRecord
	Model     *registry.AircraftModel
	Engine    *registry.EngineModel
	SyncRunID string
}

// Stats holds table row counts.
type Stats struct {
	Aircraft int64 `json:"aircraft"`
	Models   int64 `json:"models"`
	Engines  int64 `json:"engines"`
}

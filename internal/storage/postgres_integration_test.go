//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// setupTestPostgres starts a throwaway PostgreSQL container and returns its
// connection URL.
func setupTestPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("faa_registry"),
		postgres.WithUsername("faa"),
		postgres.WithPassword("faa"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	tc.CleanupContainer(t, container)

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

func TestPostgresStore(t *testing.T) {
	url := setupTestPostgres(t)

	open := func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, PostgresConfig{URL: url})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		// Each subtest starts from an empty schema.
		_, err = s.pool.Exec(ctx, `DROP TABLE IF EXISTS aircraft, aircraft_models, engine_models, sync_runs`)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		return s
	}

	runStoreSuite(t, open)
}

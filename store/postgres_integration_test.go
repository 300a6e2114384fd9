//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresStore starts a Postgres container and returns a migrated store
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("triage_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewPostgresStore(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	// Second run must be a no-op.
	require.NoError(t, store.Migrate(ctx))

	return store
}

func TestIntegration_PostgresBackend(t *testing.T) {
	runBackendSuite(t, setupPostgresStore(t))
}

func TestIntegration_PostgresChannelMessageOwnedOnce(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	a, err := store.Create(ctx, "email-a")
	require.NoError(t, err)
	b, err := store.Create(ctx, "email-b")
	require.NoError(t, err)

	require.NoError(t, store.RecordChannelMessage(ctx, a, "msg-1"))
	require.Error(t, store.RecordChannelMessage(ctx, b, "msg-1"))
}

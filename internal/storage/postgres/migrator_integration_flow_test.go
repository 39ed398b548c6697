package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	status := func(wantVersion int64, wantCount int) {
		t.Helper()
		version, count, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, wantVersion, version)
		require.Equal(t, wantCount, count)
	}

	require.NoError(t, store.MigrateDown(ctx, 100))
	status(0, 0)
	pending, err := store.PendingMigrations(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"001_init", "002_reporting_indexes"}, pending)

	require.NoError(t, store.MigrateUp(ctx, 1))
	status(1, 1)

	require.NoError(t, store.MigrateUp(ctx, 0))
	status(2, 2)
	require.NoError(t, store.MigrateUp(ctx, 0), "repeated up is a no-op")
	status(2, 2)
	pending, err = store.PendingMigrations(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, store.MigrateDown(ctx, 0))
	status(1, 1)
	require.NoError(t, store.MigrateDown(ctx, 1))
	status(0, 0)
	require.NoError(t, store.MigrateDown(ctx, 1), "down on an empty schema is a no-op")

	require.NoError(t, store.EnsureSchema(ctx))
	status(2, 2)
}

func TestMigrator_Guards(t *testing.T) {
	var nilStore *Store
	ctx := context.Background()

	require.ErrorIs(t, nilStore.MigrateUp(ctx, 0), errStoreNotInitialized)
	require.ErrorIs(t, nilStore.MigrateDown(ctx, 1), errStoreNotInitialized)
	_, _, err := nilStore.MigrationStatus(ctx)
	require.ErrorIs(t, err, errStoreNotInitialized)
	_, err = nilStore.PendingMigrations(ctx)
	require.ErrorIs(t, err, errStoreNotInitialized)

	store := openRawPostgresStoreForIntegrationTest(t)
	require.ErrorContains(t, store.migrate(ctx, migrationDirection("sideways"), 0), "unsupported migration direction")
}

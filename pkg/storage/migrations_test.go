package storage

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationBookkeeping(t *testing.T) {
	ctx := context.Background()
	db := migrationTestDB(t)

	require.NoError(t, EnsureMigrationTable(ctx, db, DialectSQLite))
	// Idempotent.
	require.NoError(t, EnsureMigrationTable(ctx, db, DialectSQLite))

	applied, err := MigrationApplied(ctx, db, "hierarchy", 1)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, RecordMigration(ctx, db, "hierarchy", 1, "create resource_nodes"))

	applied, err = MigrationApplied(ctx, db, "hierarchy", 1)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestMigrationScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	db := migrationTestDB(t)

	require.NoError(t, EnsureMigrationTable(ctx, db, DialectSQLite))
	require.NoError(t, RecordMigration(ctx, db, "grants", 1, "create permission_grants"))

	applied, err := MigrationApplied(ctx, db, "hierarchy", 1)
	require.NoError(t, err)
	assert.False(t, applied)

	// Same version under a different scope does not conflict.
	require.NoError(t, RecordMigration(ctx, db, "hierarchy", 1, "create resource_nodes"))

	// Re-recording the same scope and version does.
	assert.Error(t, RecordMigration(ctx, db, "grants", 1, "duplicate"))
}

func TestDialectString(t *testing.T) {
	assert.Equal(t, "postgres", DialectPostgres.String())
	assert.Equal(t, "sqlite", DialectSQLite.String())
	assert.Equal(t, " FOR UPDATE", DialectPostgres.LockClause())
	assert.Empty(t, DialectSQLite.LockClause())
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureMigrationTable creates the shared migration bookkeeping table.
// Each package tracks its own migrations under a scope name so the
// version sequences stay independent.
func EnsureMigrationTable(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var query string
	if dialect == DialectPostgres {
		query = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				scope VARCHAR(50) NOT NULL,
				version INTEGER NOT NULL,
				description TEXT,
				applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (scope, version)
			)`
	} else {
		query = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				scope VARCHAR(50) NOT NULL,
				version INTEGER NOT NULL,
				description TEXT,
				applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (scope, version)
			)`
	}

	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure schema_migrations table: %w", err)
	}
	return nil
}

// MigrationApplied reports whether a scoped migration version has run
func MigrationApplied(ctx context.Context, db *sql.DB, scope string, version int) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE scope = $1 AND version = $2)",
		scope, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check migration %s/%d: %w", scope, version, err)
	}
	return exists, nil
}

// RecordMigration marks a scoped migration version as applied
func RecordMigration(ctx context.Context, db *sql.DB, scope string, version int, description string) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO schema_migrations (scope, version, description) VALUES ($1, $2, $3)",
		scope, version, description)
	if err != nil {
		return fmt.Errorf("failed to record migration %s/%d: %w", scope, version, err)
	}
	return nil
}

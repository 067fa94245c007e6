package grants

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/archonhq/archon/pkg/storage"
)

type migration struct {
	version     int
	description string
	postgres    string
	sqlite      string
}

var migrations = []migration{
	{
		version:     1,
		description: "create permission_grants table",
		postgres: `
			CREATE TABLE IF NOT EXISTS permission_grants (
				id BIGSERIAL PRIMARY KEY,
				subject_type VARCHAR(20) NOT NULL,
				subject_id BIGINT NOT NULL,
				resource_type VARCHAR(50) NOT NULL,
				resource_id BIGINT,
				actions TEXT NOT NULL,
				effect VARCHAR(10) NOT NULL,
				scope VARCHAR(20) NOT NULL,
				inheritance VARCHAR(10) NOT NULL DEFAULT 'none',
				conditions TEXT,
				valid_from TIMESTAMP WITH TIME ZONE,
				valid_until TIMESTAMP WITH TIME ZONE,
				priority INTEGER NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				is_system BOOLEAN NOT NULL DEFAULT FALSE,
				usage_count BIGINT NOT NULL DEFAULT 0,
				last_used_at TIMESTAMP WITH TIME ZONE,
				granted_by BIGINT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at TIMESTAMP WITH TIME ZONE
			)`,
		sqlite: `
			CREATE TABLE IF NOT EXISTS permission_grants (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				subject_type VARCHAR(20) NOT NULL,
				subject_id BIGINT NOT NULL,
				resource_type VARCHAR(50) NOT NULL,
				resource_id BIGINT,
				actions TEXT NOT NULL,
				effect VARCHAR(10) NOT NULL,
				scope VARCHAR(20) NOT NULL,
				inheritance VARCHAR(10) NOT NULL DEFAULT 'none',
				conditions TEXT,
				valid_from TIMESTAMP,
				valid_until TIMESTAMP,
				priority INTEGER NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT 1,
				is_system BOOLEAN NOT NULL DEFAULT 0,
				usage_count BIGINT NOT NULL DEFAULT 0,
				last_used_at TIMESTAMP,
				granted_by BIGINT,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at TIMESTAMP
			)`,
	},
	{
		version:     2,
		description: "index permission_grants lookups",
		postgres: `
			CREATE INDEX IF NOT EXISTS idx_permission_grants_subject ON permission_grants(subject_type, subject_id);
			CREATE INDEX IF NOT EXISTS idx_permission_grants_resource ON permission_grants(resource_type, resource_id);
			CREATE INDEX IF NOT EXISTS idx_permission_grants_active ON permission_grants(is_active) WHERE deleted_at IS NULL;
			CREATE INDEX IF NOT EXISTS idx_permission_grants_deleted ON permission_grants(deleted_at)`,
		sqlite: `
			CREATE INDEX IF NOT EXISTS idx_permission_grants_subject ON permission_grants(subject_type, subject_id);
			CREATE INDEX IF NOT EXISTS idx_permission_grants_resource ON permission_grants(resource_type, resource_id);
			CREATE INDEX IF NOT EXISTS idx_permission_grants_active ON permission_grants(is_active) WHERE deleted_at IS NULL;
			CREATE INDEX IF NOT EXISTS idx_permission_grants_deleted ON permission_grants(deleted_at)`,
	},
}

// Migrate applies pending grant schema migrations in order
func Migrate(ctx context.Context, db *sql.DB, dialect storage.Dialect) error {
	if err := storage.EnsureMigrationTable(ctx, db, dialect); err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := storage.MigrationApplied(ctx, db, "grants", m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		stmt := m.sqlite
		if dialect == storage.DialectPostgres {
			stmt = m.postgres
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("grants migration %d (%s) failed: %w", m.version, m.description, err)
		}
		if err := storage.RecordMigration(ctx, db, "grants", m.version, m.description); err != nil {
			return err
		}
	}
	return nil
}

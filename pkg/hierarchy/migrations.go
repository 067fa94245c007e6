package hierarchy

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
		description: "create resource_nodes table",
		postgres: `
			CREATE TABLE IF NOT EXISTS resource_nodes (
				id BIGSERIAL PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				parent_id BIGINT REFERENCES resource_nodes(id),
				path TEXT NOT NULL,
				level INTEGER NOT NULL DEFAULT 0,
				position INTEGER NOT NULL DEFAULT 0,
				lft BIGINT NOT NULL,
				rgt BIGINT NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'active',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at TIMESTAMP WITH TIME ZONE,
				CONSTRAINT resource_nodes_bounds CHECK (lft < rgt OR lft < 0)
			)`,
		sqlite: `
			CREATE TABLE IF NOT EXISTS resource_nodes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name VARCHAR(255) NOT NULL,
				parent_id BIGINT REFERENCES resource_nodes(id),
				path TEXT NOT NULL,
				level INTEGER NOT NULL DEFAULT 0,
				position INTEGER NOT NULL DEFAULT 0,
				lft BIGINT NOT NULL,
				rgt BIGINT NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'active',
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at TIMESTAMP
			)`,
	},
	{
		version:     2,
		description: "index resource_nodes bounds and lookups",
		postgres: `
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_lft ON resource_nodes(lft);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_rgt ON resource_nodes(rgt);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_parent ON resource_nodes(parent_id);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_status ON resource_nodes(status);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_path ON resource_nodes(path)`,
		sqlite: `
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_lft ON resource_nodes(lft);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_rgt ON resource_nodes(rgt);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_parent ON resource_nodes(parent_id);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_status ON resource_nodes(status);
			CREATE INDEX IF NOT EXISTS idx_resource_nodes_path ON resource_nodes(path)`,
	},
}

// Migrate applies pending hierarchy schema migrations in order
func Migrate(ctx context.Context, db *sql.DB, dialect storage.Dialect) error {
	if err := storage.EnsureMigrationTable(ctx, db, dialect); err != nil {
		return err
	}

	for _, m := range migrations {
		applied, err := storage.MigrationApplied(ctx, db, "hierarchy", m.version)
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
			return fmt.Errorf("hierarchy migration %d (%s) failed: %w", m.version, m.description, err)
		}
		if err := storage.RecordMigration(ctx, db, "hierarchy", m.version, m.description); err != nil {
			return err
		}
	}
	return nil
}

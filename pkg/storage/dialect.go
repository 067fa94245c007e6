package storage

// Dialect identifies the SQL dialect a store runs against. Production
// deployments use PostgreSQL; unit tests run against in-memory SQLite, which
// lacks advisory locks, SELECT ... FOR UPDATE, and serializable BeginTx
// options, so stores gate those behind the dialect.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	default:
		return "postgres"
	}
}

// LockClause returns the row-locking suffix for SELECT statements, empty on
// dialects without FOR UPDATE support.
func (d Dialect) LockClause() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

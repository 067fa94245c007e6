// Package storage holds database plumbing shared by the archon stores: the
// SQL dialect switch used to keep production PostgreSQL behavior and SQLite
// test behavior in one code path, and the PostgreSQL connection manager in
// the postgres subpackage.
package storage

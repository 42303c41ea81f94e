package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxq/pkg/api"
)

// SQLiteStore is a Store backed by SQLite through modernc.org/sqlite.
type SQLiteStore struct {
	*sqlStore
}

var (
	_ api.Store      = (*SQLiteStore)(nil)
	_ api.LastNTaker = (*SQLiteStore)(nil)
	_ api.Requeuer   = (*SQLiteStore)(nil)
)

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: func(table string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL,
				payload BLOB,
				priority INTEGER NOT NULL DEFAULT 0,
				lock_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS ` + table + `_pending_idx ON ` + table + ` (lock_id, priority, seq)`,
			`CREATE INDEX IF NOT EXISTS ` + table + `_id_idx ON ` + table + ` (id)`,
		}
	},
}

// NewSQLiteStore returns a SQLiteStore using db, which must have been
// opened with the "sqlite" driver. The schema is created on Connect.
//
// An in-memory database exists per connection, so callers using
// ":memory:" should limit db to a single open connection.
func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	return &SQLiteStore{sqlStore: newSQLStore(db, table, sqliteDialect)}
}

// OpenSQLiteStore opens dsn (":memory:" when empty) and returns a store
// that owns the database.
func OpenSQLiteStore(dsn, table string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// SQLite serializes writers anyway, and :memory: is per connection.
	db.SetMaxOpenConns(1)

	s := NewSQLiteStore(db, table)
	s.owned = true
	return s, nil
}

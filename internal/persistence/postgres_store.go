package persistence

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/petrijr/fluxq/pkg/api"
)

// PostgresStore is a Store backed by PostgreSQL through the pgx
// database/sql driver. Takes use FOR UPDATE SKIP LOCKED, so several
// engines can share one table.
type PostgresStore struct {
	*sqlStore
}

var (
	_ api.Store      = (*PostgresStore)(nil)
	_ api.LastNTaker = (*PostgresStore)(nil)
	_ api.Requeuer   = (*PostgresStore)(nil)
)

var postgresDialect = sqlDialect{
	name: "postgres",
	schema: func(table string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL,
				payload BYTEA,
				priority INTEGER NOT NULL DEFAULT 0,
				lock_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS ` + table + `_pending_idx ON ` + table + ` (lock_id, priority DESC, seq)`,
			`CREATE INDEX IF NOT EXISTS ` + table + `_id_idx ON ` + table + ` (id)`,
		}
	},
	dollarParams: true,
	lockRows:     " FOR UPDATE SKIP LOCKED",
}

// NewPostgresStore returns a PostgresStore using db, which must have been
// opened with a PostgreSQL driver such as "pgx". The schema is created on
// Connect.
func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	return &PostgresStore{sqlStore: newSQLStore(db, table, postgresDialect)}
}

// OpenPostgresStore opens dsn with the pgx driver and returns a store that
// owns the database.
func OpenPostgresStore(dsn, table string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, &api.ConfigError{Err: api.ErrUnknownStore, Detail: "postgres store requires a dsn"}
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPostgresStore(db, table)
	s.owned = true
	return s, nil
}

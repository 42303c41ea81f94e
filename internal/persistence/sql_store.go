package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petrijr/fluxq/pkg/api"
)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	name string

	// schema returns the DDL statements for table.
	schema func(table string) []string

	// dollarParams rewrites ? placeholders to $1, $2, ...
	dollarParams bool

	// lockRows is appended to the take query to claim rows.
	lockRows string
}

// sqlStore is the Store shared by the SQLite and Postgres backends.
//
// Each row is one task. Pending rows have an empty lock; a take stamps the
// selected rows with a fresh lock ID inside a transaction. seq is an
// autoincrement column recording arrival order.
type sqlStore struct {
	db      *sql.DB
	table   string
	dialect sqlDialect
	owned   bool
}

func newSQLStore(db *sql.DB, table string, d sqlDialect) *sqlStore {
	if table == "" {
		table = "fluxq_tasks"
	}
	return &sqlStore{db: db, table: table, dialect: d}
}

func (s *sqlStore) q(query string) string {
	query = strings.ReplaceAll(query, "{table}", s.table)
	if !s.dialect.dollarParams {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Connect(ctx context.Context) (int, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return 0, err
	}
	if err := s.initSchema(ctx); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM {table} WHERE lock_id = ''`)).Scan(&n)
	return n, err
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*api.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT payload, priority FROM {table}
		WHERE id = ? AND lock_id = ''
		ORDER BY seq LIMIT 1`), id)

	var data []byte
	var priority int
	if err := row.Scan(&data, &priority); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", api.ErrTaskNotFound, id)
		}
		return nil, err
	}
	payload, err := decodePayload(data)
	if err != nil {
		return nil, err
	}
	return &api.Task{ID: id, Payload: payload, Priority: priority}, nil
}

func (s *sqlStore) PutTask(ctx context.Context, t api.Task) error {
	data, err := encodePayload(t.Payload)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE {table} SET payload = ?, priority = ?
		WHERE id = ? AND lock_id = ''`), data, t.Priority, t.ID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO {table} (id, payload, priority, lock_id) VALUES (?, ?, ?, '')`),
		t.ID, data, t.Priority)
	return err
}

func (s *sqlStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE id = ? AND lock_id = ''`), id)
	return err
}

func (s *sqlStore) TakeFirstN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(ctx, n, "ASC")
}

func (s *sqlStore) TakeLastN(ctx context.Context, n int) (string, []api.Task, error) {
	return s.take(ctx, n, "DESC")
}

func (s *sqlStore) take(ctx context.Context, n int, order string) (lockID string, tasks []api.Task, err error) {
	if n <= 0 {
		return "", nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT seq, id, payload, priority FROM {table}
		WHERE lock_id = ''
		ORDER BY priority DESC, seq `+order+`
		LIMIT ?`+s.dialect.lockRows), n)
	if err != nil {
		return "", nil, err
	}

	var seqs []int64
	for rows.Next() {
		var seq int64
		var t api.Task
		var data []byte
		if err = rows.Scan(&seq, &t.ID, &data, &t.Priority); err != nil {
			_ = rows.Close()
			return "", nil, err
		}
		if t.Payload, err = decodePayload(data); err != nil {
			_ = rows.Close()
			return "", nil, err
		}
		seqs = append(seqs, seq)
		tasks = append(tasks, t)
	}
	if err = rows.Close(); err != nil {
		return "", nil, err
	}
	if err = rows.Err(); err != nil {
		return "", nil, err
	}

	if len(tasks) == 0 {
		return "", nil, tx.Commit()
	}

	lockID = uuid.NewString()
	for _, seq := range seqs {
		if _, err = tx.ExecContext(ctx, s.q(`UPDATE {table} SET lock_id = ? WHERE seq = ?`), lockID, seq); err != nil {
			return "", nil, err
		}
	}
	if err = tx.Commit(); err != nil {
		return "", nil, err
	}
	return lockID, tasks, nil
}

func (s *sqlStore) MarkDone(ctx context.Context, lockID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM {table} WHERE lock_id = ?`), lockID)
	return err
}

func (s *sqlStore) GetRunningTasks(ctx context.Context) (map[string][]api.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT lock_id, id, payload, priority FROM {table}
		WHERE lock_id <> ''
		ORDER BY seq`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	running := make(map[string][]api.Task)
	for rows.Next() {
		var lockID string
		var t api.Task
		var data []byte
		if err := rows.Scan(&lockID, &t.ID, &data, &t.Priority); err != nil {
			return nil, err
		}
		if t.Payload, err = decodePayload(data); err != nil {
			return nil, err
		}
		running[lockID] = append(running[lockID], t)
	}
	return running, rows.Err()
}

// Requeue clears the lock of every row it holds. A row whose ID already
// has a pending row is dropped so the newer payload wins.
func (s *sqlStore) Requeue(ctx context.Context, lockID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM {table}
		WHERE lock_id = ? AND id IN (SELECT id FROM {table} WHERE lock_id = '')`), lockID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE {table} SET lock_id = '' WHERE lock_id = ?`), lockID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database when the store opened it.
func (s *sqlStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

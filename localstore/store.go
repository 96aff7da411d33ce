// Package localstore is the on-device cache: sqlite tables mirroring the
// backend entity tables, the pending-action queue, and user preferences.
//
// The store is the availability fallback of last resort, so nothing in here
// panics; callers are expected to absorb errors and degrade to remote-only
// or empty results.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entity table names. These match the backend table names so pending actions
// can be replayed without translation.
const (
	TableTasks         = "tasks"
	TableProjects      = "projects"
	TableDailyReports  = "daily_reports"
	TableWeeklyReports = "weekly_reports"
)

type tableSpec struct {
	// columns promoted out of the JSON payload for indexing
	indexCols []string
	// uniqueCols adds a UNIQUE constraint across the named columns
	uniqueCols []string
}

// tableSpecs drives schema creation and upsert statements. The row payload is
// always the full JSON record; index columns are duplicated for querying.
var tableSpecs = map[string]tableSpec{
	TableTasks:         {indexCols: []string{"user_id", "status", "project_id", "due_date", "updated_at"}},
	TableProjects:      {indexCols: []string{"user_id", "name", "updated_at"}},
	TableDailyReports:  {indexCols: []string{"user_id", "date", "updated_at"}, uniqueCols: []string{"user_id", "date"}},
	TableWeeklyReports: {indexCols: []string{"user_id", "start_date", "end_date", "updated_at"}},
}

// Store is the sqlite-backed local cache shared by all domain services and
// the sync coordinator. All writes are upserts keyed by primary key, so
// concurrent writers can only clobber, never corrupt.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	for name, spec := range tableSpecs {
		ddl := "CREATE TABLE IF NOT EXISTS " + name + " (id TEXT PRIMARY KEY"
		for _, col := range spec.indexCols {
			ddl += ", " + col + " TEXT"
		}
		ddl += ", data BLOB NOT NULL"
		if len(spec.uniqueCols) > 0 {
			ddl += ", UNIQUE(" + joinCols(spec.uniqueCols) + ")"
		}
		ddl += ")"
		if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
		for _, col := range spec.indexCols {
			idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)", name, col, name, col)
			if _, err := s.conn.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("create index on %s.%s: %w", name, col, err)
			}
		}
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pending_actions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tbl TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL,
			ts INTEGER NOT NULL,
			synced INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_unsynced ON pending_actions(synced, ts)`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// GetRaw returns the stored JSON payload for key, or (nil, nil) when absent.
func (s *Store) GetRaw(ctx context.Context, table, key string) ([]byte, error) {
	if _, ok := tableSpecs[table]; !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	var data []byte
	err := s.conn.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, key, err)
	}
	return data, nil
}

// PutRaw upserts one JSON record. The record must carry an "id" field; index
// columns named in the table spec are promoted for querying. A row that
// collides on any unique constraint is replaced wholesale (last write wins).
func (s *Store) PutRaw(ctx context.Context, table string, record []byte) error {
	return s.putTx(ctx, s.conn, table, record)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) putTx(ctx context.Context, ex execer, table string, record []byte) error {
	spec, ok := tableSpecs[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	var fields map[string]any
	if err := sonic.ConfigStd.Unmarshal(record, &fields); err != nil {
		return fmt.Errorf("decode record for %s: %w", table, err)
	}
	id, _ := fields["id"].(string)
	if id == "" {
		return fmt.Errorf("record for %s has no id", table)
	}

	cols := "id"
	placeholders := "?"
	args := []any{id}
	for _, col := range spec.indexCols {
		cols += ", " + col
		placeholders += ", ?"
		val, _ := fields[col].(string)
		args = append(args, val)
	}
	cols += ", data"
	placeholders += ", ?"
	args = append(args, record)

	// INSERT OR REPLACE so collisions on the id or on any secondary unique
	// key (daily_reports user_id+date) both resolve to the newest record.
	stmt := "INSERT OR REPLACE INTO " + table + " (" + cols + ") VALUES (" + placeholders + ")"
	if _, err := ex.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("put %s/%s: %w", table, id, err)
	}
	return nil
}

// BulkPutRaw upserts a batch of records in one transaction, used after bulk
// remote fetches. A decode failure on one record aborts the whole batch.
func (s *Store) BulkPutRaw(ctx context.Context, table string, records [][]byte) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bulk put %s: %w", table, err)
	}
	for _, rec := range records {
		if err := s.putTx(ctx, tx, table, rec); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bulk put %s: %w", table, err)
	}
	return nil
}

// QueryRaw returns the payloads of every row in table for which pred returns
// true. Filtering happens over the decoded payloads rather than fixed SQL
// predicates because filter needs vary by entity.
func (s *Store) QueryRaw(ctx context.Context, table string, pred func(record []byte) bool) ([][]byte, error) {
	if _, ok := tableSpecs[table]; !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}
	rows, err := s.conn.QueryContext(ctx, "SELECT data FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("query %s: %w", table, err)
		}
		if pred == nil || pred(data) {
			out = append(out, data)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return out, nil
}

// DeleteRow removes a row by primary key. Missing rows are not an error.
func (s *Store) DeleteRow(ctx context.Context, table, key string) error {
	if _, ok := tableSpecs[table]; !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, key, err)
	}
	return nil
}

// ClearAll wipes every cached table, the pending-action queue and the
// preferences. Used for "reset application" and error recovery.
func (s *Store) ClearAll(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	tables := make([]string, 0, len(tableSpecs)+2)
	for name := range tableSpecs {
		tables = append(tables, name)
	}
	tables = append(tables, "pending_actions", "preferences")
	for _, name := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clear %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	return nil
}

// Get decodes the record stored under key into T. ok is false when absent.
func Get[T any](ctx context.Context, s *Store, table, key string) (val T, ok bool, err error) {
	data, err := s.GetRaw(ctx, table, key)
	if err != nil || data == nil {
		return val, false, err
	}
	if err := sonic.ConfigStd.Unmarshal(data, &val); err != nil {
		return val, false, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return val, true, nil
}

// Put encodes record and upserts it.
func Put[T any](ctx context.Context, s *Store, table string, record T) error {
	data, err := sonic.ConfigStd.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", table, err)
	}
	return s.PutRaw(ctx, table, data)
}

// BulkPut encodes and upserts records in one transaction.
func BulkPut[T any](ctx context.Context, s *Store, table string, records []T) error {
	raw := make([][]byte, 0, len(records))
	for _, r := range records {
		data, err := sonic.ConfigStd.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", table, err)
		}
		raw = append(raw, data)
	}
	return s.BulkPutRaw(ctx, table, raw)
}

// Query decodes every row of table and returns those matching pred.
func Query[T any](ctx context.Context, s *Store, table string, pred func(T) bool) ([]T, error) {
	var decodeErr error
	raw, err := s.QueryRaw(ctx, table, nil)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, data := range raw {
		var val T
		if err := sonic.ConfigStd.Unmarshal(data, &val); err != nil {
			decodeErr = err
			continue
		}
		if pred == nil || pred(val) {
			out = append(out, val)
		}
	}
	if len(out) == 0 && decodeErr != nil {
		return nil, fmt.Errorf("decode rows of %s: %w", table, decodeErr)
	}
	return out, nil
}

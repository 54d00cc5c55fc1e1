package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"maintflow/internal/domain"
)

// ErrDuplicate is returned by Insert when the id is already stored.
var ErrDuplicate = errors.New("task id already stored")

// EnsureSchema creates tables if they don't exist.
//
// Timestamps and durations are stored as integer microseconds so that the
// sub-second part of start_at survives a round trip.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  worker_name TEXT NOT NULL,
  options BLOB NOT NULL,
  start_at INTEGER NOT NULL,
  status INTEGER NOT NULL CHECK(status IN (1,2,4,8,16,32,64,128,256)) DEFAULT 1,
  redo TEXT NOT NULL DEFAULT '',
  expire INTEGER NOT NULL DEFAULT 0,
  output BLOB,
  error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status_start ON tasks(status, start_at);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_name, start_at);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens (creating if needed) the SQLite task store at path.
func Open(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// Repository is the durable registry of tasks. Only the scheduler writes to it.
type Repository interface {
	Insert(ctx context.Context, t domain.Task) error
	Replace(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error)
	ListUnfinished(ctx context.Context) ([]domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, at time.Time) error
	Finish(ctx context.Context, id string, status domain.Status, output json.RawMessage, errStr string, at time.Time) error
	Rearm(ctx context.Context, id string, start, at time.Time) error
	Delete(ctx context.Context, id string) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,worker_name,options,start_at,status,redo,expire,output,error,created_at,updated_at`

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func taskArgs(t domain.Task) ([]any, error) {
	opts := t.Options
	if opts == nil {
		opts = domain.Options{}
	}
	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	var output []byte
	if len(t.Output) > 0 {
		output = t.Output
	}
	return []any{
		t.ID, t.WorkerName, optsJSON, micros(t.StartAt), int(t.Status), t.Redo,
		t.Expire.Microseconds(), output, t.Error, micros(t.CreatedAt), micros(t.UpdatedAt),
	}, nil
}

func (r *sqliteRepo) Insert(ctx context.Context, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *sqliteRepo) Replace(ctx context.Context, t domain.Task) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
INSERT OR REPLACE INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		return fmt.Errorf("replace task %s: %w", t.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                       domain.Task
		opts, output            []byte
		start, created, updated int64
		status                  int
		expire                  int64
	)
	if err := s.Scan(&t.ID, &t.WorkerName, &opts, &start, &status, &t.Redo, &expire, &output, &t.Error, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &t.Options); err != nil {
			return domain.Task{}, fmt.Errorf("decode options of %s: %w", t.ID, err)
		}
	}
	if len(output) > 0 {
		t.Output = json.RawMessage(output)
	}
	t.StartAt = fromMicros(start)
	t.Status = domain.Status(status)
	t.Expire = time.Duration(expire) * time.Microsecond
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updated)
	return t, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, &domain.NotFoundError{TaskID: id}
	}
	return t, err
}

func (r *sqliteRepo) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.WorkerName != "" {
		q += ` AND worker_name = ?`
		args = append(args, f.WorkerName)
	}
	if f.Statuses != 0 {
		q += ` AND (status & ?) != 0`
		args = append(args, int(f.Statuses))
	}
	q += ` ORDER BY start_at ASC, id ASC`
	tasks, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	if len(f.Options) == 0 {
		return tasks, nil
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Options.Contains(f.Options) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *sqliteRepo) ListUnfinished(ctx context.Context) ([]domain.Task, error) {
	return r.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE (status & ?) != 0 ORDER BY start_at ASC, id ASC`, int(domain.StatusLive))
}

func (r *sqliteRepo) query(ctx context.Context, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) UpdateStatus(ctx context.Context, id string, status domain.Status, at time.Time) error {
	return r.exec(ctx, id, `UPDATE tasks SET status=?, updated_at=? WHERE id=?`, int(status), micros(at), id)
}

func (r *sqliteRepo) Finish(ctx context.Context, id string, status domain.Status, output json.RawMessage, errStr string, at time.Time) error {
	var out []byte
	if len(output) > 0 {
		out = output
	}
	return r.exec(ctx, id, `UPDATE tasks SET status=?, output=?, error=?, updated_at=? WHERE id=?`,
		int(status), out, errStr, micros(at), id)
}

func (r *sqliteRepo) Rearm(ctx context.Context, id string, start, at time.Time) error {
	return r.exec(ctx, id, `UPDATE tasks SET status=?, start_at=?, updated_at=? WHERE id=?`,
		int(domain.StatusScheduled), micros(start), micros(at), id)
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, id, `DELETE FROM tasks WHERE id=?`, id)
}

func (r *sqliteRepo) exec(ctx context.Context, id, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{TaskID: id}
	}
	return nil
}

// PurgeExpired deletes terminal tasks whose retention has elapsed. Tasks with
// a zero expire are kept until removed explicitly.
func (r *sqliteRepo) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM tasks
WHERE (status & ?) != 0 AND expire > 0 AND updated_at + expire <= ?`,
		int(domain.StatusTerminal), micros(now))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

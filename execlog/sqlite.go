package execlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nomis52/deltaetl/retry"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS execution_log (
	execution_name     TEXT NOT NULL,
	task_id            TEXT NOT NULL,
	api                TEXT NOT NULL DEFAULT '',
	payload            TEXT NOT NULL DEFAULT '',
	pipeline_id        TEXT NOT NULL DEFAULT '',
	schedule_type      TEXT NOT NULL DEFAULT '',
	state_machine_name TEXT NOT NULL DEFAULT '',
	state_name         TEXT NOT NULL DEFAULT '',
	pipeline_index_key TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	start_time         TEXT NOT NULL,
	end_time           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (execution_name, task_id)
);
CREATE INDEX IF NOT EXISTS idx_execution_log_pipeline
	ON execution_log(pipeline_index_key, start_time);
`

const entryColumns = `execution_name, task_id, api, payload, pipeline_id, schedule_type,
	state_machine_name, state_name, pipeline_index_key, status, start_time, end_time`

// SQLiteStore is a single-node Store backed by an sqlite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %q: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// PutIfAbsent implements Store.
func (s *SQLiteStore) PutIfAbsent(ctx context.Context, e Entry) (bool, error) {
	e, err := e.Normalize(s.now())
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO execution_log (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_name, task_id) DO NOTHING`,
		e.ExecutionName, e.TaskID, e.API, e.Payload, e.PipelineID, e.ScheduleType,
		e.StateMachineName, e.StateName, e.PipelineIndexKey, string(e.Status), e.StartTime, e.EndTime)
	if err != nil {
		return false, classifySQLite(fmt.Errorf("inserting %s/%s: %w", e.ExecutionName, e.TaskID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Update implements Store. The WHERE clause only matches Running rows so two
// writers cannot both move a row to a terminal state.
func (s *SQLiteStore) Update(ctx context.Context, executionName, taskID string, u Update) error {
	cur, err := s.Get(ctx, executionName, taskID)
	if err != nil {
		return err
	}
	next, changed, err := u.apply(cur, s.now())
	if err != nil || !changed {
		return err
	}

	res, err := s.db.ExecContext(ctx, `UPDATE execution_log
		SET status = ?, end_time = ?, state_name = ?, payload = ?
		WHERE execution_name = ? AND task_id = ? AND status = ?`,
		string(next.Status), next.EndTime, next.StateName, next.Payload,
		executionName, taskID, string(StatusRunning))
	if err != nil {
		return classifySQLite(fmt.Errorf("updating %s/%s: %w", executionName, taskID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race; re-evaluate against the winner's row.
		cur, err := s.Get(ctx, executionName, taskID)
		if err != nil {
			return err
		}
		_, _, err = u.apply(cur, s.now())
		return err
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, executionName, taskID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM execution_log
		WHERE execution_name = ? AND task_id = ?`, executionName, taskID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s/%s", ErrNotFound, executionName, taskID)
	}
	if err != nil {
		return Entry{}, classifySQLite(err)
	}
	return e, nil
}

// ListByExecution implements Store.
func (s *SQLiteStore) ListByExecution(ctx context.Context, executionName string) ([]Entry, error) {
	return s.list(ctx, `SELECT `+entryColumns+` FROM execution_log
		WHERE execution_name = ? ORDER BY start_time ASC, task_id ASC`, executionName)
}

// ListByPipeline implements Store.
func (s *SQLiteStore) ListByPipeline(ctx context.Context, indexKey string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.list(ctx, `SELECT `+entryColumns+` FROM execution_log
		WHERE pipeline_index_key = ? ORDER BY start_time DESC, task_id ASC LIMIT ?`, indexKey, limit)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e      Entry
		status string
	)
	err := r.Scan(&e.ExecutionName, &e.TaskID, &e.API, &e.Payload, &e.PipelineID, &e.ScheduleType,
		&e.StateMachineName, &e.StateName, &e.PipelineIndexKey, &status, &e.StartTime, &e.EndTime)
	e.Status = Status(status)
	return e, err
}

// classifySQLite marks lock contention as transient.
func classifySQLite(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return retry.Transient(err)
	}
	return err
}

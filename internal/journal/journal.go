// Package journal persists submitted task metadata in an embedded SQLite
// database so pending work survives a crash. The journal records metadata
// only; executable work is resubmitted by the caller after recovery.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/entity"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_data   TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	priority    INTEGER NOT NULL DEFAULT 5,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error       TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

// Journal is the durable task log. It is exclusive to one process; a single
// connection serializes every statement.
type Journal struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Open creates or opens the journal database at path, enabling WAL
// journaling with synchronous=NORMAL.
func Open(path string, logger *zap.SugaredLogger) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_loc=auto", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return &Journal{db: db, now: time.Now, logger: logger}, nil
}

// SetClock overrides the journal clock, for tests.
func (j *Journal) SetClock(now func() time.Time) { j.now = now }

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Enqueue inserts a pending row and returns its id. Lower priority values
// dequeue earlier.
func (j *Journal) Enqueue(taskData string, priority int) (int64, error) {
	now := j.now()
	res, err := j.db.Exec(
		`INSERT INTO tasks (task_data, status, priority, created_at, updated_at) VALUES (?, 'pending', ?, ?, ?)`,
		taskData, priority, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("journal enqueue: %w", err)
	}
	return res.LastInsertId()
}

// Dequeue atomically claims the pending row with the lowest priority and
// oldest creation time, marks it processing, and returns it. Returns nil when
// nothing is pending.
func (j *Journal) Dequeue() (*entity.JournalTask, error) {
	tx, err := j.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("journal dequeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at
		 FROM tasks WHERE status = 'pending'
		 ORDER BY priority ASC, created_at ASC LIMIT 1`,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal dequeue: %w", err)
	}

	now := j.now()
	res, err := tx.Exec(
		`UPDATE tasks SET status = 'processing', updated_at = ? WHERE id = ? AND status = 'pending'`,
		now, task.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("journal dequeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("journal dequeue: %w", err)
	}

	task.Status = entity.JournalProcessing
	task.UpdatedAt = now
	return task, nil
}

// MarkProcessing moves a row to processing without dequeue ordering. Used by
// the queue wrapper just before user work starts.
func (j *Journal) MarkProcessing(id int64) error {
	return j.transition(id, entity.JournalProcessing, "", []entity.JournalStatus{entity.JournalPending})
}

// MarkCompleted moves a row to completed.
func (j *Journal) MarkCompleted(id int64) error {
	return j.transition(id, entity.JournalCompleted, "", []entity.JournalStatus{entity.JournalProcessing, entity.JournalPending})
}

// MarkFailed moves a row to failed, records the error, and increments the
// retry count.
func (j *Journal) MarkFailed(id int64, errMsg string) error {
	res, err := j.db.Exec(
		`UPDATE tasks SET status = 'failed', error = ?, retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		errMsg, j.now(), id,
	)
	if err != nil {
		return fmt.Errorf("journal mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.ErrJournalNotFound
	}
	return nil
}

// Requeue returns a failed row to pending. Any other current status is an
// illegal transition.
func (j *Journal) Requeue(id int64) error {
	return j.transition(id, entity.JournalPending, "", []entity.JournalStatus{entity.JournalFailed})
}

// transition moves a row to next iff its current status is in allowed.
func (j *Journal) transition(id int64, next entity.JournalStatus, errMsg string, allowed []entity.JournalStatus) error {
	query := `UPDATE tasks SET status = ?, updated_at = ?`
	args := []interface{}{string(next), j.now()}
	if errMsg != "" {
		query += `, error = ?`
		args = append(args, errMsg)
	}
	query += ` WHERE id = ? AND status IN (`
	args = append(args, id)
	for i := range allowed {
		if i > 0 {
			query += ", "
		}
		query += "?"
	}
	for _, s := range allowed {
		args = append(args, string(s))
	}
	query += ")"

	res, err := j.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("journal transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing row from an illegal transition.
		var exists int
		if err := j.db.QueryRow(`SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&exists); err == nil && exists == 0 {
			return entity.ErrJournalNotFound
		}
		return entity.ErrJournalBadTransition
	}
	return nil
}

// RecoverStale reverts rows stuck in processing longer than timeout back to
// pending, returning how many were recovered. queue.New calls it once when
// it is given a journal.
func (j *Journal) RecoverStale(timeout time.Duration) (int, error) {
	cutoff := j.now().Add(-timeout)
	res, err := j.db.Exec(
		`UPDATE tasks SET status = 'pending', updated_at = ? WHERE status = 'processing' AND updated_at < ?`,
		j.now(), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("journal recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Warnw("recovered stale journal tasks", "count", n)
	}
	return int(n), nil
}

// Cleanup deletes completed and failed rows older than age, returning the
// number deleted.
func (j *Journal) Cleanup(age time.Duration) (int, error) {
	cutoff := j.now().Add(-age)
	res, err := j.db.Exec(
		`DELETE FROM tasks WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetByID fetches one row.
func (j *Journal) GetByID(id int64) (*entity.JournalTask, error) {
	row := j.db.QueryRow(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entity.ErrJournalNotFound
	}
	return task, err
}

// GetByStatus lists rows in a given status, oldest first.
func (j *Journal) GetByStatus(status entity.JournalStatus) ([]entity.JournalTask, error) {
	rows, err := j.db.Query(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at
		 FROM tasks WHERE status = ? ORDER BY created_at ASC`, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("journal get by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetRecent lists the most recently updated rows.
func (j *Journal) GetRecent(limit int) ([]entity.JournalTask, error) {
	rows, err := j.db.Query(
		`SELECT id, task_data, status, priority, retry_count, COALESCE(error, ''), created_at, updated_at
		 FROM tasks ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("journal get recent: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// StatusSummary counts rows per status.
func (j *Journal) StatusSummary() (map[entity.JournalStatus]int, error) {
	rows, err := j.db.Query(`SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("journal status summary: %w", err)
	}
	defer rows.Close()

	out := map[entity.JournalStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[entity.JournalStatus(status)] = count
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*entity.JournalTask, error) {
	var t entity.JournalTask
	var status string
	if err := s.Scan(&t.ID, &t.TaskData, &status, &t.Priority, &t.RetryCount, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = entity.JournalStatus(status)
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]entity.JournalTask, error) {
	var out []entity.JournalTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

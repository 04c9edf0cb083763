package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogersf/relay/internal/domain"
)

// TaskRepo records queue tasks that reached a terminal status.
type TaskRepo struct {
	DB *sql.DB
}

// NewTaskRepo creates a TaskRepo bound to db.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{DB: db}
}

// RecordTask inserts or replaces a finished task.
func (r *TaskRepo) RecordTask(ctx context.Context, t domain.TaskInfo) error {
	const q = `INSERT OR REPLACE INTO task_log (id, kind, label, priority, status, retry_count, max_retries, last_error, created_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.DB.ExecContext(ctx, q,
		t.ID,
		string(t.Kind),
		t.Label,
		int(t.Priority),
		string(t.Status),
		t.RetryCount,
		t.MaxRetries,
		t.LastError,
		t.CreatedAt,
		t.StartedAt,
		t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

// ListRecent returns up to limit finished tasks, most recently completed first.
func (r *TaskRepo) ListRecent(ctx context.Context, limit int) ([]domain.TaskInfo, error) {
	const q = `SELECT id, kind, label, priority, status, retry_count, max_retries, last_error, created_at, started_at, completed_at
FROM task_log
ORDER BY completed_at DESC, id ASC
LIMIT ?`

	rows, err := r.DB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskInfo
	for rows.Next() {
		var t domain.TaskInfo
		var kind, status string
		var priority int
		if err := rows.Scan(&t.ID, &kind, &t.Label, &priority, &status, &t.RetryCount,
			&t.MaxRetries, &t.LastError, &t.CreatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Kind = domain.TaskKind(kind)
		t.Status = domain.TaskStatus(status)
		t.Priority = domain.Priority(priority)
		out = append(out, t)
	}
	return out, rows.Err()
}

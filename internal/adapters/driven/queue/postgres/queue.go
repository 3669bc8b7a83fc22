// Package postgres is the task queue used when no Redis is configured.
// Tasks live in the tasks table created by postgres.DB.InitSchema and are
// claimed with FOR UPDATE SKIP LOCKED, so any number of workers can share it.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.TaskQueue = (*Queue)(nil)

const taskColumns = `id, type, task_key, payload, status, priority, attempts, max_attempts,
	error, created_at, updated_at, started_at, completed_at, scheduled_for`

// pollInterval is how often DequeueWithTimeout looks for newly due tasks.
const pollInterval = 500 * time.Millisecond

// Queue implements driven.TaskQueue on PostgreSQL.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue over an open database.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task                   domain.Task
		payload                []byte
		startedAt, completedAt sql.NullTime
	)
	err := row.Scan(
		&task.ID, &task.Type, &task.Key, &payload, &task.Status, &task.Priority,
		&task.Attempts, &task.MaxAttempts, &task.Error, &task.CreatedAt, &task.UpdatedAt,
		&startedAt, &completedAt, &task.ScheduledFor,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload of task %s: %w", task.ID, err)
		}
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

// enqueue inserts task. A process_submission task for a submission that
// already has one pending is folded into it: the pending task keeps the
// earlier due time and no second row is written.
func enqueue(ctx context.Context, db execer, task *domain.Task) error {
	if task.Type == domain.TaskTypeProcessSubmission && task.Key != "" {
		res, err := db.ExecContext(ctx, `
			UPDATE tasks SET scheduled_for = LEAST(scheduled_for, $1), updated_at = NOW()
			WHERE type = $2 AND task_key = $3 AND status = $4`,
			task.ScheduledFor, task.Type, task.Key, domain.TaskStatusPending)
		if err != nil {
			return fmt.Errorf("fold task %s: %w", task.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, NULL, $12)`,
		task.ID, task.Type, task.Key, payload, task.Status, task.Priority,
		task.Attempts, task.MaxAttempts, task.Error, task.CreatedAt, task.UpdatedAt,
		task.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

// Enqueue adds a task.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) error {
	return enqueue(ctx, q.db, task)
}

// EnqueueBatch adds tasks in one transaction.
func (q *Queue) EnqueueBatch(ctx context.Context, tasks []*domain.Task) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, task := range tasks {
		if err := enqueue(ctx, tx, task); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Dequeue claims the most urgent due task, or returns nil when none is due.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Task, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = $1, started_at = NOW(), updated_at = NOW(), attempts = attempts + 1
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = $2 AND scheduled_for <= NOW()
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		domain.TaskStatusProcessing, domain.TaskStatusPending)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// DequeueWithTimeout polls for a due task for up to timeout seconds.
func (q *Queue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.Task, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		task, err := q.Dequeue(ctx)
		if err != nil || task != nil {
			return task, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack marks a claimed task completed.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, completed_at = NOW(), updated_at = NOW(), error = ''
		WHERE id = $2`,
		domain.TaskStatusCompleted, taskID)
	if err != nil {
		return fmt.Errorf("ack task %s: %w", taskID, err)
	}
	return requireRow(res)
}

// Nack records reason and puts the task back with exponential backoff
// (1s doubling, capped at 5m), or fails it once its attempts are used up.
func (q *Queue) Nack(ctx context.Context, taskID string, reason string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET
			error = $1,
			updated_at = NOW(),
			status = CASE WHEN attempts < max_attempts THEN $2 ELSE $3 END,
			scheduled_for = CASE WHEN attempts < max_attempts
				THEN NOW() + LEAST(POWER(2, attempts), 300) * INTERVAL '1 second'
				ELSE scheduled_for END
		WHERE id = $4`,
		reason, domain.TaskStatusPending, domain.TaskStatusFailed, taskID)
	if err != nil {
		return fmt.Errorf("nack task %s: %w", taskID, err)
	}
	return requireRow(res)
}

// GetTask returns a task by id.
func (q *Queue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := scanTask(q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// listQuery builds the filtered, newest-first task listing.
func listQuery(filter driven.TaskFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Key != "" {
		add("task_key = $%d", filter.Key)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Type != "" {
		add("type = $%d", filter.Type)
	}

	var b strings.Builder
	b.WriteString("SELECT " + taskColumns + " FROM tasks")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

// ListTasks returns tasks matching filter, newest first.
func (q *Queue) ListTasks(ctx context.Context, filter driven.TaskFilter) ([]*domain.Task, error) {
	query, args := listQuery(filter)
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CancelTask fails a task that has not been claimed yet.
func (q *Queue) CancelTask(ctx context.Context, taskID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = $1, updated_at = NOW(), error = 'cancelled'
		WHERE id = $2 AND status = $3`,
		domain.TaskStatusFailed, taskID, domain.TaskStatusPending)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	if err := requireRow(res); err != nil {
		return fmt.Errorf("%w: task %s is not pending", err, taskID)
	}
	return nil
}

// PurgeTasks deletes finished tasks last touched more than olderThan ago.
func (q *Queue) PurgeTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN ($1, $2) AND updated_at < $3`,
		domain.TaskStatusCompleted, domain.TaskStatusFailed,
		time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return int(n), nil
}

// Stats counts tasks per status and ages the oldest pending one.
func (q *Queue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	var (
		stats driven.QueueStats
		age   sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COUNT(*) FILTER (WHERE status = $4),
			EXTRACT(EPOCH FROM (NOW() - MIN(created_at) FILTER (WHERE status = $1)))::bigint
		FROM tasks`,
		domain.TaskStatusPending, domain.TaskStatusProcessing,
		domain.TaskStatusCompleted, domain.TaskStatusFailed,
	).Scan(&stats.PendingCount, &stats.ProcessingCount, &stats.CompletedCount, &stats.FailedCount, &age)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	if age.Valid {
		stats.OldestPendingAge = age.Int64
	}
	return &stats, nil
}

// Ping checks database connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close is a no-op; the connection pool belongs to the caller.
func (q *Queue) Close() error {
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

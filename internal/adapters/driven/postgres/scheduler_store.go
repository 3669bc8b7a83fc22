package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.SchedulerStore = (*SchedulerStore)(nil)

const scheduleColumns = `id, name, type, interval_ns, enabled, next_run, last_run, last_error`

// SchedulerStore keeps the maintenance schedules in the scheduled_tasks table.
// Intervals are stored in nanoseconds so any time.Duration round-trips.
type SchedulerStore struct {
	db *DB
}

func NewSchedulerStore(db *DB) *SchedulerStore {
	return &SchedulerStore{db: db}
}

func scanSchedule(row rowScanner) (*domain.ScheduledTask, error) {
	var (
		s          domain.ScheduledTask
		taskType   string
		intervalNs int64
		lastRun    sql.NullTime
		lastError  sql.NullString
	)
	if err := row.Scan(&s.ID, &s.Name, &taskType, &intervalNs, &s.Enabled, &s.NextRun, &lastRun, &lastError); err != nil {
		return nil, err
	}
	s.Type = domain.TaskType(taskType)
	s.Interval = time.Duration(intervalNs)
	s.LastRun = TimePtr(lastRun)
	s.LastError = lastError.String
	return &s, nil
}

func (s *SchedulerStore) GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	scheduled, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return scheduled, nil
}

// ListScheduledTasks returns every schedule, soonest first.
func (s *SchedulerStore) ListScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM scheduled_tasks ORDER BY next_run, id`)
}

// GetDueScheduledTasks returns enabled schedules whose next run has passed.
func (s *SchedulerStore) GetDueScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.query(ctx, `
		SELECT `+scheduleColumns+` FROM scheduled_tasks
		WHERE enabled AND next_run <= $1
		ORDER BY next_run, id`, time.Now())
}

func (s *SchedulerStore) query(ctx context.Context, query string, args ...any) ([]*domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.ScheduledTask
	for rows.Next() {
		scheduled, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, scheduled)
	}
	return out, rows.Err()
}

// SaveScheduledTask inserts or replaces a schedule.
func (s *SchedulerStore) SaveScheduledTask(ctx context.Context, scheduled *domain.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, interval_ns = EXCLUDED.interval_ns,
			enabled = EXCLUDED.enabled, next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run, last_error = EXCLUDED.last_error`,
		scheduled.ID, scheduled.Name, string(scheduled.Type), int64(scheduled.Interval),
		scheduled.Enabled, scheduled.NextRun, NullTime(scheduled.LastRun), scheduled.LastError,
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", scheduled.ID, err)
	}
	return nil
}

func (s *SchedulerStore) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return requireAffected(res)
}

// UpdateLastRun records a run now and moves next_run one interval on. The
// interval is applied in SQL so concurrent edits to it are respected.
func (s *SchedulerStore) UpdateLastRun(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET last_run = $1,
			next_run = $1 + interval_ns * INTERVAL '1 microsecond' / 1000,
			last_error = NULLIF($2, '')
		WHERE id = $3`, time.Now(), lastError, id)
	if err != nil {
		return fmt.Errorf("record schedule run %s: %w", id, err)
	}
	return requireAffected(res)
}

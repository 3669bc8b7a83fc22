package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// TaskQueue carries process_submission and maintenance tasks to workers.
// Redis streams back it when REDIS_URL is set, the tasks table otherwise.
//
// A delivered task stays processing until Ack or Nack; a worker that dies
// mid-task leaves it to be reclaimed by the backend or by recover_stalled.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *domain.Task) error

	// EnqueueBatch stores all tasks or none.
	EnqueueBatch(ctx context.Context, tasks []*domain.Task) error

	// Dequeue blocks until a ready task is delivered or ctx ends.
	Dequeue(ctx context.Context) (*domain.Task, error)

	// DequeueWithTimeout returns (nil, nil) when nothing became ready
	// within timeout.
	DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.Task, error)

	Ack(ctx context.Context, taskID string) error

	// Nack records a failed attempt. The task is redelivered after backoff
	// while attempts remain and fails permanently after that.
	Nack(ctx context.Context, taskID string, reason string) error

	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// CancelTask fails a pending task. Tasks already delivered cannot be
	// cancelled (ErrInvalidInput).
	CancelTask(ctx context.Context, taskID string) error

	// PurgeTasks deletes completed and failed tasks idle for olderThan and
	// returns how many went.
	PurgeTasks(ctx context.Context, olderThan time.Duration) (int, error)

	Stats(ctx context.Context) (*QueueStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Key    string
	Status domain.TaskStatus
	Type   domain.TaskType
	Limit  int
	Offset int
}

// QueueStats is the queue snapshot served by the health endpoint.
type QueueStats struct {
	PendingCount    int64 `json:"pending_count"`
	ProcessingCount int64 `json:"processing_count"`
	CompletedCount  int64 `json:"completed_count"`
	FailedCount     int64 `json:"failed_count"`

	// OldestPendingAge is in seconds.
	OldestPendingAge int64 `json:"oldest_pending_age"`
}

// SchedulerStore persists the maintenance schedules. They are configuration
// and outlive any queue purge.
type SchedulerStore interface {
	GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error)

	// ListScheduledTasks returns every schedule, soonest next run first.
	ListScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error)

	// SaveScheduledTask inserts or replaces a schedule by id.
	SaveScheduledTask(ctx context.Context, task *domain.ScheduledTask) error
	DeleteScheduledTask(ctx context.Context, id string) error

	// GetDueScheduledTasks returns enabled schedules whose next run has passed.
	GetDueScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error)

	// UpdateLastRun stamps a run now, moves the next run one interval on and
	// records lastError ("" for success).
	UpdateLastRun(ctx context.Context, id string, lastError string) error
}

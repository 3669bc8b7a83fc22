package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the work a queue task carries.
type TaskType string

const (
	// TaskTypeProcessSubmission advances one submission by one stage.
	TaskTypeProcessSubmission TaskType = "process_submission"

	// Maintenance tasks, enqueued by the scheduler.
	TaskTypeRecoverStalled        TaskType = "recover_stalled"
	TaskTypeDispatchNotifications TaskType = "dispatch_notifications"
	TaskTypeGenerateSlots         TaskType = "generate_slots"
	TaskTypePurgeTasks            TaskType = "purge_tasks"
)

var maintenanceTypes = map[TaskType]bool{
	TaskTypeRecoverStalled:        true,
	TaskTypeDispatchNotifications: true,
	TaskTypeGenerateSlots:         true,
	TaskTypePurgeTasks:            true,
}

// IsMaintenance reports whether t is a periodic maintenance task type.
func (t TaskType) IsMaintenance() bool {
	return maintenanceTypes[t]
}

// ParseTaskType validates a task type name.
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if t == TaskTypeProcessSubmission || t.IsMaintenance() {
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown task type %q", ErrInvalidInput, s)
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

const (
	defaultTaskAttempts = 3
	taskBackoffBase     = time.Second
	taskBackoffMax      = 5 * time.Minute
)

// Task is one unit of queued work. Tasks sharing a Key are never processed
// concurrently; for process_submission the key is the submission id.
type Task struct {
	ID      string            `json:"id"`
	Type    TaskType          `json:"type"`
	Key     string            `json:"key"`
	Payload map[string]string `json:"payload"`
	Status  TaskStatus        `json:"status"`

	// Priority orders ready tasks, higher first (-100..100).
	Priority    int    `json:"priority"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Error       string `json:"error,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
}

// NewTask creates a pending task that is ready immediately.
func NewTask(taskType TaskType, key string, payload map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:           "tsk_" + uuid.NewString(),
		Type:         taskType,
		Key:          key,
		Payload:      payload,
		Status:       TaskStatusPending,
		MaxAttempts:  defaultTaskAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}
}

// NewProcessSubmissionTask creates a task to advance a submission.
// A positive delay schedules it for later (stage retry backoff).
func NewProcessSubmissionTask(submissionID string, delay time.Duration) *Task {
	task := NewTask(TaskTypeProcessSubmission, submissionID, map[string]string{
		"submission_id": submissionID,
	})
	if delay > 0 {
		task.ScheduledFor = task.CreatedAt.Add(delay)
	}
	return task
}

// SubmissionID returns the submission a process_submission task advances.
func (t *Task) SubmissionID() string {
	return t.Payload["submission_id"]
}

// ReadyAt reports whether the task can be handed to a worker at now.
func (t *Task) ReadyAt(now time.Time) bool {
	return t.Status == TaskStatusPending && !t.ScheduledFor.After(now)
}

// Begin marks a delivery to a worker and counts the attempt.
func (t *Task) Begin() {
	now := time.Now()
	t.Status = TaskStatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Attempts++
}

// Complete marks the task done and clears any earlier error.
func (t *Task) Complete() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Error = ""
}

// Fail records a failed attempt. While attempts remain the task goes back to
// pending after an exponential backoff and Fail returns true.
func (t *Task) Fail(reason string) bool {
	if t.Attempts >= t.MaxAttempts {
		t.Abandon(reason)
		return false
	}
	now := time.Now()
	t.Status = TaskStatusPending
	t.UpdatedAt = now
	t.Error = reason
	t.ScheduledFor = now.Add(Backoff(t.Attempts, taskBackoffBase, taskBackoffMax))
	return true
}

// Abandon fails the task with no further attempts.
func (t *Task) Abandon(reason string) {
	t.Status = TaskStatusFailed
	t.UpdatedAt = time.Now()
	t.Error = reason
}

// ScheduledTask is a recurring maintenance job definition.
type ScheduledTask struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      TaskType      `json:"type"`
	Interval  time.Duration `json:"interval"`
	Enabled   bool          `json:"enabled"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
	NextRun   time.Time     `json:"next_run"`
	LastError string        `json:"last_error,omitempty"`
}

// NewScheduledTask creates an enabled schedule whose first run is one
// interval from now.
func NewScheduledTask(id, name string, taskType TaskType, interval time.Duration) *ScheduledTask {
	return &ScheduledTask{
		ID:       id,
		Name:     name,
		Type:     taskType,
		Interval: interval,
		Enabled:  true,
		NextRun:  time.Now().Add(interval),
	}
}

// IsDue reports whether an enabled schedule has reached its next run.
func (s *ScheduledTask) IsDue() bool {
	return s.Enabled && !time.Now().Before(s.NextRun)
}

// Advance records a run at now and moves the next run one interval on.
func (s *ScheduledTask) Advance(now time.Time) {
	s.LastRun = &now
	s.NextRun = now.Add(s.Interval)
}

// DefaultSchedulerConfig returns the maintenance schedules every deployment
// starts with.
func DefaultSchedulerConfig() []*ScheduledTask {
	return []*ScheduledTask{
		NewScheduledTask("recover-stalled", "Recover Stalled Submissions", TaskTypeRecoverStalled, 5*time.Minute),
		NewScheduledTask("dispatch-notifications", "Dispatch Notifications", TaskTypeDispatchNotifications, time.Minute),
		NewScheduledTask("generate-slots", "Extend Appointment Calendar", TaskTypeGenerateSlots, 24*time.Hour),
		NewScheduledTask("purge-tasks", "Purge Finished Tasks", TaskTypePurgeTasks, 6*time.Hour),
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

const schedulerLockName = "scheduler"

// Scheduler turns the maintenance schedules (stalled submission recovery,
// notification dispatch, calendar extension, queue purge) into queue tasks.
// Only one worker node enqueues per cycle when a DistributedLock is set.
type Scheduler struct {
	store     driven.SchedulerStore
	taskQueue driven.TaskQueue
	lock      driven.DistributedLock
	logger    *slog.Logger
	defaults  []*domain.ScheduledTask

	interval     time.Duration
	lockTTL      time.Duration
	lockRequired bool

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Store     driven.SchedulerStore
	TaskQueue driven.TaskQueue
	Lock      driven.DistributedLock // optional
	Logger    *slog.Logger

	// Defaults are seeded on Start. Nil means domain.DefaultSchedulerConfig().
	Defaults []*domain.ScheduledTask

	PollInterval time.Duration // default 30s
	LockTTL      time.Duration // default 2x PollInterval
	// LockRequired skips a cycle when the lock backend errors instead of
	// running it unlocked. A lock held by another node always skips.
	LockRequired bool
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:        cfg.Store,
		taskQueue:    cfg.TaskQueue,
		lock:         cfg.Lock,
		logger:       cfg.Logger,
		defaults:     cfg.Defaults,
		interval:     cfg.PollInterval,
		lockTTL:      cfg.LockTTL,
		lockRequired: cfg.LockRequired,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.defaults == nil {
		s.defaults = domain.DefaultSchedulerConfig()
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 2 * s.interval
	}
	return s
}

// Start seeds the default schedules and runs the polling loop until Stop is
// called or ctx ends. A second Start is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if created, err := s.EnsureDefaults(ctx, s.defaults); err != nil {
		s.logger.Warn("seeding maintenance schedules failed", "error", err)
	} else if created > 0 {
		s.logger.Info("seeded maintenance schedules", "created", created)
	}

	s.logger.Info("scheduler starting", "poll_interval", s.interval)
	go s.loop(ctx)
	return nil
}

// Stop ends the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.enqueueDue(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.enqueueDue(ctx)
		}
	}
}

// acquire takes the cycle lock. ok is false when this node must skip the
// cycle; release is always safe to call.
func (s *Scheduler) acquire(ctx context.Context) (release func(), ok bool) {
	noop := func() {}
	if s.lock == nil {
		return noop, true
	}

	acquired, err := s.lock.Acquire(ctx, schedulerLockName, s.lockTTL)
	switch {
	case err != nil:
		s.logger.Warn("scheduler lock unavailable", "error", err)
		return noop, !s.lockRequired
	case !acquired:
		s.logger.Debug("scheduler lock held by another node, skipping cycle")
		return noop, false
	}
	return func() {
		if err := s.lock.Release(ctx, schedulerLockName); err != nil {
			s.logger.Warn("failed to release scheduler lock", "error", err)
		}
	}, true
}

// enqueueDue enqueues one task per due schedule and moves each schedule's
// next run forward. A failed enqueue is recorded as the schedule's last error.
func (s *Scheduler) enqueueDue(ctx context.Context) {
	release, ok := s.acquire(ctx)
	if !ok {
		return
	}
	defer release()

	due, err := s.store.GetDueScheduledTasks(ctx)
	if err != nil {
		s.logger.Error("failed to load due schedules", "error", err)
		return
	}

	for _, scheduled := range due {
		if !scheduled.IsDue() {
			continue
		}

		lastError := ""
		if _, err := s.enqueue(ctx, scheduled); err != nil {
			s.logger.Error("failed to enqueue maintenance task",
				"scheduled_id", scheduled.ID,
				"error", err,
			)
			lastError = err.Error()
		}
		if err := s.store.UpdateLastRun(ctx, scheduled.ID, lastError); err != nil {
			s.logger.Warn("failed to record schedule run",
				"scheduled_id", scheduled.ID,
				"error", err,
			)
		}
	}
}

// enqueue builds the maintenance task for a schedule. The schedule id is the
// serialization key so two runs of one schedule never overlap, and a
// maintenance task is never retried: the next cycle supersedes it.
func (s *Scheduler) enqueue(ctx context.Context, scheduled *domain.ScheduledTask) (*domain.Task, error) {
	task := domain.NewTask(scheduled.Type, scheduled.ID, map[string]string{
		"scheduled_id": scheduled.ID,
	})
	task.MaxAttempts = 1

	if err := s.taskQueue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("enqueued maintenance task",
		"scheduled_id", scheduled.ID,
		"task_id", task.ID,
		"task_type", task.Type,
	)
	return task, nil
}

// EnsureDefaults stores every default schedule that is not configured yet.
// Existing schedules keep their interval and enabled state.
func (s *Scheduler) EnsureDefaults(ctx context.Context, defaults []*domain.ScheduledTask) (int, error) {
	created := 0
	for _, scheduled := range defaults {
		_, err := s.store.GetScheduledTask(ctx, scheduled.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, err
		}
		if err := s.store.SaveScheduledTask(ctx, scheduled); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// CreateScheduledTask stores a schedule. Only maintenance task types may be
// scheduled; submission processing is always driven by intake.
func (s *Scheduler) CreateScheduledTask(ctx context.Context, scheduled *domain.ScheduledTask) error {
	if scheduled.ID == "" {
		return fmt.Errorf("%w: schedule id is required", domain.ErrInvalidInput)
	}
	if scheduled.Interval <= 0 {
		return fmt.Errorf("%w: schedule interval must be positive", domain.ErrInvalidInput)
	}
	if !scheduled.Type.IsMaintenance() {
		return fmt.Errorf("%w: %s cannot be scheduled", domain.ErrInvalidInput, scheduled.Type)
	}
	return s.store.SaveScheduledTask(ctx, scheduled)
}

func (s *Scheduler) GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	return s.store.GetScheduledTask(ctx, id)
}

func (s *Scheduler) ListScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	return s.store.ListScheduledTasks(ctx)
}

func (s *Scheduler) DeleteScheduledTask(ctx context.Context, id string) error {
	return s.store.DeleteScheduledTask(ctx, id)
}

// SetEnabled pauses or resumes a schedule. Resuming a schedule whose next run
// is already past makes it due on the next cycle.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) (*domain.ScheduledTask, error) {
	scheduled, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if scheduled.Enabled == enabled {
		return scheduled, nil
	}
	scheduled.Enabled = enabled
	if err := s.store.SaveScheduledTask(ctx, scheduled); err != nil {
		return nil, err
	}
	return scheduled, nil
}

// SetInterval changes how often a schedule runs, counting from its last run.
func (s *Scheduler) SetInterval(ctx context.Context, id string, interval time.Duration) (*domain.ScheduledTask, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: schedule interval must be positive", domain.ErrInvalidInput)
	}
	scheduled, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}
	scheduled.Interval = interval
	if scheduled.LastRun != nil {
		scheduled.NextRun = scheduled.LastRun.Add(interval)
	}
	if err := s.store.SaveScheduledTask(ctx, scheduled); err != nil {
		return nil, err
	}
	return scheduled, nil
}

// TriggerNow enqueues a schedule's task immediately, even when the schedule
// is disabled. The regular next run is not moved.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) (*domain.Task, error) {
	scheduled, err := s.store.GetScheduledTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, scheduled)
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven/mocks"
)

// mockSchedulerStore implements driven.SchedulerStore for testing
type mockSchedulerStore struct {
	mu             sync.Mutex
	scheduledTasks map[string]*domain.ScheduledTask
	getDueFn       func() ([]*domain.ScheduledTask, error)
	updateLastFn   func(id string, lastError string) error
}

var _ driven.SchedulerStore = (*mockSchedulerStore)(nil)

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{
		scheduledTasks: make(map[string]*domain.ScheduledTask),
	}
}

func (m *mockSchedulerStore) GetScheduledTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.scheduledTasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

func (m *mockSchedulerStore) ListScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*domain.ScheduledTask, 0, len(m.scheduledTasks))
	for _, task := range m.scheduledTasks {
		result = append(result, task)
	}
	return result, nil
}

func (m *mockSchedulerStore) SaveScheduledTask(ctx context.Context, task *domain.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scheduledTasks[task.ID] = task
	return nil
}

func (m *mockSchedulerStore) DeleteScheduledTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.scheduledTasks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.scheduledTasks, id)
	return nil
}

func (m *mockSchedulerStore) GetDueScheduledTasks(ctx context.Context) ([]*domain.ScheduledTask, error) {
	if m.getDueFn != nil {
		return m.getDueFn()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*domain.ScheduledTask
	for _, task := range m.scheduledTasks {
		if task.Enabled && task.IsDue() {
			result = append(result, task)
		}
	}
	return result, nil
}

func (m *mockSchedulerStore) UpdateLastRun(ctx context.Context, id string, lastError string) error {
	if m.updateLastFn != nil {
		return m.updateLastFn(id, lastError)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.scheduledTasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	task.Advance(time.Now())
	task.LastError = lastError
	return nil
}

func newTestScheduler(cfg SchedulerConfig) (*Scheduler, *mockSchedulerStore, *mocks.MockTaskQueue) {
	store := newMockSchedulerStore()
	queue := mocks.NewMockTaskQueue()
	cfg.Store = store
	cfg.TaskQueue = queue
	return NewScheduler(cfg), store, queue
}

func dueTask(id string, taskType domain.TaskType) *domain.ScheduledTask {
	scheduled := domain.NewScheduledTask(id, id, taskType, time.Hour)
	scheduled.NextRun = time.Now().Add(-time.Minute)
	return scheduled
}

func TestNewScheduler_Defaults(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})

	if s.interval != 30*time.Second {
		t.Errorf("expected default interval 30s, got %v", s.interval)
	}
	if s.lockTTL != 60*time.Second {
		t.Errorf("expected default lock ttl 60s, got %v", s.lockTTL)
	}
	if s.logger == nil {
		t.Error("expected default logger")
	}
}


func TestScheduler_StartStop(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{PollInterval: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		t.Error("expected scheduler to be running")
	}

	// Start again should be no-op
	if err := s.Start(ctx); err != nil {
		t.Errorf("second start should not error: %v", err)
	}

	s.Stop()

	s.mu.RLock()
	running = s.running
	s.mu.RUnlock()
	if running {
		t.Error("expected scheduler to be stopped")
	}

	s.Stop() // Should not panic
}

func TestScheduler_EnqueueDue(t *testing.T) {
	s, _, queue := newTestScheduler(SchedulerConfig{PollInterval: time.Hour})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, dueTask("recover-stalled", domain.TaskTypeRecoverStalled))

	notDue := domain.NewScheduledTask("generate-slots", "Slots", domain.TaskTypeGenerateSlots, time.Hour)
	notDue.NextRun = time.Now().Add(time.Hour)
	_ = s.CreateScheduledTask(ctx, notDue)

	disabled := dueTask("purge-tasks", domain.TaskTypePurgeTasks)
	disabled.Enabled = false
	_ = s.CreateScheduledTask(ctx, disabled)

	s.enqueueDue(ctx)

	enqueued := queue.Tasks()
	if len(enqueued) != 1 {
		t.Fatalf("expected 1 enqueued task, got %d", len(enqueued))
	}
	task := enqueued[0]
	if task.Type != domain.TaskTypeRecoverStalled {
		t.Errorf("expected recover_stalled, got %s", task.Type)
	}
	if task.Key != "recover-stalled" {
		t.Errorf("expected schedule id as key, got %s", task.Key)
	}

	stored, _ := s.GetScheduledTask(ctx, "recover-stalled")
	if stored.LastRun == nil || !stored.NextRun.After(time.Now()) {
		t.Error("expected next run to move forward")
	}

	// Not due any more.
	s.enqueueDue(ctx)
	if len(queue.Tasks()) != 1 {
		t.Errorf("expected no second enqueue, got %d tasks", len(queue.Tasks()))
	}
}

func TestScheduler_EnqueueDue_EnqueueError(t *testing.T) {
	s, store, queue := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	var lastErrorRecorded string
	store.updateLastFn = func(id string, lastError string) error {
		lastErrorRecorded = lastError
		return nil
	}
	queue.EnqueueFn = func(task *domain.Task) error {
		return errors.New("queue unavailable")
	}

	_ = s.CreateScheduledTask(ctx, dueTask("dispatch-notifications", domain.TaskTypeDispatchNotifications))
	s.enqueueDue(ctx)

	if lastErrorRecorded != "queue unavailable" {
		t.Errorf("expected last error 'queue unavailable', got %q", lastErrorRecorded)
	}
}

func TestScheduler_EnqueueDue_LockHeldElsewhere(t *testing.T) {
	lock := mocks.NewMockDistributedLock()
	lock.SetLockHeld("scheduler", time.Minute)
	s, _, queue := newTestScheduler(SchedulerConfig{Lock: lock})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, dueTask("recover-stalled", domain.TaskTypeRecoverStalled))
	s.enqueueDue(ctx)

	if len(queue.Tasks()) != 0 {
		t.Errorf("expected no enqueue while another instance holds the lock, got %d", len(queue.Tasks()))
	}
}

func TestScheduler_EnqueueDue_LockError(t *testing.T) {
	lock := mocks.NewMockDistributedLock()
	lock.AcquireFn = func(name string, ttl time.Duration) (bool, error) {
		return false, errors.New("redis down")
	}
	s, _, queue := newTestScheduler(SchedulerConfig{Lock: lock, LockRequired: true})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, dueTask("recover-stalled", domain.TaskTypeRecoverStalled))
	s.enqueueDue(ctx)

	if len(queue.Tasks()) != 0 {
		t.Error("expected cycle to be skipped when the lock is required")
	}
}

func TestScheduler_EnqueueDue_LockErrorRunsUnlocked(t *testing.T) {
	lock := mocks.NewMockDistributedLock()
	lock.AcquireFn = func(name string, ttl time.Duration) (bool, error) {
		return false, errors.New("redis down")
	}
	released := false
	lock.ReleaseFn = func(name string) error {
		released = true
		return nil
	}
	s, _, queue := newTestScheduler(SchedulerConfig{Lock: lock})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, dueTask("recover-stalled", domain.TaskTypeRecoverStalled))
	s.enqueueDue(ctx)

	if len(queue.Tasks()) != 1 {
		t.Errorf("expected the cycle to run without the lock, got %d tasks", len(queue.Tasks()))
	}
	if released {
		t.Error("expected no release of a lock that was never taken")
	}
}

func TestScheduler_EnqueueDue_ReleasesLock(t *testing.T) {
	lock := mocks.NewMockDistributedLock()
	s, _, queue := newTestScheduler(SchedulerConfig{Lock: lock})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, dueTask("recover-stalled", domain.TaskTypeRecoverStalled))
	s.enqueueDue(ctx)

	if len(queue.Tasks()) != 1 {
		t.Errorf("expected 1 task, got %d", len(queue.Tasks()))
	}
	if lock.IsHeld("scheduler") {
		t.Error("expected scheduler lock to be released")
	}
	if lock.Acquisitions("scheduler") != 1 {
		t.Errorf("expected 1 acquisition, got %d", lock.Acquisitions("scheduler"))
	}
}

func TestScheduler_EnsureDefaults(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	custom := domain.NewScheduledTask("recover-stalled", "Recover", domain.TaskTypeRecoverStalled, 10*time.Minute)
	custom.Enabled = false
	_ = s.CreateScheduledTask(ctx, custom)

	defaults := domain.DefaultSchedulerConfig()
	created, err := s.EnsureDefaults(ctx, defaults)
	if err != nil {
		t.Fatalf("ensure defaults failed: %v", err)
	}
	if created != len(defaults)-1 {
		t.Errorf("expected %d created, got %d", len(defaults)-1, created)
	}

	stored, _ := s.GetScheduledTask(ctx, "recover-stalled")
	if stored.Enabled || stored.Interval != 10*time.Minute {
		t.Error("expected existing schedule to be left untouched")
	}

	all, _ := s.ListScheduledTasks(ctx)
	if len(all) != len(defaults) {
		t.Errorf("expected %d schedules, got %d", len(defaults), len(all))
	}

	created, _ = s.EnsureDefaults(ctx, defaults)
	if created != 0 {
		t.Errorf("expected second call to create nothing, got %d", created)
	}
}

func TestScheduler_CreateValidates(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	tests := []struct {
		name      string
		scheduled *domain.ScheduledTask
	}{
		{"missing id", domain.NewScheduledTask("", "x", domain.TaskTypePurgeTasks, time.Hour)},
		{"zero interval", domain.NewScheduledTask("p", "x", domain.TaskTypePurgeTasks, 0)},
		{"submission task", domain.NewScheduledTask("p", "x", domain.TaskTypeProcessSubmission, time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.CreateScheduledTask(ctx, tt.scheduled); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestScheduler_SetIntervalAndDelete(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	scheduled := domain.NewScheduledTask("s1", "Purge", domain.TaskTypePurgeTasks, time.Hour)
	lastRun := time.Now().Add(-30 * time.Minute)
	scheduled.LastRun = &lastRun
	_ = s.CreateScheduledTask(ctx, scheduled)

	updated, err := s.SetInterval(ctx, "s1", 2*time.Hour)
	if err != nil {
		t.Fatalf("failed to set interval: %v", err)
	}
	if updated.Interval != 2*time.Hour || !updated.NextRun.Equal(lastRun.Add(2*time.Hour)) {
		t.Errorf("unexpected schedule after update: %+v", updated)
	}
	if _, err := s.SetInterval(ctx, "s1", 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	if err := s.DeleteScheduledTask(ctx, "s1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := s.GetScheduledTask(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_SetEnabled(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, domain.NewScheduledTask("s1", "Slots", domain.TaskTypeGenerateSlots, time.Hour))

	got, err := s.SetEnabled(ctx, "s1", false)
	if err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	if got.Enabled {
		t.Error("expected disabled")
	}

	got, _ = s.SetEnabled(ctx, "s1", true)
	if !got.Enabled {
		t.Error("expected enabled")
	}

	if _, err := s.SetEnabled(ctx, "missing", true); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_StartSeedsDefaults(t *testing.T) {
	s, store, _ := newTestScheduler(SchedulerConfig{PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	s.Stop()

	all, _ := store.ListScheduledTasks(ctx)
	if len(all) != len(domain.DefaultSchedulerConfig()) {
		t.Errorf("expected default schedules seeded, got %d", len(all))
	}
}

func TestScheduler_TriggerNow(t *testing.T) {
	s, _, queue := newTestScheduler(SchedulerConfig{})
	ctx := context.Background()

	_ = s.CreateScheduledTask(ctx, domain.NewScheduledTask("generate-slots", "Slots", domain.TaskTypeGenerateSlots, time.Hour))

	task, err := s.TriggerNow(ctx, "generate-slots")
	if err != nil {
		t.Fatalf("failed to trigger: %v", err)
	}
	if task.Type != domain.TaskTypeGenerateSlots {
		t.Errorf("expected generate_slots, got %s", task.Type)
	}
	if task.Payload["scheduled_id"] != "generate-slots" {
		t.Errorf("expected scheduled id in payload, got %v", task.Payload)
	}
	if len(queue.Tasks()) != 1 {
		t.Errorf("expected 1 enqueued task, got %d", len(queue.Tasks()))
	}

	if _, err := s.TriggerNow(ctx, "nonexistent"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScheduler_ContextCancellation(t *testing.T) {
	s, _, _ := newTestScheduler(SchedulerConfig{PollInterval: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	time.Sleep(200 * time.Millisecond)

	// The loop exited on its own; Stop only resets state.
	s.Stop()

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if running {
		t.Error("expected scheduler to be stopped after context cancellation")
	}
}

package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// MockTaskQueue is an in-memory TaskQueue. Dequeue only returns tasks whose
// ScheduledFor has passed.
type MockTaskQueue struct {
	mu    sync.Mutex
	tasks []*domain.Task
	acked []string

	EnqueueFn func(task *domain.Task) error
	PingFn    func() error
}

func NewMockTaskQueue() *MockTaskQueue {
	return &MockTaskQueue{}
}

func (m *MockTaskQueue) Enqueue(ctx context.Context, task *domain.Task) error {
	if m.EnqueueFn != nil {
		if err := m.EnqueueFn(task); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *MockTaskQueue) EnqueueBatch(ctx context.Context, tasks []*domain.Task) error {
	for _, t := range tasks {
		if err := m.Enqueue(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockTaskQueue) Dequeue(ctx context.Context) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, t := range m.tasks {
		if t.ReadyAt(now) {
			t.Begin()
			return t, nil
		}
	}
	return nil, nil
}

func (m *MockTaskQueue) DequeueWithTimeout(ctx context.Context, timeout time.Duration) (*domain.Task, error) {
	return m.Dequeue(ctx)
}

func (m *MockTaskQueue) Ack(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.find(taskID); t != nil {
		t.Complete()
	}
	m.acked = append(m.acked, taskID)
	return nil
}

func (m *MockTaskQueue) Nack(ctx context.Context, taskID string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.find(taskID)
	if t == nil {
		return domain.ErrNotFound
	}
	t.Fail(reason)
	return nil
}

func (m *MockTaskQueue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.find(taskID); t != nil {
		return t, nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockTaskQueue) ListTasks(ctx context.Context, filter driven.TaskFilter) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Task
	for _, t := range m.tasks {
		if filter.Key != "" && t.Key != filter.Key {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MockTaskQueue) CancelTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tasks {
		if t.ID == taskID {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockTaskQueue) PurgeTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.tasks[:0]
	purged := 0
	for _, t := range m.tasks {
		if t.Status == domain.TaskStatusCompleted || t.Status == domain.TaskStatusFailed {
			purged++
			continue
		}
		kept = append(kept, t)
	}
	m.tasks = kept
	return purged, nil
}

func (m *MockTaskQueue) Stats(ctx context.Context) (*driven.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &driven.QueueStats{}
	for _, t := range m.tasks {
		switch t.Status {
		case domain.TaskStatusPending:
			stats.PendingCount++
		case domain.TaskStatusProcessing:
			stats.ProcessingCount++
		case domain.TaskStatusCompleted:
			stats.CompletedCount++
		case domain.TaskStatusFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (m *MockTaskQueue) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

func (m *MockTaskQueue) Close() error {
	return nil
}

func (m *MockTaskQueue) find(id string) *domain.Task {
	for _, t := range m.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Helper methods for testing

// Tasks returns every task ever enqueued and not cancelled or purged.
func (m *MockTaskQueue) Tasks() []*domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Task(nil), m.tasks...)
}

// Pending returns tasks still waiting, including delayed ones.
func (m *MockTaskQueue) Pending() []*domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskStatusPending {
			out = append(out, t)
		}
	}
	return out
}

// Acked returns acknowledged task IDs.
func (m *MockTaskQueue) Acked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

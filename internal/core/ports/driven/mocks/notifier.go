package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// MockNotifier records published events.
type MockNotifier struct {
	mu     sync.Mutex
	events []*domain.TerminalEvent

	NotifyFn func(ev *domain.TerminalEvent) error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) Notify(ctx context.Context, ev *domain.TerminalEvent) error {
	if m.NotifyFn != nil {
		if err := m.NotifyFn(ev); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

// Events returns every published event.
func (m *MockNotifier) Events() []*domain.TerminalEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.TerminalEvent(nil), m.events...)
}

// Count returns how many events were published for a submission.
func (m *MockNotifier) Count(submissionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.SubmissionID == submissionID {
			n++
		}
	}
	return n
}

package mocks

import (
	"context"
	"errors"
	"sync"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Reply is one scripted reasoning response.
type Reply struct {
	Text string
	Err  error
}

// MockReasoningService replays scripted replies in order. When the script is
// exhausted it keeps returning Default.
type MockReasoningService struct {
	mu       sync.Mutex
	script   []Reply
	requests []driven.ReasoningRequest

	Default    Reply
	GenerateFn func(req driven.ReasoningRequest) (string, error)
	ModelName  string
}

// NewMockReasoningService creates a mock with the given script.
func NewMockReasoningService(script ...Reply) *MockReasoningService {
	return &MockReasoningService{
		script:    script,
		Default:   Reply{Err: errors.New("mock reasoning: no scripted reply")},
		ModelName: "mock-llm",
	}
}

func (m *MockReasoningService) Generate(ctx context.Context, req driven.ReasoningRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.GenerateFn != nil {
		fn := m.GenerateFn
		m.mu.Unlock()
		return fn(req)
	}
	reply := m.Default
	if len(m.script) > 0 {
		reply = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()
	return reply.Text, reply.Err
}

func (m *MockReasoningService) Model() string {
	return m.ModelName
}

func (m *MockReasoningService) Ping(ctx context.Context) error {
	return nil
}

func (m *MockReasoningService) Close() error {
	return nil
}

// Push appends replies to the script.
func (m *MockReasoningService) Push(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, replies...)
}

// Calls returns how many times Generate was invoked.
func (m *MockReasoningService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns every request received.
func (m *MockReasoningService) Requests() []driven.ReasoningRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driven.ReasoningRequest(nil), m.requests...)
}

package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDistributedLock keeps locks in memory with TTLs. Hooks override the
// default behaviour when set.
type MockDistributedLock struct {
	mu       sync.Mutex
	locks    map[string]time.Time
	acquired map[string]int
	extended map[string]int

	AcquireFn func(name string, ttl time.Duration) (bool, error)
	ReleaseFn func(name string) error
	ExtendFn  func(name string, ttl time.Duration) error
	PingFn    func() error
}

// NewMockDistributedLock creates a new mock distributed lock.
func NewMockDistributedLock() *MockDistributedLock {
	return &MockDistributedLock{
		locks:    make(map[string]time.Time),
		acquired: make(map[string]int),
		extended: make(map[string]int),
	}
}

func (m *MockDistributedLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if m.AcquireFn != nil {
		return m.AcquireFn(name, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.locks[name]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	m.locks[name] = time.Now().Add(ttl)
	m.acquired[name]++
	return true, nil
}

func (m *MockDistributedLock) Release(ctx context.Context, name string) error {
	if m.ReleaseFn != nil {
		return m.ReleaseFn(name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, name)
	return nil
}

func (m *MockDistributedLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	if m.ExtendFn != nil {
		return m.ExtendFn(name, ttl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiry, ok := m.locks[name]
	if !ok || time.Now().After(expiry) {
		return fmt.Errorf("lock %s not held", name)
	}
	m.locks[name] = time.Now().Add(ttl)
	m.extended[name]++
	return nil
}

func (m *MockDistributedLock) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

// IsHeld checks if a lock is currently held (for test assertions).
func (m *MockDistributedLock) IsHeld(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.locks[name]
	return ok && time.Now().Before(expiry)
}

// SetLockHeld forces a lock to be held by someone else (for test setup).
func (m *MockDistributedLock) SetLockHeld(name string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[name] = time.Now().Add(ttl)
}

// Acquisitions returns how many times name was successfully acquired.
func (m *MockDistributedLock) Acquisitions(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired[name]
}

// Extensions returns how many times name was successfully extended.
func (m *MockDistributedLock) Extensions(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extended[name]
}

package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// MockSlotStore is an in-memory SlotStore. ReserveEarliest holds the store
// mutex for the whole check-and-increment, like the row lock in Postgres.
type MockSlotStore struct {
	mu           sync.Mutex
	slots        []*domain.AppointmentSlot
	appointments map[string]*domain.Appointment

	ReserveFn func(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error)
	reserves  int
}

// NewMockSlotStore creates an empty slot store.
func NewMockSlotStore() *MockSlotStore {
	return &MockSlotStore{appointments: make(map[string]*domain.Appointment)}
}

func (m *MockSlotStore) ReserveEarliest(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error) {
	if m.ReserveFn != nil {
		return m.ReserveFn(ctx, submissionID, window)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserves++

	if appt, ok := m.appointments[submissionID]; ok {
		cp := *appt
		return &cp, nil
	}

	for _, slot := range m.sorted() {
		if slot.StartTime.Before(window.Start) || !slot.StartTime.Before(window.End) || !slot.HasCapacity() {
			continue
		}
		slot.ReservedCount++
		appt := &domain.Appointment{
			ID:           uuid.NewString(),
			SubmissionID: submissionID,
			SlotID:       slot.ID,
			StartTime:    slot.StartTime,
			EndTime:      slot.EndTime(),
			Location:     slot.Location,
			CreatedAt:    time.Now(),
		}
		m.appointments[submissionID] = appt
		cp := *appt
		return &cp, nil
	}
	return nil, domain.ErrNoAvailability
}

func (m *MockSlotStore) GetAppointment(ctx context.Context, submissionID string) (*domain.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt, ok := m.appointments[submissionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *appt
	return &cp, nil
}

func (m *MockSlotStore) CreateSlots(ctx context.Context, slots []*domain.AppointmentSlot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := 0
	for _, s := range slots {
		if m.exists(s) {
			continue
		}
		cp := *s
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.CreatedAt = time.Now()
		m.slots = append(m.slots, &cp)
		created++
	}
	return created, nil
}

func (m *MockSlotStore) exists(s *domain.AppointmentSlot) bool {
	for _, existing := range m.slots {
		if existing.StartTime.Equal(s.StartTime) && existing.Location == s.Location {
			return true
		}
	}
	return false
}

func (m *MockSlotStore) ListAvailable(ctx context.Context, window domain.TimeWindow, limit int) ([]*domain.AppointmentSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.AppointmentSlot
	for _, s := range m.sorted() {
		if s.StartTime.Before(window.Start) || !s.StartTime.Before(window.End) || !s.HasCapacity() {
			continue
		}
		cp := *s
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockSlotStore) GetSlot(ctx context.Context, id string) (*domain.AppointmentSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSlotStore) sorted() []*domain.AppointmentSlot {
	out := append([]*domain.AppointmentSlot(nil), m.slots...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Helper methods for testing

// ReserveCalls returns how many times ReserveEarliest ran against the store.
func (m *MockSlotStore) ReserveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserves
}

// AppointmentCount returns the number of appointments created.
func (m *MockSlotStore) AppointmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appointments)
}

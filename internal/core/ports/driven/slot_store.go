package driven

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// SlotStore persists appointment capacity. ReserveEarliest is the only
// operation that mutates reserved counts and must be atomic across workers.
type SlotStore interface {
	// ReserveEarliest picks the earliest slot in window with spare capacity,
	// increments its reserved count and records the appointment, atomically.
	// If the submission already holds an appointment it is returned unchanged.
	// Returns domain.ErrNoAvailability when no slot fits.
	ReserveEarliest(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error)

	// GetAppointment returns the appointment of a submission, or domain.ErrNotFound.
	GetAppointment(ctx context.Context, submissionID string) (*domain.Appointment, error)

	// CreateSlots inserts slots whose start time is not yet present.
	// Returns the number inserted.
	CreateSlots(ctx context.Context, slots []*domain.AppointmentSlot) (int, error)

	// ListAvailable returns slots with spare capacity in window, earliest first.
	ListAvailable(ctx context.Context, window domain.TimeWindow, limit int) ([]*domain.AppointmentSlot, error)

	// GetSlot retrieves a slot by ID.
	GetSlot(ctx context.Context, id string) (*domain.AppointmentSlot, error)
}

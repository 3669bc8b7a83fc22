package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// AppointmentService allocates appointment capacity.
type AppointmentService interface {
	// Reserve books the earliest free slot in window for a submission
	Reserve(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error)

	// GenerateSlots extends the calendar from a day on; idempotent
	GenerateSlots(ctx context.Context, from time.Time, days int) (int, error)

	// ListAvailable lists slots with spare capacity
	ListAvailable(ctx context.Context, window domain.TimeWindow, limit int) ([]*domain.AppointmentSlot, error)

	// GetAppointment returns the appointment of a submission
	GetAppointment(ctx context.Context, submissionID string) (*domain.Appointment, error)
}

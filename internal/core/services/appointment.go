package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
)

// Ensure appointmentService implements AppointmentService
var _ driving.AppointmentService = (*appointmentService)(nil)

// appointmentService reserves slots for compliant submissions and maintains
// the slot calendar. The capacity check and increment happen inside the
// SlotStore in one atomic step.
type appointmentService struct {
	slots    driven.SlotStore
	duration time.Duration
	capacity int
	location string
	timeout  time.Duration
	logger   *slog.Logger
}

// AppointmentServiceConfig holds dependencies for the appointment service.
type AppointmentServiceConfig struct {
	SlotStore    driven.SlotStore
	SlotDuration time.Duration
	SlotCapacity int
	Location     string
	Logger       *slog.Logger

	// ReserveTimeout bounds one reservation against the slot store.
	ReserveTimeout time.Duration
}

// NewAppointmentService creates a new AppointmentService
func NewAppointmentService(cfg AppointmentServiceConfig) driving.AppointmentService {
	s := &appointmentService{
		slots:    cfg.SlotStore,
		duration: cfg.SlotDuration,
		capacity: cfg.SlotCapacity,
		location: cfg.Location,
		timeout:  cfg.ReserveTimeout,
		logger:   cfg.Logger,
	}
	if s.duration <= 0 {
		s.duration = time.Hour
	}
	if s.capacity <= 0 {
		s.capacity = 1
	}
	if s.timeout <= 0 {
		s.timeout = DefaultReserveTimeout
	}
	if s.location == "" {
		s.location = domain.DefaultLocation
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Reserve books the earliest slot in window with free capacity. It is
// idempotent per submission. domain.ErrNoAvailability is returned as is so
// the caller can widen the window; other errors are transient failures.
func (s *appointmentService) Reserve(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error) {
	if err := window.Validate(); err != nil {
		return nil, domain.NewPermanentFailure(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	appt, err := s.slots.ReserveEarliest(callCtx, submissionID, window)
	if err != nil {
		if errors.Is(err, domain.ErrNoAvailability) {
			return nil, err
		}
		return nil, callFailure(ctx, callCtx, fmt.Errorf("reserve slot: %w", err))
	}

	s.logger.Info("appointment reserved",
		"submission_id", submissionID,
		"slot_id", appt.SlotID,
		"start_time", appt.StartTime,
	)
	return appt, nil
}

// GenerateSlots adds the working-day calendar for the given number of days.
// Existing slots are left untouched.
func (s *appointmentService) GenerateSlots(ctx context.Context, from time.Time, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", domain.ErrInvalidInput)
	}
	slots := domain.SlotCalendar(from, days, s.duration, s.capacity, s.location)
	created, err := s.slots.CreateSlots(ctx, slots)
	if err != nil {
		return 0, fmt.Errorf("create slots: %w", err)
	}
	s.logger.Info("appointment slots generated", "created", created, "candidates", len(slots), "days", days)
	return created, nil
}

func (s *appointmentService) ListAvailable(ctx context.Context, window domain.TimeWindow, limit int) ([]*domain.AppointmentSlot, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	return s.slots.ListAvailable(ctx, window, limit)
}

func (s *appointmentService) GetAppointment(ctx context.Context, submissionID string) (*domain.Appointment, error) {
	return s.slots.GetAppointment(ctx, submissionID)
}

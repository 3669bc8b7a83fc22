package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SlotStore = (*SlotStore)(nil)

// reserveAttempts bounds how often ReserveEarliest re-reads after losing a
// row to a concurrent reservation.
const reserveAttempts = 5

// SlotStore implements driven.SlotStore. Reservations lock the chosen slot
// row, so reserved_count never passes capacity (also enforced by a CHECK).
type SlotStore struct {
	db *DB
}

// NewSlotStore creates a new SlotStore
func NewSlotStore(db *DB) *SlotStore {
	return &SlotStore{db: db}
}

const slotColumns = `id, start_time, duration_ns, capacity, reserved_count, location, created_at`

func scanSlot(row rowScanner) (*domain.AppointmentSlot, error) {
	var slot domain.AppointmentSlot
	var durationNs int64
	err := row.Scan(
		&slot.ID,
		&slot.StartTime,
		&durationNs,
		&slot.Capacity,
		&slot.ReservedCount,
		&slot.Location,
		&slot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	slot.Duration = time.Duration(durationNs)
	return &slot, nil
}

const appointmentColumns = `id, submission_id, slot_id, start_time, end_time, location, created_at`

func scanAppointment(row rowScanner) (*domain.Appointment, error) {
	var appt domain.Appointment
	err := row.Scan(
		&appt.ID,
		&appt.SubmissionID,
		&appt.SlotID,
		&appt.StartTime,
		&appt.EndTime,
		&appt.Location,
		&appt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &appt, nil
}

// ReserveEarliest reserves the earliest open slot in window for submissionID.
func (s *SlotStore) ReserveEarliest(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < reserveAttempts; attempt++ {
		appt, err := s.reserve(ctx, submissionID, window)
		if !errors.Is(err, errSlotRace) {
			return appt, err
		}
	}
	return nil, fmt.Errorf("%w: slot contention", domain.ErrNoAvailability)
}

// errSlotRace means the locked row filled up while this transaction waited.
var errSlotRace = errors.New("slot taken concurrently")

func (s *SlotStore) reserve(ctx context.Context, submissionID string, window domain.TimeWindow) (*domain.Appointment, error) {
	var appt *domain.Appointment

	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		existing, err := scanAppointment(tx.QueryRowContext(ctx,
			`SELECT `+appointmentColumns+` FROM appointments WHERE submission_id = $1`, submissionID))
		if err == nil {
			appt = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get appointment: %w", err)
		}

		// After waiting on a row lock Postgres re-checks the WHERE clause, so a
		// slot filled by another transaction comes back as no row.
		slot, err := scanSlot(tx.QueryRowContext(ctx, `
			SELECT `+slotColumns+`
			FROM appointment_slots
			WHERE start_time >= $1 AND start_time < $2 AND reserved_count < capacity
			ORDER BY start_time ASC, id ASC
			LIMIT 1
			FOR UPDATE
		`, window.Start, window.End))
		if errors.Is(err, sql.ErrNoRows) {
			open, err := s.hasOpenSlot(ctx, tx, window)
			if err != nil {
				return err
			}
			if open {
				return errSlotRace
			}
			return domain.ErrNoAvailability
		}
		if err != nil {
			return fmt.Errorf("select slot: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE appointment_slots SET reserved_count = reserved_count + 1 WHERE id = $1`, slot.ID); err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}

		appt = &domain.Appointment{
			ID:           uuid.NewString(),
			SubmissionID: submissionID,
			SlotID:       slot.ID,
			StartTime:    slot.StartTime,
			EndTime:      slot.EndTime(),
			Location:     slot.Location,
			CreatedAt:    time.Now(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO appointments (`+appointmentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			appt.ID,
			appt.SubmissionID,
			appt.SlotID,
			appt.StartTime,
			appt.EndTime,
			appt.Location,
			appt.CreatedAt,
		)
		if IsUniqueViolation(err) {
			// Another worker booked this submission first; roll back ours.
			return errSlotRace
		}
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *SlotStore) hasOpenSlot(ctx context.Context, tx *sql.Tx, window domain.TimeWindow) (bool, error) {
	var open bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointment_slots
			WHERE start_time >= $1 AND start_time < $2 AND reserved_count < capacity
		)
	`, window.Start, window.End).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("check open slots: %w", err)
	}
	return open, nil
}

// GetAppointment returns the appointment of a submission.
func (s *SlotStore) GetAppointment(ctx context.Context, submissionID string) (*domain.Appointment, error) {
	appt, err := scanAppointment(s.db.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE submission_id = $1`, submissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return appt, err
}

// CreateSlots inserts slots whose start time and location are new.
func (s *SlotStore) CreateSlots(ctx context.Context, slots []*domain.AppointmentSlot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}

	created := 0
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO appointment_slots (`+slotColumns+`)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
			ON CONFLICT (start_time, location) DO NOTHING
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now()
		for _, slot := range slots {
			if slot.Capacity <= 0 {
				return fmt.Errorf("%w: slot capacity must be positive", domain.ErrInvalidInput)
			}
			if slot.ID == "" {
				slot.ID = uuid.NewString()
			}
			if slot.CreatedAt.IsZero() {
				slot.CreatedAt = now
			}
			result, err := stmt.ExecContext(ctx,
				slot.ID,
				slot.StartTime,
				int64(slot.Duration),
				slot.Capacity,
				slot.Location,
				slot.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert slot: %w", err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			created += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// ListAvailable returns open slots in window, earliest first.
func (s *SlotStore) ListAvailable(ctx context.Context, window domain.TimeWindow, limit int) ([]*domain.AppointmentSlot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+slotColumns+`
		FROM appointment_slots
		WHERE start_time >= $1 AND start_time < $2 AND reserved_count < capacity
		ORDER BY start_time ASC, id ASC
		LIMIT NULLIF($3, 0)
	`, window.Start, window.End, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*domain.AppointmentSlot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, rows.Err()
}

// GetSlot retrieves a slot by ID
func (s *SlotStore) GetSlot(ctx context.Context, id string) (*domain.AppointmentSlot, error) {
	slot, err := scanSlot(s.db.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM appointment_slots WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return slot, err
}

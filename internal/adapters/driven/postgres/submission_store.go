package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.SubmissionStore = (*SubmissionStore)(nil)
	_ driven.OutboxStore     = (*SubmissionStore)(nil)
)

// SubmissionStore implements driven.SubmissionStore and driven.OutboxStore.
// Every transition is a compare-and-swap on submissions.version in the same
// transaction as the stage history row, and for terminal stages the outbox row.
type SubmissionStore struct {
	db *DB
}

// NewSubmissionStore creates a new SubmissionStore
func NewSubmissionStore(db *DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

const submissionColumns = `
	id, message_id, sender, subject, body, attachments, received_at, stage, status,
	stage_attempts, invalid_responses, cancel_requested, failure_kind, failure_reason,
	failed_stage, last_error, version, created_at, updated_at`

func scanSubmission(row rowScanner) (*domain.Submission, error) {
	var sub domain.Submission
	var attachments []byte

	err := row.Scan(
		&sub.ID,
		&sub.MessageID,
		&sub.Sender,
		&sub.Subject,
		&sub.Body,
		&attachments,
		&sub.ReceivedAt,
		&sub.Stage,
		&sub.Status,
		&sub.StageAttempts,
		&sub.InvalidResponses,
		&sub.CancelRequested,
		&sub.FailureKind,
		&sub.FailureReason,
		&sub.FailedStage,
		&sub.LastError,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(attachments, &sub.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return &sub, nil
}

// Create inserts the submission unless its ID exists. The RECEIVED history
// entry is written in the same transaction.
func (s *SubmissionStore) Create(ctx context.Context, sub *domain.Submission) (*domain.Submission, bool, error) {
	attachments, err := jsonValue(sub.Attachments)
	if err != nil {
		return nil, false, err
	}

	created := false
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO submissions (`+submissionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, FALSE, '', '', '', '', 1, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`,
			sub.ID,
			sub.MessageID,
			sub.Sender,
			sub.Subject,
			sub.Body,
			attachments,
			sub.ReceivedAt,
			sub.Stage,
			sub.Status,
			sub.CreatedAt,
			sub.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert submission: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		created = true
		return appendHistory(ctx, tx, domain.StageRecord{
			SubmissionID: sub.ID,
			Stage:        sub.Stage,
			Outcome:      domain.OutcomeEntered,
			At:           sub.CreatedAt,
		})
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		sub.Version = 1
		return sub, true, nil
	}
	existing, err := s.Get(ctx, sub.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get retrieves a submission by ID
func (s *SubmissionStore) Get(ctx context.Context, id string) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Transition persists sub and appends rec if sub.Version is current.
func (s *SubmissionStore) Transition(ctx context.Context, sub *domain.Submission, rec domain.StageRecord) error {
	version := sub.Version
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return s.transition(ctx, tx, sub, rec)
	})
	if err != nil {
		sub.Version = version
	}
	return err
}

// Finalize is Transition plus the terminal event insert.
func (s *SubmissionStore) Finalize(ctx context.Context, sub *domain.Submission, rec domain.StageRecord, ev *domain.TerminalEvent) error {
	appointment, err := jsonValue(ev.Appointment)
	if err != nil {
		return err
	}

	version := sub.Version
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := s.transition(ctx, tx, sub, rec); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO terminal_events (
				submission_id, status, verdict_summary, appointment, failure_kind,
				reason, last_stage, recipient, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (submission_id) DO NOTHING
		`,
			ev.SubmissionID,
			ev.Status,
			ev.VerdictSummary,
			appointment,
			ev.FailureKind,
			ev.Reason,
			ev.LastStage,
			ev.Recipient,
			ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert terminal event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: terminal event for %s", domain.ErrAlreadyExists, sub.ID)
		}
		return nil
	})
	if err != nil {
		// A rolled back transition must not leak its version bump.
		sub.Version = version
	}
	return err
}

func (s *SubmissionStore) transition(ctx context.Context, tx *sql.Tx, sub *domain.Submission, rec domain.StageRecord) error {
	var (
		cancel    bool
		updatedAt time.Time
	)
	err := tx.QueryRowContext(ctx, `
		UPDATE submissions SET
			stage = $3,
			status = $4,
			stage_attempts = $5,
			invalid_responses = $6,
			cancel_requested = cancel_requested OR $7,
			failure_kind = $8,
			failure_reason = $9,
			failed_stage = $10,
			last_error = $11,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2 AND stage NOT IN ('DONE', 'FAILED')
		RETURNING cancel_requested, updated_at
	`,
		sub.ID,
		sub.Version,
		sub.Stage,
		sub.Status,
		sub.StageAttempts,
		sub.InvalidResponses,
		sub.CancelRequested,
		sub.FailureKind,
		sub.FailureReason,
		sub.FailedStage,
		sub.LastError,
	).Scan(&cancel, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return fmt.Errorf("%w: submission %s changed concurrently", domain.ErrAlreadyExists, sub.ID)
	}
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}

	sub.Version++
	sub.CancelRequested = cancel
	sub.UpdatedAt = updatedAt

	rec.SubmissionID = sub.ID
	if rec.At.IsZero() {
		rec.At = updatedAt
	}
	return appendHistory(ctx, tx, rec)
}

// appendHistory writes the next stage history entry. Callers hold the
// submission row lock, so the sequence cannot race.
func appendHistory(ctx context.Context, tx *sql.Tx, rec domain.StageRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stage_history (submission_id, seq, stage, attempt, outcome, detail, at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6
		FROM stage_history WHERE submission_id = $1
	`,
		rec.SubmissionID,
		rec.Stage,
		rec.Attempt,
		rec.Outcome,
		rec.Detail,
		rec.At,
	)
	if err != nil {
		return fmt.Errorf("append stage history: %w", err)
	}
	return nil
}

// RequestCancel flags a non-terminal submission; terminal ones are returned unchanged.
func (s *SubmissionStore) RequestCancel(ctx context.Context, id string) (*domain.Submission, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND stage NOT IN ('DONE', 'FAILED') AND NOT cancel_requested
	`, id)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return s.Get(ctx, id)
}

// History returns the stage log in order.
func (s *SubmissionStore) History(ctx context.Context, id string) ([]domain.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, seq, stage, attempt, outcome, detail, at
		FROM stage_history
		WHERE submission_id = $1
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.StageRecord
	for rows.Next() {
		var rec domain.StageRecord
		if err := rows.Scan(&rec.SubmissionID, &rec.Seq, &rec.Stage, &rec.Attempt, &rec.Outcome, &rec.Detail, &rec.At); err != nil {
			return nil, err
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

// ListStalled returns non-terminal submissions last updated before the cutoff.
func (s *SubmissionStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE stage NOT IN ('DONE', 'FAILED') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT NULLIF($2, 0)
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// CountByStatus returns submission counts per status.
func (s *SubmissionStore) CountByStatus(ctx context.Context) (map[domain.SubmissionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.SubmissionStatus]int)
	for rows.Next() {
		var status domain.SubmissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Outbox

const eventColumns = `
	submission_id, status, verdict_summary, appointment, failure_kind,
	reason, last_stage, recipient, created_at, delivered_at`

func scanEvent(row rowScanner) (*domain.TerminalEvent, error) {
	var ev domain.TerminalEvent
	var appointment []byte
	var delivered sql.NullTime

	err := row.Scan(
		&ev.SubmissionID,
		&ev.Status,
		&ev.VerdictSummary,
		&appointment,
		&ev.FailureKind,
		&ev.Reason,
		&ev.LastStage,
		&ev.Recipient,
		&ev.CreatedAt,
		&delivered,
	)
	if err != nil {
		return nil, err
	}
	if len(appointment) > 0 && string(appointment) != "null" {
		ev.Appointment = &domain.Appointment{}
		if err := scanJSON(appointment, ev.Appointment); err != nil {
			return nil, fmt.Errorf("decode appointment: %w", err)
		}
	}
	ev.DeliveredAt = TimePtr(delivered)
	return &ev, nil
}

// GetEvent returns the terminal event of a submission.
func (s *SubmissionStore) GetEvent(ctx context.Context, submissionID string) (*domain.TerminalEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM terminal_events WHERE submission_id = $1`, submissionID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return ev, err
}

// ListUndelivered returns events not yet delivered, oldest first.
func (s *SubmissionStore) ListUndelivered(ctx context.Context, limit int) ([]*domain.TerminalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM terminal_events
		WHERE delivered_at IS NULL
		ORDER BY created_at ASC
		LIMIT NULLIF($1, 0)
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.TerminalEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkDelivered records the first delivery time. Idempotent.
func (s *SubmissionStore) MarkDelivered(ctx context.Context, submissionID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE terminal_events SET delivered_at = COALESCE(delivered_at, $2)
		WHERE submission_id = $1
	`, submissionID, at)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

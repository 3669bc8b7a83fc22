package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// SubmissionStore persists submissions, their stage history and the
// append-only records derived from them. Every record references the
// submission by its stable identifier.
type SubmissionStore interface {
	// Create inserts the submission if its ID is unknown.
	// Returns the stored submission and whether it was created by this call.
	Create(ctx context.Context, sub *domain.Submission) (*domain.Submission, bool, error)

	// Get retrieves a submission by ID. Returns domain.ErrNotFound if absent.
	Get(ctx context.Context, id string) (*domain.Submission, error)

	// Transition persists the submission state and appends rec to the stage
	// history in one atomic step. The write is conditional on the stored
	// version equalling sub.Version; on success sub.Version is incremented.
	// Returns domain.ErrAlreadyExists on a version conflict.
	Transition(ctx context.Context, sub *domain.Submission, rec domain.StageRecord) error

	// Finalize is Transition for terminal stages: it also records the terminal
	// event in the outbox. A second terminal event for the same submission is
	// rejected with domain.ErrAlreadyExists.
	Finalize(ctx context.Context, sub *domain.Submission, rec domain.StageRecord, ev *domain.TerminalEvent) error

	// RequestCancel flags a non-terminal submission for cancellation.
	RequestCancel(ctx context.Context, id string) (*domain.Submission, error)

	// History returns the stage log in order.
	History(ctx context.Context, id string) ([]domain.StageRecord, error)

	// ListStalled returns non-terminal submissions not updated since before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Submission, error)

	// CountByStatus returns submission counts per status.
	CountByStatus(ctx context.Context) (map[domain.SubmissionStatus]int, error)
}

// RecordStore persists the versioned, append-only pipeline records.
// Save assigns the next version; the latest version is the active one.
type RecordStore interface {
	SaveDocuments(ctx context.Context, submissionID string, docs []*domain.ExtractedDocument) error
	ActiveDocuments(ctx context.Context, submissionID string) ([]*domain.ExtractedDocument, error)

	SaveClassification(ctx context.Context, c *domain.Classification) error
	ActiveClassification(ctx context.Context, submissionID string) (*domain.Classification, error)
	ListClassifications(ctx context.Context, submissionID string) ([]*domain.Classification, error)

	SaveVerdict(ctx context.Context, v *domain.ComplianceVerdict) error
	ActiveVerdict(ctx context.Context, submissionID string) (*domain.ComplianceVerdict, error)
	ListVerdicts(ctx context.Context, submissionID string) ([]*domain.ComplianceVerdict, error)

	// SaveAssessment saves a classification and its verdict atomically:
	// either both become active or neither does.
	SaveAssessment(ctx context.Context, c *domain.Classification, v *domain.ComplianceVerdict) error
}

// OutboxStore holds terminal events until they reach the notification sink.
type OutboxStore interface {
	// GetEvent returns the terminal event of a submission, or domain.ErrNotFound.
	GetEvent(ctx context.Context, submissionID string) (*domain.TerminalEvent, error)

	// ListUndelivered returns events not yet marked delivered, oldest first.
	ListUndelivered(ctx context.Context, limit int) ([]*domain.TerminalEvent, error)

	// MarkDelivered records delivery. Idempotent.
	MarkDelivered(ctx context.Context, submissionID string, at time.Time) error
}

package driving

import (
	"context"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// SubmissionReceipt is returned by Submit.
type SubmissionReceipt struct {
	Submission *domain.Submission `json:"submission"`

	// Duplicate is true when the identifier was already known
	Duplicate bool `json:"duplicate"`

	// Event is the terminal event of an already finished submission
	Event *domain.TerminalEvent `json:"event,omitempty"`
}

// AdvanceResult describes what one Advance call achieved.
type AdvanceResult struct {
	Submission *domain.Submission `json:"submission"`

	// RetryAfter is set when a stage failed transiently and must run again later
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Skipped is true when the submission was already terminal
	Skipped bool `json:"skipped,omitempty"`
}

// SubmissionView is the full state of a submission.
type SubmissionView struct {
	Submission     *domain.Submission          `json:"submission"`
	History        []domain.StageRecord        `json:"history"`
	Documents      []*domain.ExtractedDocument `json:"documents,omitempty"`
	Classification *domain.Classification      `json:"classification,omitempty"`
	Verdict        *domain.ComplianceVerdict   `json:"verdict,omitempty"`
	Appointment    *domain.Appointment         `json:"appointment,omitempty"`
	Event          *domain.TerminalEvent       `json:"event,omitempty"`
}

// PipelineService drives submissions through the compliance pipeline.
type PipelineService interface {
	// Submit registers a submission (deduplicated by identifier) and schedules it
	Submit(ctx context.Context, desc domain.SubmissionDescriptor) (*SubmissionReceipt, error)

	// Advance runs the pipeline from the last persisted stage
	Advance(ctx context.Context, id string) (*AdvanceResult, error)

	// Cancel requests cancellation between stages; no-op once terminal
	Cancel(ctx context.Context, id string) (*domain.Submission, error)

	// Get returns the submission with its history and records
	Get(ctx context.Context, id string) (*SubmissionView, error)

	// Reevaluate re-classifies and re-evaluates a finished submission and
	// saves both records together; domain.ErrBusy while a worker holds it
	Reevaluate(ctx context.Context, id string) (*domain.ComplianceVerdict, error)

	// RecoverStalled re-enqueues submissions idle for longer than olderThan
	RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns submission counts per status
	Stats(ctx context.Context) (map[domain.SubmissionStatus]int, error)
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Stage is one state of the submission pipeline.
type Stage string

const (
	StageReceived    Stage = "RECEIVED"
	StageExtracting  Stage = "EXTRACTING"
	StageExtracted   Stage = "EXTRACTED"
	StageClassifying Stage = "CLASSIFYING"
	StageClassified  Stage = "CLASSIFIED"
	StageEvaluating  Stage = "EVALUATING"
	StageEvaluated   Stage = "EVALUATED"
	StageScheduling  Stage = "SCHEDULING"
	StageDone        Stage = "DONE"
	StageFailed      Stage = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Stage) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// IsInFlight reports whether the stage marks an external call in progress.
// A crash in one of these stages re-runs the call.
func (s Stage) IsInFlight() bool {
	switch s {
	case StageExtracting, StageClassifying, StageEvaluating, StageScheduling:
		return true
	}
	return false
}

// SubmissionStatus is the externally visible status of a submission.
type SubmissionStatus string

const (
	StatusPending      SubmissionStatus = "pending"
	StatusProcessing   SubmissionStatus = "processing"
	StatusCompliant    SubmissionStatus = "compliant"
	StatusNonCompliant SubmissionStatus = "non_compliant"
	StatusFailed       SubmissionStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusCompliant || s == StatusNonCompliant || s == StatusFailed
}

// AttachmentRef points at the raw bytes of one attachment.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Checksum is the hex sha256 of the attachment bytes.
	Checksum string `json:"checksum"`
	// URI is either a path relative to the upload directory, file:// or gs://.
	URI  string `json:"uri"`
	Size int64  `json:"size,omitempty"`
}

// SubmissionDescriptor is what the ingestion collaborator delivers.
// Delivery is at-least-once; ID is derived when empty.
type SubmissionDescriptor struct {
	ID          string          `json:"identifier,omitempty"`
	MessageID   string          `json:"message_id"`
	Sender      string          `json:"sender"`
	Subject     string          `json:"subject"`
	Body        string          `json:"body"`
	Attachments []AttachmentRef `json:"attachment_refs"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// Validate checks the descriptor carries enough identity to deduplicate.
func (d *SubmissionDescriptor) Validate() error {
	if d.ID == "" && d.MessageID == "" {
		return fmt.Errorf("%w: identifier or message_id is required", ErrInvalidInput)
	}
	for i, a := range d.Attachments {
		if a.URI == "" {
			return fmt.Errorf("%w: attachment %d has no uri", ErrInvalidInput, i)
		}
	}
	return nil
}

// SubmissionID derives the stable identifier of a source message: the sha256
// of the canonical JSON of its message id and sorted attachment checksums.
func SubmissionID(messageID string, checksums []string) (string, error) {
	sorted := append([]string(nil), checksums...)
	sort.Strings(sorted)

	raw, err := json.Marshal(map[string]any{
		"message_id":  strings.TrimSpace(messageID),
		"attachments": sorted,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sub_" + hex.EncodeToString(sum[:16]), nil
}

// Submission is one inbound request and its pipeline position.
type Submission struct {
	ID          string           `json:"id"`
	MessageID   string           `json:"message_id"`
	Sender      string           `json:"sender"`
	Subject     string           `json:"subject"`
	Body        string           `json:"body"`
	Attachments []AttachmentRef  `json:"attachment_refs"`
	ReceivedAt  time.Time        `json:"received_at"`
	Stage       Stage            `json:"stage"`
	Status      SubmissionStatus `json:"status"`

	// StageAttempts counts failed attempts of the current stage.
	StageAttempts int `json:"stage_attempts"`
	// InvalidResponses counts InvalidResponse failures of the current stage.
	InvalidResponses int `json:"invalid_responses"`

	CancelRequested bool   `json:"cancel_requested"`
	FailureKind     string `json:"failure_kind,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	// FailedStage is the last stage attempted before FAILED.
	FailedStage Stage  `json:"failed_stage,omitempty"`
	LastError   string `json:"last_error,omitempty"`

	// Version is bumped on every persisted transition (optimistic concurrency).
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSubmission creates a RECEIVED submission from a descriptor.
func NewSubmission(d SubmissionDescriptor) (*Submission, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	id := d.ID
	if id == "" {
		checksums := make([]string, 0, len(d.Attachments))
		for _, a := range d.Attachments {
			checksums = append(checksums, a.Checksum)
		}
		var err error
		id, err = SubmissionID(d.MessageID, checksums)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	received := d.ReceivedAt
	if received.IsZero() {
		received = now
	}

	return &Submission{
		ID:          id,
		MessageID:   d.MessageID,
		Sender:      d.Sender,
		Subject:     d.Subject,
		Body:        d.Body,
		Attachments: d.Attachments,
		ReceivedAt:  received,
		Stage:       StageReceived,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsTerminal reports whether the submission reached DONE or FAILED.
func (s *Submission) IsTerminal() bool {
	return s.Stage.IsTerminal()
}

// Advance moves the submission to the next stage and resets the per-stage counters.
func (s *Submission) Advance(next Stage) {
	if next != s.Stage {
		s.StageAttempts = 0
		s.InvalidResponses = 0
	}
	s.Stage = next
	if !next.IsTerminal() && next != StageReceived {
		s.Status = StatusProcessing
	}
	s.UpdatedAt = time.Now()
}

// Complete finalizes the submission as DONE with a compliance outcome.
func (s *Submission) Complete(compliant bool) {
	s.Advance(StageDone)
	if compliant {
		s.Status = StatusCompliant
	} else {
		s.Status = StatusNonCompliant
	}
	s.LastError = ""
}

// Fail finalizes the submission as FAILED.
func (s *Submission) Fail(f *Failure) {
	s.FailedStage = f.Stage
	if s.FailedStage == "" {
		s.FailedStage = s.Stage
	}
	s.Advance(StageFailed)
	s.Status = StatusFailed
	s.FailureKind = string(f.Kind)
	s.FailureReason = f.Reason
	if f.Err != nil {
		s.LastError = f.Err.Error()
	}
}

// StageRecord is one entry of the append-only stage history log.
type StageRecord struct {
	SubmissionID string    `json:"submission_id"`
	Seq          int       `json:"seq"`
	Stage        Stage     `json:"stage"`
	Attempt      int       `json:"attempt"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Stage history outcomes.
const (
	OutcomeEntered = "entered"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// SubmissionLockName is the distributed lock serializing work on one
// submission.
func SubmissionLockName(submissionID string) string {
	return "submission:" + submissionID
}

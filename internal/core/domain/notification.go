package domain

import "time"

// TerminalEvent is emitted exactly once per submission when it reaches DONE or FAILED.
type TerminalEvent struct {
	SubmissionID   string           `json:"submission_id"`
	Status         SubmissionStatus `json:"status"`
	VerdictSummary string           `json:"verdict_summary,omitempty"`
	Appointment    *Appointment     `json:"appointment,omitempty"`

	// Set for failed submissions.
	FailureKind string `json:"failure_kind,omitempty"`
	Reason      string `json:"reason,omitempty"`
	LastStage   Stage  `json:"last_stage,omitempty"`

	Recipient   string     `json:"recipient,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NewTerminalEvent builds the event for a finalized submission.
func NewTerminalEvent(sub *Submission, verdict *ComplianceVerdict, appt *Appointment) *TerminalEvent {
	ev := &TerminalEvent{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Recipient:    sub.Sender,
		CreatedAt:    time.Now(),
	}
	if sub.Status == StatusFailed {
		ev.FailureKind = sub.FailureKind
		ev.Reason = sub.FailureReason
		ev.LastStage = sub.FailedStage
		return ev
	}
	ev.VerdictSummary = verdict.Summary()
	ev.Appointment = appt
	return ev
}

// Package notify holds notifiers that do not need a broker.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.Notifier = (*LogNotifier)(nil)

// LogNotifier writes terminal events to a structured log. Deduplication is
// per process only.
type LogNotifier struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger, seen: make(map[string]struct{})}
}

// Notify logs ev once per submission.
func (n *LogNotifier) Notify(ctx context.Context, ev *domain.TerminalEvent) error {
	n.mu.Lock()
	if _, dup := n.seen[ev.SubmissionID]; dup {
		n.mu.Unlock()
		return nil
	}
	n.seen[ev.SubmissionID] = struct{}{}
	n.mu.Unlock()

	attrs := []any{
		"submission_id", ev.SubmissionID,
		"status", ev.Status,
		"recipient", ev.Recipient,
	}
	if ev.Status == domain.StatusFailed {
		attrs = append(attrs, "failure_kind", ev.FailureKind, "reason", ev.Reason, "last_stage", ev.LastStage)
	} else {
		attrs = append(attrs, "verdict", ev.VerdictSummary)
		if ev.Appointment != nil {
			attrs = append(attrs, "appointment_start", ev.Appointment.StartTime, "location", ev.Appointment.Location)
		}
	}
	n.logger.InfoContext(ctx, "terminal event", attrs...)
	return nil
}

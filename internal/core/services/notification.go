package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// NotificationDispatcher publishes terminal events from the outbox.
// Events are written to the outbox together with the terminal state, so a
// failed publish is retried by DispatchPending and never lost. The notifier
// deduplicates by submission id, so a retried publish is not seen twice.
type NotificationDispatcher struct {
	outbox   driven.OutboxStore
	notifier driven.Notifier
	logger   *slog.Logger
}

// NewNotificationDispatcher creates a dispatcher.
func NewNotificationDispatcher(outbox driven.OutboxStore, notifier driven.Notifier, logger *slog.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationDispatcher{outbox: outbox, notifier: notifier, logger: logger}
}

// Dispatch publishes one event and marks it delivered.
func (d *NotificationDispatcher) Dispatch(ctx context.Context, ev *domain.TerminalEvent) error {
	if ev.DeliveredAt != nil {
		return nil
	}
	if err := d.notifier.Notify(ctx, ev); err != nil {
		return fmt.Errorf("notify %s: %w", ev.SubmissionID, err)
	}
	if err := d.outbox.MarkDelivered(ctx, ev.SubmissionID, time.Now()); err != nil {
		return fmt.Errorf("mark delivered %s: %w", ev.SubmissionID, err)
	}
	d.logger.Info("terminal event published",
		"submission_id", ev.SubmissionID,
		"status", ev.Status,
	)
	return nil
}

// DispatchPending publishes up to limit undelivered events. It keeps going
// past individual failures and reports how many were delivered.
func (d *NotificationDispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	events, err := d.outbox.ListUndelivered(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list undelivered events: %w", err)
	}

	delivered := 0
	var errs []error
	for _, ev := range events {
		if err := d.Dispatch(ctx, ev); err != nil {
			d.logger.Warn("failed to publish terminal event", "submission_id", ev.SubmissionID, "error", err)
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

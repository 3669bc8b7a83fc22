package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
)

// Ensure Orchestrator implements PipelineService
var _ driving.PipelineService = (*Orchestrator)(nil)

// SubmissionClassifier assigns a category to submission text.
type SubmissionClassifier interface {
	Classify(ctx context.Context, submissionID, text string) (*domain.Classification, error)
}

// SubmissionEvaluator decides compliance of a classified submission.
type SubmissionEvaluator interface {
	Evaluate(ctx context.Context, sub *domain.Submission, docs []*domain.ExtractedDocument, cls *domain.Classification) (*domain.ComplianceVerdict, error)
}

// SchedulePolicy describes the preferred appointment window of a compliant
// submission and how far it may be widened.
type SchedulePolicy struct {
	// Lead is the earliest an appointment may start after the submission arrived.
	Lead time.Duration
	// Window is the initial window length, and the step of each widening.
	Window       time.Duration
	MaxWidenings int
}

// DefaultSchedulePolicy returns a two-week window starting one day out,
// widened up to four times.
func DefaultSchedulePolicy() SchedulePolicy {
	return SchedulePolicy{
		Lead:         24 * time.Hour,
		Window:       14 * 24 * time.Hour,
		MaxWidenings: 4,
	}
}

// Orchestrator drives submissions through the pipeline:
//
//	RECEIVED → EXTRACTING → EXTRACTED → CLASSIFYING → CLASSIFIED →
//	EVALUATING → EVALUATED → SCHEDULING → DONE, or FAILED from any of them.
//
// Every transition is persisted before the next stage starts, so Advance
// resumes from the last persisted stage. Advance never sleeps: a retriable
// failure is recorded and returned as RetryAfter, and the caller re-enqueues
// the submission with that delay. Callers must serialize Advance per
// submission id.
type Orchestrator struct {
	store        driven.SubmissionStore
	records      driven.RecordStore
	outbox       driven.OutboxStore
	queue        driven.TaskQueue
	blobs        driven.BlobStore
	extractor    driven.Extractor
	classifier   SubmissionClassifier
	evaluator    SubmissionEvaluator
	appointments driving.AppointmentService
	dispatcher   *NotificationDispatcher
	retry        domain.RetryPolicy
	schedule     SchedulePolicy
	fetchLimit   int
	blobTimeout  time.Duration
	lock         driven.DistributedLock
	lockTTL      time.Duration
	logger       *slog.Logger
}

// OrchestratorConfig holds dependencies for Orchestrator.
type OrchestratorConfig struct {
	SubmissionStore driven.SubmissionStore
	RecordStore     driven.RecordStore
	OutboxStore     driven.OutboxStore
	TaskQueue       driven.TaskQueue
	BlobStore       driven.BlobStore
	Extractor       driven.Extractor
	Classifier      SubmissionClassifier
	Evaluator       SubmissionEvaluator
	Appointments    driving.AppointmentService
	Dispatcher      *NotificationDispatcher
	RetryPolicy     domain.RetryPolicy
	SchedulePolicy  SchedulePolicy
	// FetchConcurrency bounds parallel attachment downloads and extraction.
	FetchConcurrency int
	// BlobTimeout bounds each attachment read.
	BlobTimeout time.Duration
	// Lock, when set, serializes Reevaluate with the workers advancing the
	// same submission.
	Lock    driven.DistributedLock
	LockTTL time.Duration
	Logger  *slog.Logger
}

// NewOrchestrator creates a new pipeline orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retry := cfg.RetryPolicy
	if retry.MaxAttempts <= 0 {
		retry = domain.DefaultRetryPolicy()
	}
	schedule := cfg.SchedulePolicy
	if schedule.Window <= 0 {
		schedule = DefaultSchedulePolicy()
	}
	fetchLimit := cfg.FetchConcurrency
	if fetchLimit <= 0 {
		fetchLimit = 4
	}
	blobTimeout := cfg.BlobTimeout
	if blobTimeout <= 0 {
		blobTimeout = DefaultBlobTimeout
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultReevaluateLockTTL
	}

	return &Orchestrator{
		store:        cfg.SubmissionStore,
		records:      cfg.RecordStore,
		outbox:       cfg.OutboxStore,
		queue:        cfg.TaskQueue,
		blobs:        cfg.BlobStore,
		extractor:    cfg.Extractor,
		classifier:   cfg.Classifier,
		evaluator:    cfg.Evaluator,
		appointments: cfg.Appointments,
		dispatcher:   cfg.Dispatcher,
		retry:        retry,
		schedule:     schedule,
		fetchLimit:   fetchLimit,
		blobTimeout:  blobTimeout,
		lock:         cfg.Lock,
		lockTTL:      lockTTL,
		logger:       logger,
	}
}

// Submit registers a submission delivered by ingestion. Delivery is
// at-least-once: a known identifier returns the stored record and, once
// terminal, its terminal event, without any new side effect.
func (o *Orchestrator) Submit(ctx context.Context, desc domain.SubmissionDescriptor) (*driving.SubmissionReceipt, error) {
	sub, err := domain.NewSubmission(desc)
	if err != nil {
		return nil, err
	}

	stored, created, err := o.store.Create(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}

	if !created {
		receipt := &driving.SubmissionReceipt{Submission: stored, Duplicate: true}
		if stored.IsTerminal() {
			ev, err := o.outbox.GetEvent(ctx, stored.ID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("get terminal event: %w", err)
			}
			receipt.Event = ev
		}
		o.logger.Info("duplicate submission", "submission_id", stored.ID, "stage", stored.Stage)
		return receipt, nil
	}

	if err := o.queue.Enqueue(ctx, domain.NewProcessSubmissionTask(stored.ID, 0)); err != nil {
		// The recovery sweep re-enqueues submissions left in RECEIVED.
		o.logger.Error("failed to enqueue submission", "submission_id", stored.ID, "error", err)
	}

	o.logger.Info("submission received",
		"submission_id", stored.ID,
		"attachments", len(stored.Attachments),
	)
	return &driving.SubmissionReceipt{Submission: stored}, nil
}

// Advance runs the submission from its persisted stage until it is terminal
// or a stage fails retriably. Errors that are not stage failures (storage,
// cancelled context) are returned for the queue to redeliver.
func (o *Orchestrator) Advance(ctx context.Context, id string) (*driving.AdvanceResult, error) {
	sub, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if sub.IsTerminal() {
		return &driving.AdvanceResult{Submission: sub, Skipped: true}, nil
	}

	logger := o.logger.With("submission_id", id)
	startTime := time.Now()

	for !sub.IsTerminal() {
		if sub.CancelRequested {
			logger.Info("submission cancelled", "stage", sub.Stage)
			f := domain.NewPermanentFailure(fmt.Errorf("cancelled at %s: %w", sub.Stage, domain.ErrCancelled))
			if err := o.finalizeFailure(ctx, sub, f); err != nil {
				return nil, err
			}
			break
		}

		if err := o.step(ctx, sub, logger); err != nil {
			f, ok := domain.AsFailure(err)
			if !ok {
				return nil, err
			}
			return o.handleFailure(ctx, sub, f, logger)
		}
	}

	logger.Info("submission finished",
		"status", sub.Status,
		"duration_seconds", time.Since(startTime).Seconds(),
	)
	return &driving.AdvanceResult{Submission: sub}, nil
}

// step executes the work of the current stage and persists the transition.
func (o *Orchestrator) step(ctx context.Context, sub *domain.Submission, logger *slog.Logger) error {
	switch sub.Stage {
	case domain.StageReceived, domain.StageExtracting:
		if err := o.enter(ctx, sub, domain.StageExtracting); err != nil {
			return err
		}
		docs, err := o.extract(ctx, sub)
		if err != nil {
			return err
		}
		if err := o.records.SaveDocuments(ctx, sub.ID, docs); err != nil {
			return fmt.Errorf("save documents: %w", err)
		}
		logger.Debug("attachments extracted", "documents", len(docs))
		return o.complete(ctx, sub, domain.StageExtracted)

	case domain.StageExtracted, domain.StageClassifying:
		if err := o.enter(ctx, sub, domain.StageClassifying); err != nil {
			return err
		}
		docs, err := o.records.ActiveDocuments(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("get documents: %w", err)
		}
		cls, err := o.classifier.Classify(ctx, sub.ID, domain.CombinedText(sub.Body, docs))
		if err != nil {
			return err
		}
		if err := o.records.SaveClassification(ctx, cls); err != nil {
			return fmt.Errorf("save classification: %w", err)
		}
		logger.Debug("submission classified", "category", cls.Category, "version", cls.Version)
		return o.complete(ctx, sub, domain.StageClassified)

	case domain.StageClassified, domain.StageEvaluating:
		if err := o.enter(ctx, sub, domain.StageEvaluating); err != nil {
			return err
		}
		verdict, err := o.evaluate(ctx, sub)
		if err != nil {
			return err
		}
		if err := o.records.SaveVerdict(ctx, verdict); err != nil {
			return fmt.Errorf("save verdict: %w", err)
		}
		return o.complete(ctx, sub, domain.StageEvaluated)

	case domain.StageEvaluated:
		verdict, err := o.records.ActiveVerdict(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("get verdict: %w", err)
		}
		if !verdict.Compliant {
			return o.finalizeDone(ctx, sub, verdict, nil)
		}
		return o.enter(ctx, sub, domain.StageScheduling)

	case domain.StageScheduling:
		verdict, err := o.records.ActiveVerdict(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("get verdict: %w", err)
		}
		appt, err := o.reserve(ctx, sub, logger)
		if err != nil {
			return err
		}
		return o.finalizeDone(ctx, sub, verdict, appt)
	}

	return fmt.Errorf("submission %s in unexpected stage %s", sub.ID, sub.Stage)
}

// enter persists the start of an external call (write-ahead).
func (o *Orchestrator) enter(ctx context.Context, sub *domain.Submission, stage domain.Stage) error {
	sub.Advance(stage)
	return o.transition(ctx, sub, domain.StageRecord{
		Stage:   stage,
		Attempt: sub.StageAttempts + 1,
		Outcome: domain.OutcomeEntered,
	})
}

// complete persists a finished stage.
func (o *Orchestrator) complete(ctx context.Context, sub *domain.Submission, stage domain.Stage) error {
	sub.Advance(stage)
	return o.transition(ctx, sub, domain.StageRecord{Stage: stage, Outcome: domain.OutcomeEntered})
}

func (o *Orchestrator) transition(ctx context.Context, sub *domain.Submission, rec domain.StageRecord) error {
	if err := o.store.Transition(ctx, sub, rec); err != nil {
		return fmt.Errorf("persist %s: %w", rec.Stage, err)
	}
	return nil
}

// extract fetches and extracts every attachment in parallel. Either all
// attachments produce a document or the stage fails.
func (o *Orchestrator) extract(ctx context.Context, sub *domain.Submission) ([]*domain.ExtractedDocument, error) {
	for _, a := range sub.Attachments {
		if a.ContentType != "" && !o.extractor.Supports(a.ContentType) {
			return nil, domain.NewPermanentFailure(fmt.Errorf("%s (%s): %w", a.Filename, a.ContentType, domain.ErrUnsupportedFormat))
		}
	}

	docs := make([]*domain.ExtractedDocument, len(sub.Attachments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fetchLimit)

	for i, a := range sub.Attachments {
		g.Go(func() error {
			content, err := o.readBlob(gctx, a)
			if err != nil {
				return err
			}

			doc, err := o.extractor.Extract(gctx, a, content)
			if err != nil {
				if errors.Is(err, domain.ErrUnsupportedFormat) {
					return domain.NewPermanentFailure(fmt.Errorf("%s: %w", a.Filename, err))
				}
				return stageFailure(gctx, fmt.Errorf("extract %s: %w", a.Filename, err))
			}
			if doc.ID == "" {
				doc.ID = uuid.NewString()
			}
			doc.SubmissionID = sub.ID
			docs[i] = doc
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return docs, nil
}

// readBlob fetches one attachment within the blob timeout.
func (o *Orchestrator) readBlob(ctx context.Context, a domain.AttachmentRef) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, o.blobTimeout)
	defer cancel()

	content, err := o.blobs.Read(readCtx, a.URI)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.NewPermanentFailure(fmt.Errorf("%s: %w", a.Filename, domain.ErrAttachmentUnavailable))
		}
		return nil, callFailure(ctx, readCtx, fmt.Errorf("read %s: %w", a.Filename, err))
	}
	return content, nil
}

// stageFailure types an error from a collaborator call. A cancelled caller
// context is passed through untyped so it is not counted as an attempt.
func stageFailure(ctx context.Context, err error) error {
	if _, ok := domain.AsFailure(err); ok {
		return err
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return domain.NewTransientFailure(err)
}

func (o *Orchestrator) evaluate(ctx context.Context, sub *domain.Submission) (*domain.ComplianceVerdict, error) {
	cls, err := o.records.ActiveClassification(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	docs, err := o.records.ActiveDocuments(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	return o.evaluator.Evaluate(ctx, sub, docs, cls)
}

// reserve books an appointment in the preferred window, widening it while no
// slot is free. Exhausting the widenings is permanent.
func (o *Orchestrator) reserve(ctx context.Context, sub *domain.Submission, logger *slog.Logger) (*domain.Appointment, error) {
	from := sub.ReceivedAt
	if now := time.Now(); from.Before(now) {
		from = now
	}
	window := domain.TimeWindow{
		Start: from.Add(o.schedule.Lead),
		End:   from.Add(o.schedule.Lead + o.schedule.Window),
	}

	for widenings := 0; ; widenings++ {
		appt, err := o.appointments.Reserve(ctx, sub.ID, window)
		if err == nil {
			return appt, nil
		}
		if !errors.Is(err, domain.ErrNoAvailability) {
			return nil, err
		}
		if widenings >= o.schedule.MaxWidenings {
			return nil, domain.NewPermanentFailure(fmt.Errorf("no slot until %s after %d widenings: %w",
				window.End.Format(time.RFC3339), widenings, domain.ErrSchedulingUnavailable))
		}
		window = window.Widen(o.schedule.Window)
		logger.Info("no appointment available, widening window", "until", window.End)
	}
}

// handleFailure decides between retry and escalation. Components only type
// their failures; the retry budget lives here.
func (o *Orchestrator) handleFailure(ctx context.Context, sub *domain.Submission, f *domain.Failure, logger *slog.Logger) (*driving.AdvanceResult, error) {
	if f.Stage == "" {
		f.Stage = sub.Stage
	}

	if !f.Retriable() {
		logger.Warn("stage failed permanently", "stage", f.Stage, "reason", f.Reason, "error", f.Err)
		if err := o.finalizeFailure(ctx, sub, f); err != nil {
			return nil, err
		}
		return &driving.AdvanceResult{Submission: sub}, nil
	}

	sub.StageAttempts++
	if f.Kind == domain.FailureInvalidResponse {
		sub.InvalidResponses++
	}

	var escalated *domain.Failure
	switch {
	case f.Kind == domain.FailureInvalidResponse && sub.InvalidResponses >= o.retry.MaxInvalidResponses:
		escalated = &domain.Failure{
			Kind:   domain.FailurePermanent,
			Reason: domain.ErrInvalidResponse.Error(),
			Stage:  f.Stage,
			Err:    fmt.Errorf("%d invalid responses: %w", sub.InvalidResponses, f.Err),
		}
	case sub.StageAttempts >= o.retry.MaxAttempts:
		escalated = &domain.Failure{
			Kind:   domain.FailurePermanent,
			Reason: domain.ErrRetryExhausted.Error(),
			Stage:  f.Stage,
			Err:    fmt.Errorf("%w after %d attempts: %w", domain.ErrRetryExhausted, sub.StageAttempts, f),
		}
	}
	if escalated != nil {
		logger.Warn("retry budget exhausted", "stage", f.Stage, "attempts", sub.StageAttempts, "reason", escalated.Reason)
		if err := o.finalizeFailure(ctx, sub, escalated); err != nil {
			return nil, err
		}
		return &driving.AdvanceResult{Submission: sub}, nil
	}

	sub.LastError = f.Error()
	delay := o.retry.Delay(sub.StageAttempts)
	if err := o.transition(ctx, sub, domain.StageRecord{
		Stage:   sub.Stage,
		Attempt: sub.StageAttempts,
		Outcome: domain.OutcomeRetry,
		Detail:  f.Error(),
	}); err != nil {
		return nil, err
	}

	logger.Info("stage failed, will retry",
		"stage", sub.Stage,
		"kind", f.Kind,
		"attempt", sub.StageAttempts,
		"retry_after", delay,
	)
	return &driving.AdvanceResult{Submission: sub, RetryAfter: delay}, nil
}

func (o *Orchestrator) finalizeDone(ctx context.Context, sub *domain.Submission, verdict *domain.ComplianceVerdict, appt *domain.Appointment) error {
	sub.Complete(verdict.Compliant)
	ev := domain.NewTerminalEvent(sub, verdict, appt)
	return o.finalize(ctx, sub, domain.StageRecord{
		Stage:   domain.StageDone,
		Outcome: domain.OutcomeEntered,
		Detail:  string(sub.Status),
	}, ev)
}

func (o *Orchestrator) finalizeFailure(ctx context.Context, sub *domain.Submission, f *domain.Failure) error {
	sub.Fail(f)
	ev := domain.NewTerminalEvent(sub, nil, nil)
	return o.finalize(ctx, sub, domain.StageRecord{
		Stage:   domain.StageFailed,
		Outcome: domain.OutcomeFailed,
		Detail:  f.Error(),
	}, ev)
}

// finalize stores the terminal state and its event in one write, then tries
// to publish right away. A failed publish is left to the outbox sweep.
func (o *Orchestrator) finalize(ctx context.Context, sub *domain.Submission, rec domain.StageRecord, ev *domain.TerminalEvent) error {
	if err := o.store.Finalize(ctx, sub, rec, ev); err != nil {
		return fmt.Errorf("finalize submission: %w", err)
	}
	if o.dispatcher != nil {
		if err := o.dispatcher.Dispatch(ctx, ev); err != nil {
			o.logger.Warn("terminal event left for dispatch sweep", "submission_id", sub.ID, "error", err)
		}
	}
	return nil
}

// Cancel requests cancellation. It takes effect at the next stage boundary;
// terminal submissions are returned unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*domain.Submission, error) {
	sub, err := o.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsTerminal() {
		return sub, nil
	}

	// A submission waiting on a delayed retry would otherwise only notice
	// the flag when that retry fires.
	if err := o.queue.Enqueue(ctx, domain.NewProcessSubmissionTask(id, 0)); err != nil {
		o.logger.Warn("failed to enqueue cancellation", "submission_id", id, "error", err)
	}
	o.logger.Info("cancellation requested", "submission_id", id, "stage", sub.Stage)
	return sub, nil
}

// Get returns the submission with its history and active records.
func (o *Orchestrator) Get(ctx context.Context, id string) (*driving.SubmissionView, error) {
	sub, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &driving.SubmissionView{Submission: sub}

	if view.History, err = o.store.History(ctx, id); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if view.Documents, err = o.records.ActiveDocuments(ctx, id); err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	if view.Classification, err = o.records.ActiveClassification(ctx, id); ignoreNotFound(err) != nil {
		return nil, fmt.Errorf("get classification: %w", err)
	}
	if view.Verdict, err = o.records.ActiveVerdict(ctx, id); ignoreNotFound(err) != nil {
		return nil, fmt.Errorf("get verdict: %w", err)
	}
	if view.Appointment, err = o.appointments.GetAppointment(ctx, id); ignoreNotFound(err) != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if view.Event, err = o.outbox.GetEvent(ctx, id); ignoreNotFound(err) != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return view, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// Reevaluate classifies and evaluates a finished submission again, for
// manual correction. The new classification and verdict are saved together
// only once both exist, and supersede the previous versions; the terminal
// event and any appointment stay as they were. A submission held by a worker
// yields domain.ErrBusy.
func (o *Orchestrator) Reevaluate(ctx context.Context, id string) (*domain.ComplianceVerdict, error) {
	if o.lock != nil {
		name := domain.SubmissionLockName(id)
		acquired, err := o.lock.Acquire(ctx, name, o.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire submission lock: %w", err)
		}
		if !acquired {
			return nil, fmt.Errorf("%w: submission %s is being processed", domain.ErrBusy, id)
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx), name); err != nil {
				o.logger.Warn("failed to release submission lock", "submission_id", id, "error", err)
			}
		}()
	}

	sub, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Stage != domain.StageDone {
		return nil, fmt.Errorf("%w: submission is %s, only DONE submissions can be re-evaluated", domain.ErrInvalidInput, sub.Stage)
	}

	docs, err := o.records.ActiveDocuments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	cls, err := o.classifier.Classify(ctx, id, domain.CombinedText(sub.Body, docs))
	if err != nil {
		return nil, err
	}
	verdict, err := o.evaluator.Evaluate(ctx, sub, docs, cls)
	if err != nil {
		return nil, err
	}
	if err := o.records.SaveAssessment(ctx, cls, verdict); err != nil {
		return nil, fmt.Errorf("save assessment: %w", err)
	}

	o.logger.Info("submission re-evaluated",
		"submission_id", id,
		"classification_version", cls.Version,
		"verdict_version", verdict.Version,
		"compliant", verdict.Compliant,
	)
	return verdict, nil
}

// RecoverStalled re-enqueues non-terminal submissions untouched for longer
// than olderThan. Their stage log tells Advance where to resume.
func (o *Orchestrator) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	stalled, err := o.store.ListStalled(ctx, time.Now().Add(-olderThan), 500)
	if err != nil {
		return 0, fmt.Errorf("list stalled submissions: %w", err)
	}
	if len(stalled) == 0 {
		return 0, nil
	}

	tasks := make([]*domain.Task, 0, len(stalled))
	for _, sub := range stalled {
		tasks = append(tasks, domain.NewProcessSubmissionTask(sub.ID, 0))
	}
	if err := o.queue.EnqueueBatch(ctx, tasks); err != nil {
		return 0, fmt.Errorf("enqueue stalled submissions: %w", err)
	}

	o.logger.Info("re-enqueued stalled submissions", "count", len(tasks))
	return len(tasks), nil
}

// Stats counts submissions per status.
func (o *Orchestrator) Stats(ctx context.Context) (map[domain.SubmissionStatus]int, error) {
	return o.store.CountByStatus(ctx)
}

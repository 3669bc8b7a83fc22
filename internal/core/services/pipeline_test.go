package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven/mocks"
)

// stubClassifier returns a fixed category unless fn is set.
type stubClassifier struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (*domain.Classification, error)
}

func (s *stubClassifier) Classify(ctx context.Context, submissionID, text string) (*domain.Classification, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.fn != nil {
		cls, err := s.fn(call)
		if cls != nil {
			cls.SubmissionID = submissionID
		}
		return cls, err
	}
	return &domain.Classification{
		ID:           "cls-" + submissionID,
		SubmissionID: submissionID,
		Category:     domain.CategoryResidencePermitExtension,
		Confidence:   0.9,
		Model:        "stub",
	}, nil
}

func (s *stubClassifier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubEvaluator returns a compliant verdict unless compliant is false or fn is set.
type stubEvaluator struct {
	mu           sync.Mutex
	calls        int
	nonCompliant bool
	fn           func(call int) (*domain.ComplianceVerdict, error)
}

func (s *stubEvaluator) Evaluate(ctx context.Context, sub *domain.Submission, docs []*domain.ExtractedDocument, cls *domain.Classification) (*domain.ComplianceVerdict, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.fn != nil {
		return s.fn(call)
	}
	v := &domain.ComplianceVerdict{
		ID:                "v-" + sub.ID,
		SubmissionID:      sub.ID,
		ClassificationID:  cls.ID,
		Compliant:         !s.nonCompliant,
		Score:             90,
		CitedPassages:     []string{"residence#1"},
		RetrievedPassages: []string{"residence#1"},
		Rationale:         "all required documents present",
	}
	if s.nonCompliant {
		v.Score = 30
		v.Rationale = "proof of income is missing"
		v.MissingDocuments = []string{"proof of income"}
	}
	return v, nil
}

func (s *stubEvaluator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type pipelineFixture struct {
	orch       *Orchestrator
	store      *mocks.MockStore
	queue      *mocks.MockTaskQueue
	blobs      *mocks.MockBlobStore
	extractor  *mocks.MockExtractor
	slots      *mocks.MockSlotStore
	notifier   *mocks.MockNotifier
	classifier *stubClassifier
	evaluator  *stubEvaluator

	// optional, applied by build
	lock        *mocks.MockDistributedLock
	blobTimeout time.Duration
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		store:      mocks.NewMockStore(),
		queue:      mocks.NewMockTaskQueue(),
		blobs:      mocks.NewMockBlobStore(),
		extractor:  mocks.NewMockExtractor(),
		slots:      mocks.NewMockSlotStore(),
		notifier:   mocks.NewMockNotifier(),
		classifier: &stubClassifier{},
		evaluator:  &stubEvaluator{},
	}
	f.build()
	return f
}

func (f *pipelineFixture) build() {
	f.orch = NewOrchestrator(OrchestratorConfig{
		SubmissionStore:  f.store,
		RecordStore:      f.store,
		OutboxStore:      f.store,
		TaskQueue:        f.queue,
		BlobStore:        f.blobs,
		Extractor:        f.extractor,
		Classifier:       f.classifier,
		Evaluator:        f.evaluator,
		Appointments:     NewAppointmentService(AppointmentServiceConfig{SlotStore: f.slots}),
		Dispatcher:       NewNotificationDispatcher(f.store, f.notifier, nil),
		RetryPolicy:      domain.DefaultRetryPolicy(),
		SchedulePolicy:   DefaultSchedulePolicy(),
		FetchConcurrency: 2,
		BlobTimeout:      f.blobTimeout,
	})
	if f.lock != nil {
		f.orch.lock = f.lock
	}
}

// addSlot creates a capacity-1 slot starting after the given offset from now.
func (f *pipelineFixture) addSlot(t *testing.T, offset time.Duration) {
	t.Helper()
	_, err := f.slots.CreateSlots(context.Background(), []*domain.AppointmentSlot{{
		StartTime: time.Now().Add(offset),
		Duration:  time.Hour,
		Capacity:  1,
		Location:  domain.DefaultLocation,
	}})
	if err != nil {
		t.Fatalf("failed to create slot: %v", err)
	}
}

func (f *pipelineFixture) submit(t *testing.T, messageID string, attachments ...domain.AttachmentRef) *domain.Submission {
	t.Helper()
	receipt, err := f.orch.Submit(context.Background(), domain.SubmissionDescriptor{
		MessageID:   messageID,
		Sender:      "applicant@example.com",
		Subject:     "Residence permit extension",
		Body:        "Please extend my residence permit.",
		Attachments: attachments,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return receipt.Submission
}

func (f *pipelineFixture) attachment(name, contentType, text string) domain.AttachmentRef {
	uri := "uploads/" + name
	f.blobs.Put(uri, []byte(text))
	return domain.AttachmentRef{
		Filename:    name,
		ContentType: contentType,
		Checksum:    "sum-" + name,
		URI:         uri,
	}
}

// drive calls Advance until the submission is terminal, like the worker
// re-enqueueing after every RetryAfter.
func (f *pipelineFixture) drive(t *testing.T, id string) (*domain.Submission, int) {
	t.Helper()
	for i := 1; i <= 20; i++ {
		result, err := f.orch.Advance(context.Background(), id)
		if err != nil {
			t.Fatalf("advance %d failed: %v", i, err)
		}
		if result.Submission.IsTerminal() {
			return result.Submission, i
		}
		if result.RetryAfter <= 0 {
			t.Fatalf("advance %d stopped at %s without retry delay", i, result.Submission.Stage)
		}
	}
	t.Fatal("submission did not reach a terminal stage")
	return nil, 0
}

func historyStages(records []domain.StageRecord) []domain.Stage {
	var stages []domain.Stage
	for _, r := range records {
		if r.Outcome == domain.OutcomeEntered && (len(stages) == 0 || stages[len(stages)-1] != r.Stage) {
			stages = append(stages, r.Stage)
		}
	}
	return stages
}

func TestOrchestrator_Submit_EnqueuesNewSubmission(t *testing.T) {
	f := newPipelineFixture(t)

	sub := f.submit(t, "msg-1", f.attachment("passport.pdf", "application/pdf", "passport"))

	if sub.Stage != domain.StageReceived {
		t.Errorf("expected RECEIVED, got %s", sub.Stage)
	}
	if sub.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", sub.Status)
	}
	pending := f.queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected 1 queued task, got %d", len(pending))
	}
	if pending[0].SubmissionID() != sub.ID {
		t.Errorf("expected task for %s, got %s", sub.ID, pending[0].SubmissionID())
	}
}

func TestOrchestrator_Submit_InvalidDescriptor(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.orch.Submit(context.Background(), domain.SubmissionDescriptor{Sender: "a@example.com"})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if len(f.queue.Tasks()) != 0 {
		t.Error("expected nothing enqueued")
	}
}

func TestOrchestrator_CompliantSubmission(t *testing.T) {
	f := newPipelineFixture(t)
	f.addSlot(t, 48*time.Hour)

	sub := f.submit(t, "msg-1",
		f.attachment("passport.pdf", "application/pdf", "Passport of Jane Doe"),
		f.attachment("income.txt", "text/plain", "Salary statement"),
	)

	result, err := f.orch.Advance(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	done := result.Submission

	if done.Stage != domain.StageDone {
		t.Fatalf("expected DONE, got %s (%s)", done.Stage, done.LastError)
	}
	if done.Status != domain.StatusCompliant {
		t.Errorf("expected compliant, got %s", done.Status)
	}

	docs, _ := f.store.ActiveDocuments(context.Background(), sub.ID)
	if len(docs) != 2 {
		t.Errorf("expected 2 documents, got %d", len(docs))
	}

	ev, err := f.store.GetEvent(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("expected terminal event: %v", err)
	}
	if ev.Appointment == nil {
		t.Fatal("expected appointment on compliant event")
	}
	if ev.Recipient != "applicant@example.com" {
		t.Errorf("expected recipient to be sender, got %s", ev.Recipient)
	}
	if ev.DeliveredAt == nil {
		t.Error("expected event to be delivered")
	}
	if f.notifier.Count(sub.ID) != 1 {
		t.Errorf("expected 1 notification, got %d", f.notifier.Count(sub.ID))
	}

	history, _ := f.store.History(context.Background(), sub.ID)
	want := []domain.Stage{
		domain.StageReceived, domain.StageExtracting, domain.StageExtracted,
		domain.StageClassifying, domain.StageClassified,
		domain.StageEvaluating, domain.StageEvaluated,
		domain.StageScheduling, domain.StageDone,
	}
	got := historyStages(history)
	if len(got) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stage %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestOrchestrator_NonCompliantSubmission(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	f.addSlot(t, 48*time.Hour)

	sub := f.submit(t, "msg-1", f.attachment("passport.pdf", "application/pdf", "passport"))
	done, _ := f.drive(t, sub.ID)

	if done.Stage != domain.StageDone || done.Status != domain.StatusNonCompliant {
		t.Fatalf("expected DONE/non_compliant, got %s/%s", done.Stage, done.Status)
	}
	if f.slots.ReserveCalls() != 0 {
		t.Errorf("expected no reservation, got %d calls", f.slots.ReserveCalls())
	}
	ev, _ := f.store.GetEvent(context.Background(), sub.ID)
	if ev.Appointment != nil {
		t.Error("expected no appointment on non-compliant event")
	}
	if ev.VerdictSummary == "" {
		t.Error("expected verdict summary")
	}
}

func TestOrchestrator_DuplicateSubmission(t *testing.T) {
	f := newPipelineFixture(t)
	f.addSlot(t, 48*time.Hour)
	ref := f.attachment("passport.pdf", "application/pdf", "passport")

	first := f.submit(t, "msg-1", ref)
	f.drive(t, first.ID)

	receipt, err := f.orch.Submit(context.Background(), domain.SubmissionDescriptor{
		MessageID:   "msg-1",
		Attachments: []domain.AttachmentRef{ref},
	})
	if err != nil {
		t.Fatalf("duplicate submit failed: %v", err)
	}
	if !receipt.Duplicate {
		t.Error("expected duplicate receipt")
	}
	if receipt.Submission.ID != first.ID {
		t.Errorf("expected same id %s, got %s", first.ID, receipt.Submission.ID)
	}
	if receipt.Event == nil || receipt.Event.Status != domain.StatusCompliant {
		t.Error("expected the stored terminal event")
	}
	if f.store.EventCount() != 1 {
		t.Errorf("expected 1 event, got %d", f.store.EventCount())
	}
	if len(f.queue.Tasks()) != 1 {
		t.Errorf("expected no new task, got %d tasks", len(f.queue.Tasks()))
	}
}

func TestOrchestrator_Advance_TerminalIsSkipped(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true

	sub := f.submit(t, "msg-1")
	f.drive(t, sub.ID)
	calls := f.classifier.Calls()

	result, err := f.orch.Advance(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if !result.Skipped {
		t.Error("expected skipped result")
	}
	if f.classifier.Calls() != calls {
		t.Error("expected no further classification")
	}
	if f.notifier.Count(sub.ID) != 1 {
		t.Errorf("expected exactly 1 notification, got %d", f.notifier.Count(sub.ID))
	}
}

func TestOrchestrator_Advance_NotFound(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.orch.Advance(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOrchestrator_TransientFailureIsRetried(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	f.classifier.fn = func(call int) (*domain.Classification, error) {
		if call == 1 {
			return nil, domain.NewTransientFailure(domain.ErrServiceUnavailable)
		}
		return &domain.Classification{ID: "cls", Category: domain.CategoryWorkPermit, Confidence: 0.8}, nil
	}

	sub := f.submit(t, "msg-1")

	result, err := f.orch.Advance(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if result.RetryAfter != 2*time.Second {
		t.Errorf("expected 2s retry delay, got %v", result.RetryAfter)
	}
	if result.Submission.Stage != domain.StageClassifying {
		t.Errorf("expected CLASSIFYING, got %s", result.Submission.Stage)
	}
	if result.Submission.StageAttempts != 1 {
		t.Errorf("expected 1 stage attempt, got %d", result.Submission.StageAttempts)
	}

	stored, _ := f.store.Get(context.Background(), sub.ID)
	if stored.StageAttempts != 1 {
		t.Errorf("expected attempts persisted, got %d", stored.StageAttempts)
	}

	done, _ := f.drive(t, sub.ID)
	if done.Status != domain.StatusNonCompliant {
		t.Errorf("expected non_compliant, got %s", done.Status)
	}
	if f.classifier.Calls() != 2 {
		t.Errorf("expected 2 classification calls, got %d", f.classifier.Calls())
	}

	history, _ := f.store.History(context.Background(), sub.ID)
	retries := 0
	for _, r := range history {
		if r.Outcome == domain.OutcomeRetry {
			retries++
		}
	}
	if retries != 1 {
		t.Errorf("expected 1 retry record, got %d", retries)
	}
}

func TestOrchestrator_RetryExhausted(t *testing.T) {
	f := newPipelineFixture(t)
	f.classifier.fn = func(call int) (*domain.Classification, error) {
		return nil, domain.NewTransientFailure(domain.ErrServiceUnavailable)
	}

	sub := f.submit(t, "msg-1")
	failed, advances := f.drive(t, sub.ID)

	if failed.Stage != domain.StageFailed {
		t.Fatalf("expected FAILED, got %s", failed.Stage)
	}
	if failed.FailureReason != "RetryExhausted" {
		t.Errorf("expected RetryExhausted, got %s", failed.FailureReason)
	}
	if failed.FailedStage != domain.StageClassifying {
		t.Errorf("expected failed stage CLASSIFYING, got %s", failed.FailedStage)
	}
	if f.classifier.Calls() != 5 {
		t.Errorf("expected 5 attempts, got %d", f.classifier.Calls())
	}
	if advances != 5 {
		t.Errorf("expected 5 advances, got %d", advances)
	}

	ev, err := f.store.GetEvent(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("expected failure event: %v", err)
	}
	if ev.Status != domain.StatusFailed || ev.Reason != "RetryExhausted" || ev.LastStage != domain.StageClassifying {
		t.Errorf("unexpected failure event: %+v", ev)
	}
}

func TestOrchestrator_InvalidResponsesEscalate(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.fn = func(call int) (*domain.ComplianceVerdict, error) {
		return nil, domain.NewInvalidResponse("cited passage %q was not retrieved", "x#1")
	}

	sub := f.submit(t, "msg-1")
	failed, _ := f.drive(t, sub.ID)

	if failed.FailureReason != "InvalidResponse" {
		t.Errorf("expected InvalidResponse, got %s", failed.FailureReason)
	}
	if failed.FailureKind != string(domain.FailurePermanent) {
		t.Errorf("expected permanent failure kind, got %s", failed.FailureKind)
	}
	if f.evaluator.Calls() != 3 {
		t.Errorf("expected 3 evaluation attempts, got %d", f.evaluator.Calls())
	}
}

func TestOrchestrator_UnsupportedAttachment(t *testing.T) {
	f := newPipelineFixture(t)

	sub := f.submit(t, "msg-1",
		f.attachment("passport.pdf", "application/pdf", "passport"),
		f.attachment("photos.zip", "application/zip", "PK"),
	)
	failed, advances := f.drive(t, sub.ID)

	if failed.FailureReason != "UnsupportedFormat" {
		t.Errorf("expected UnsupportedFormat, got %s", failed.FailureReason)
	}
	if failed.FailedStage != domain.StageExtracting {
		t.Errorf("expected failed at EXTRACTING, got %s", failed.FailedStage)
	}
	if advances != 1 {
		t.Errorf("expected no retry, got %d advances", advances)
	}
	if f.extractor.Calls() != 0 {
		t.Errorf("expected no extraction, got %d", f.extractor.Calls())
	}
	if f.classifier.Calls() != 0 {
		t.Error("expected no classification")
	}
}

func TestOrchestrator_MissingAttachmentBlob(t *testing.T) {
	f := newPipelineFixture(t)

	sub := f.submit(t, "msg-1", domain.AttachmentRef{
		Filename:    "lost.pdf",
		ContentType: "application/pdf",
		Checksum:    "sum-lost",
		URI:         "uploads/lost.pdf",
	})
	failed, _ := f.drive(t, sub.ID)

	if failed.FailureReason != "AttachmentUnavailable" {
		t.Errorf("expected AttachmentUnavailable, got %s", failed.FailureReason)
	}
}

func TestOrchestrator_BlobReadErrorIsTransient(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	reads := 0
	f.blobs.ReadFn = func(ctx context.Context, uri string) ([]byte, error) {
		reads++
		if reads == 1 {
			return nil, errors.New("connection reset")
		}
		return []byte("passport"), nil
	}

	sub := f.submit(t, "msg-1", domain.AttachmentRef{
		Filename: "passport.pdf", ContentType: "application/pdf", Checksum: "c", URI: "gs://bucket/passport.pdf",
	})

	result, err := f.orch.Advance(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if result.RetryAfter == 0 || result.Submission.Stage != domain.StageExtracting {
		t.Fatalf("expected retry at EXTRACTING, got %s after %v", result.Submission.Stage, result.RetryAfter)
	}

	done, _ := f.drive(t, sub.ID)
	if done.Stage != domain.StageDone {
		t.Errorf("expected DONE, got %s", done.Stage)
	}
}

func TestOrchestrator_BlobReadTimeout(t *testing.T) {
	f := newPipelineFixture(t)
	f.blobTimeout = 50 * time.Millisecond
	f.build()
	f.blobs.ReadFn = func(ctx context.Context, uri string) ([]byte, error) {
		// a storage backend that accepts the request and never answers
		<-ctx.Done()
		return nil, ctx.Err()
	}

	sub := f.submit(t, "msg-1", domain.AttachmentRef{
		Filename: "passport.pdf", ContentType: "application/pdf", Checksum: "c", URI: "gs://bucket/passport.pdf",
	})

	start := time.Now()
	result, err := f.orch.Advance(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("expected the read to give up near the timeout, took %v", elapsed)
	}
	if result.RetryAfter == 0 || result.Submission.Stage != domain.StageExtracting {
		t.Fatalf("expected retry at EXTRACTING, got %s after %v", result.Submission.Stage, result.RetryAfter)
	}

	history, _ := f.store.History(context.Background(), sub.ID)
	last := history[len(history)-1]
	if last.Outcome != domain.OutcomeRetry || !strings.Contains(last.Detail, "(Timeout)") {
		t.Errorf("expected a Timeout retry record, got %s %q", last.Outcome, last.Detail)
	}
}

func TestOrchestrator_CancelBeforeProcessing(t *testing.T) {
	f := newPipelineFixture(t)
	sub := f.submit(t, "msg-1")

	cancelled, err := f.orch.Cancel(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !cancelled.CancelRequested {
		t.Error("expected cancel flag")
	}

	failed, _ := f.drive(t, sub.ID)
	if failed.FailureReason != "Cancelled" {
		t.Errorf("expected Cancelled, got %s", failed.FailureReason)
	}
	if f.classifier.Calls() != 0 {
		t.Error("expected no classification after cancel")
	}
	if f.notifier.Count(sub.ID) != 1 {
		t.Errorf("expected 1 notification, got %d", f.notifier.Count(sub.ID))
	}
}

func TestOrchestrator_CancelBetweenStages(t *testing.T) {
	f := newPipelineFixture(t)
	sub := f.submit(t, "msg-1")
	f.classifier.fn = func(call int) (*domain.Classification, error) {
		// Operator cancels while classification is in flight.
		if _, err := f.orch.Cancel(context.Background(), sub.ID); err != nil {
			return nil, err
		}
		return &domain.Classification{ID: "cls", Category: domain.CategoryWorkPermit, Confidence: 0.8}, nil
	}

	failed, _ := f.drive(t, sub.ID)

	if failed.FailureReason != "Cancelled" {
		t.Errorf("expected Cancelled, got %s", failed.FailureReason)
	}
	if failed.FailedStage != domain.StageClassified {
		t.Errorf("expected cancellation after CLASSIFIED, got %s", failed.FailedStage)
	}
	if f.evaluator.Calls() != 0 {
		t.Error("expected no evaluation after cancel")
	}
}

func TestOrchestrator_CancelTerminalIsNoop(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	sub := f.submit(t, "msg-1")
	f.drive(t, sub.ID)
	tasks := len(f.queue.Tasks())

	got, err := f.orch.Cancel(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.CancelRequested {
		t.Error("expected terminal submission to be unchanged")
	}
	if got.Status != domain.StatusNonCompliant {
		t.Errorf("expected non_compliant, got %s", got.Status)
	}
	if len(f.queue.Tasks()) != tasks {
		t.Error("expected no task for terminal submission")
	}
}

func TestOrchestrator_SchedulingWidensWindow(t *testing.T) {
	f := newPipelineFixture(t)
	// Outside the first 15 days, inside the first widening.
	f.addSlot(t, 20*24*time.Hour)

	sub := f.submit(t, "msg-1")
	done, _ := f.drive(t, sub.ID)

	if done.Status != domain.StatusCompliant {
		t.Fatalf("expected compliant, got %s (%s)", done.Status, done.LastError)
	}
	if f.slots.ReserveCalls() != 2 {
		t.Errorf("expected 2 reservation attempts, got %d", f.slots.ReserveCalls())
	}
}

func TestOrchestrator_SchedulingUnavailable(t *testing.T) {
	f := newPipelineFixture(t)

	sub := f.submit(t, "msg-1")
	failed, _ := f.drive(t, sub.ID)

	if failed.FailureReason != "SchedulingUnavailable" {
		t.Errorf("expected SchedulingUnavailable, got %s", failed.FailureReason)
	}
	if failed.FailedStage != domain.StageScheduling {
		t.Errorf("expected failed at SCHEDULING, got %s", failed.FailedStage)
	}
	want := DefaultSchedulePolicy().MaxWidenings + 1
	if f.slots.ReserveCalls() != want {
		t.Errorf("expected %d reservation attempts, got %d", want, f.slots.ReserveCalls())
	}
}

func TestOrchestrator_ResumeAfterFailedFinalize(t *testing.T) {
	f := newPipelineFixture(t)
	f.addSlot(t, 48*time.Hour)
	sub := f.submit(t, "msg-1")

	f.store.FinalizeErr = errors.New("connection lost")
	if _, err := f.orch.Advance(context.Background(), sub.ID); err == nil {
		t.Fatal("expected finalize error")
	}
	stored, _ := f.store.Get(context.Background(), sub.ID)
	if stored.Stage != domain.StageScheduling {
		t.Fatalf("expected SCHEDULING persisted, got %s", stored.Stage)
	}

	f.store.FinalizeErr = nil
	done, _ := f.drive(t, sub.ID)

	if done.Status != domain.StatusCompliant {
		t.Errorf("expected compliant, got %s", done.Status)
	}
	if f.slots.AppointmentCount() != 1 {
		t.Errorf("expected 1 appointment, got %d", f.slots.AppointmentCount())
	}
	if f.store.EventCount() != 1 || f.notifier.Count(sub.ID) != 1 {
		t.Error("expected exactly one terminal event and notification")
	}
	if f.evaluator.Calls() != 1 {
		t.Errorf("expected evaluation not to re-run, got %d calls", f.evaluator.Calls())
	}
}

func TestOrchestrator_NotifierFailureLeavesEventUndelivered(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	f.notifier.NotifyFn = func(ev *domain.TerminalEvent) error {
		return errors.New("sink down")
	}

	sub := f.submit(t, "msg-1")
	done, _ := f.drive(t, sub.ID)
	if done.Stage != domain.StageDone {
		t.Fatalf("expected DONE despite notifier failure, got %s", done.Stage)
	}

	pending, _ := f.store.ListUndelivered(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("expected 1 undelivered event, got %d", len(pending))
	}
}

func TestOrchestrator_Reevaluate(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	sub := f.submit(t, "msg-1")
	f.drive(t, sub.ID)

	f.evaluator.nonCompliant = false
	verdict, err := f.orch.Reevaluate(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("reevaluate failed: %v", err)
	}
	if verdict.Version != 2 || !verdict.Compliant {
		t.Errorf("expected compliant verdict version 2, got v%d compliant=%v", verdict.Version, verdict.Compliant)
	}

	cls, _ := f.store.ListClassifications(context.Background(), sub.ID)
	if len(cls) != 2 {
		t.Errorf("expected 2 classification versions, got %d", len(cls))
	}
	active, _ := f.store.ActiveVerdict(context.Background(), sub.ID)
	if active.Version != 2 {
		t.Errorf("expected active verdict version 2, got %d", active.Version)
	}
	if f.store.EventCount() != 1 || f.notifier.Count(sub.ID) != 1 {
		t.Error("expected no new terminal event")
	}
}

func TestOrchestrator_Reevaluate_EvaluatorFailureKeepsRecords(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	sub := f.submit(t, "msg-1")
	f.drive(t, sub.ID)

	f.classifier.fn = func(call int) (*domain.Classification, error) {
		return &domain.Classification{ID: "cls-new", Category: domain.CategoryWorkPermit, Confidence: 0.7}, nil
	}
	f.evaluator.fn = func(call int) (*domain.ComplianceVerdict, error) {
		return nil, domain.NewTransientFailure(fmt.Errorf("%w: evaluate", domain.ErrTimeout))
	}

	_, err := f.orch.Reevaluate(context.Background(), sub.ID)
	expectFailure(t, err, domain.FailureTransient, domain.ErrTimeout.Error())

	ctx := context.Background()
	classifications, _ := f.store.ListClassifications(ctx, sub.ID)
	verdicts, _ := f.store.ListVerdicts(ctx, sub.ID)
	if len(classifications) != 1 || len(verdicts) != 1 {
		t.Fatalf("expected only the original records, got %d classifications and %d verdicts",
			len(classifications), len(verdicts))
	}
	activeCls, _ := f.store.ActiveClassification(ctx, sub.ID)
	activeVerdict, _ := f.store.ActiveVerdict(ctx, sub.ID)
	if activeVerdict.ClassificationID != activeCls.ID {
		t.Errorf("active verdict cites %s, active classification is %s", activeVerdict.ClassificationID, activeCls.ID)
	}
	if activeCls.Category != domain.CategoryResidencePermitExtension {
		t.Errorf("expected the original category to stay active, got %s", activeCls.Category)
	}
}

func TestOrchestrator_Reevaluate_SaveFailureKeepsRecords(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	sub := f.submit(t, "msg-1")
	f.drive(t, sub.ID)

	f.store.SaveAssessmentErr = errors.New("connection lost")
	if _, err := f.orch.Reevaluate(context.Background(), sub.ID); err == nil {
		t.Fatal("expected save error")
	}
	classifications, _ := f.store.ListClassifications(context.Background(), sub.ID)
	if len(classifications) != 1 {
		t.Errorf("expected 1 classification version, got %d", len(classifications))
	}
}

func TestOrchestrator_Reevaluate_HeldSubmission(t *testing.T) {
	f := newPipelineFixture(t)
	f.lock = mocks.NewMockDistributedLock()
	f.build()
	f.evaluator.nonCompliant = true
	sub := f.submit(t, "msg-1")
	f.drive(t, sub.ID)

	name := domain.SubmissionLockName(sub.ID)
	f.lock.SetLockHeld(name, time.Minute)
	_, err := f.orch.Reevaluate(context.Background(), sub.ID)
	if !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if f.classifier.Calls() != 1 {
		t.Errorf("expected no classification while held, got %d calls", f.classifier.Calls())
	}

	if err := f.lock.Release(context.Background(), name); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Reevaluate(context.Background(), sub.ID); err != nil {
		t.Fatalf("reevaluate failed: %v", err)
	}
	if f.lock.IsHeld(name) {
		t.Error("expected the lock to be released after re-evaluation")
	}
	if f.lock.Acquisitions(name) != 1 {
		t.Errorf("expected 1 acquisition, got %d", f.lock.Acquisitions(name))
	}
}

func TestOrchestrator_Reevaluate_RequiresDone(t *testing.T) {
	f := newPipelineFixture(t)
	sub := f.submit(t, "msg-1")

	_, err := f.orch.Reevaluate(context.Background(), sub.ID)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestOrchestrator_RecoverStalled(t *testing.T) {
	f := newPipelineFixture(t)
	stalled := f.submit(t, "msg-1")
	fresh := f.submit(t, "msg-2")
	f.store.Touch(stalled.ID, time.Now().Add(-time.Hour))

	count, err := f.orch.RecoverStalled(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recovered submission, got %d", count)
	}

	perSubmission := map[string]int{}
	for _, task := range f.queue.Pending() {
		perSubmission[task.SubmissionID()]++
	}
	if perSubmission[stalled.ID] != 2 {
		t.Errorf("expected stalled submission re-enqueued, got %d tasks", perSubmission[stalled.ID])
	}
	if perSubmission[fresh.ID] != 1 {
		t.Errorf("expected fresh submission untouched, got %d tasks", perSubmission[fresh.ID])
	}
}

func TestOrchestrator_Get(t *testing.T) {
	f := newPipelineFixture(t)
	f.addSlot(t, 48*time.Hour)
	sub := f.submit(t, "msg-1", f.attachment("passport.pdf", "application/pdf", "passport"))

	view, err := f.orch.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if view.Classification != nil || view.Verdict != nil || view.Event != nil {
		t.Error("expected no records before processing")
	}

	f.drive(t, sub.ID)
	view, err = f.orch.Get(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(view.Documents) != 1 || view.Classification == nil || view.Verdict == nil {
		t.Error("expected documents, classification and verdict")
	}
	if view.Appointment == nil || view.Event == nil {
		t.Error("expected appointment and event")
	}
	if len(view.History) == 0 {
		t.Error("expected history")
	}

	if _, err := f.orch.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestOrchestrator_Stats(t *testing.T) {
	f := newPipelineFixture(t)
	f.evaluator.nonCompliant = true
	done := f.submit(t, "msg-1")
	f.submit(t, "msg-2")
	f.drive(t, done.ID)

	stats, err := f.orch.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats[domain.StatusNonCompliant] != 1 || stats[domain.StatusPending] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

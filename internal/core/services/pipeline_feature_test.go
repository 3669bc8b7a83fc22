package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven/mocks"
)

func TestPipelineFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "pipeline",
		ScenarioInitializer: initializePipelineScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// pipelineWorld wires the orchestrator with the real classifier and
// evaluator over scripted reasoning services and in-memory stores.
type pipelineWorld struct {
	store     *mocks.MockStore
	queue     *mocks.MockTaskQueue
	blobs     *mocks.MockBlobStore
	slots     *mocks.MockSlotStore
	notifier  *mocks.MockNotifier
	classLLM  *mocks.MockReasoningService
	evalLLM   *mocks.MockReasoningService
	retriever *stubRetriever

	orch        *Orchestrator
	attachments []domain.AttachmentRef
	submission  *domain.Submission
	advances    int
}

func newPipelineWorld() *pipelineWorld {
	return &pipelineWorld{
		store:     mocks.NewMockStore(),
		queue:     mocks.NewMockTaskQueue(),
		blobs:     mocks.NewMockBlobStore(),
		slots:     mocks.NewMockSlotStore(),
		notifier:  mocks.NewMockNotifier(),
		classLLM:  mocks.NewMockReasoningService(),
		evalLLM:   mocks.NewMockReasoningService(),
		retriever: &stubRetriever{},
	}
}

func (w *pipelineWorld) build() error {
	classifier, err := NewClassifier(ClassifierConfig{
		Services: newTestServices(w.classLLM, nil),
		Timeout:  time.Second,
	})
	if err != nil {
		return err
	}
	evaluator, err := NewComplianceEvaluator(ComplianceEvaluatorConfig{
		Services:  newTestServices(w.evalLLM, nil),
		Retriever: w.retriever,
		Timeout:   time.Second,
	})
	if err != nil {
		return err
	}
	w.orch = NewOrchestrator(OrchestratorConfig{
		SubmissionStore:  w.store,
		RecordStore:      w.store,
		OutboxStore:      w.store,
		TaskQueue:        w.queue,
		BlobStore:        w.blobs,
		Extractor:        mocks.NewMockExtractor(),
		Classifier:       classifier,
		Evaluator:        evaluator,
		Appointments:     NewAppointmentService(AppointmentServiceConfig{SlotStore: w.slots}),
		Dispatcher:       NewNotificationDispatcher(w.store, w.notifier, nil),
		RetryPolicy:      domain.DefaultRetryPolicy(),
		SchedulePolicy:   DefaultSchedulePolicy(),
		FetchConcurrency: 2,
	})
	return nil
}

func (w *pipelineWorld) openSlot(days int) error {
	_, err := w.slots.CreateSlots(context.Background(), []*domain.AppointmentSlot{{
		StartTime: time.Now().Add(time.Duration(days) * 24 * time.Hour),
		Duration:  time.Hour,
		Capacity:  1,
		Location:  domain.DefaultLocation,
	}})
	return err
}

func classificationReply(category string) mocks.Reply {
	return mocks.Reply{Text: fmt.Sprintf(`{"category": %q, "confidence": 0.9, "explanation": "scripted"}`, category)}
}

func (w *pipelineWorld) classifierAnswers(category string) error {
	w.classLLM.Push(classificationReply(category))
	return nil
}

func (w *pipelineWorld) classifierTimesOut(times int, category string) error {
	for i := 0; i < times; i++ {
		w.classLLM.Push(mocks.Reply{Err: context.DeadlineExceeded})
	}
	w.classLLM.Push(classificationReply(category))
	return nil
}

func (w *pipelineWorld) corpusHolds(n int, category string) error {
	w.retriever.hits = nil
	for i := 1; i <= n; i++ {
		w.retriever.hits = append(w.retriever.hits, domain.ScoredPassage{
			Score: 0.9 - float64(i)/100,
			Passage: &domain.GuidelinePassage{
				ID:       fmt.Sprintf("%s#%d", category, i),
				Category: domain.Category(category),
				Document: category + " guidelines",
				Section:  fmt.Sprintf("Section %d", i),
				Text:     fmt.Sprintf("Requirement %d for %s applications.", i, category),
			},
		})
	}
	return nil
}

func (w *pipelineWorld) evaluatorCompliant(passageID string) error {
	w.evalLLM.Push(mocks.Reply{Text: fmt.Sprintf(`{
		"is_compliant": true,
		"compliance_score": 92,
		"cited_passages": [%q],
		"rationale": "All required documents are present.",
		"present_documents": ["passport"],
		"missing_documents": [],
		"issues": []
	}`, passageID)})
	return nil
}

func (w *pipelineWorld) arrivesWithAttachment(name, contentType, text string) error {
	uri := "uploads/" + name
	w.blobs.Put(uri, []byte(text))
	w.attachments = append(w.attachments, domain.AttachmentRef{
		Filename:    name,
		ContentType: contentType,
		Checksum:    "sum-" + name,
		URI:         uri,
	})

	if err := w.build(); err != nil {
		return err
	}
	receipt, err := w.orch.Submit(context.Background(), domain.SubmissionDescriptor{
		MessageID:   "msg-" + name,
		Sender:      "applicant@example.com",
		Subject:     "Application",
		Body:        "Please find my documents attached.",
		Attachments: w.attachments,
	})
	if err != nil {
		return err
	}
	w.submission = receipt.Submission
	return nil
}

func (w *pipelineWorld) arrivesWithPDF(name, text string) error {
	return w.arrivesWithAttachment(name, "application/pdf", text)
}

func (w *pipelineWorld) arrivesWithTyped(name, contentType string) error {
	return w.arrivesWithAttachment(name, contentType, "binary")
}

// workerProcesses re-runs Advance as the worker does after every RetryAfter.
func (w *pipelineWorld) workerProcesses() error {
	for w.advances < 20 {
		w.advances++
		result, err := w.orch.Advance(context.Background(), w.submission.ID)
		if err != nil {
			return fmt.Errorf("advance %d: %w", w.advances, err)
		}
		w.submission = result.Submission
		if result.Submission.IsTerminal() {
			return nil
		}
		if result.RetryAfter <= 0 {
			return fmt.Errorf("advance %d stopped at %s without a retry delay", w.advances, result.Submission.Stage)
		}
	}
	return fmt.Errorf("submission did not finish, stuck at %s", w.submission.Stage)
}

func (w *pipelineWorld) isDone(status string) error {
	if w.submission.Stage != domain.StageDone {
		return fmt.Errorf("expected DONE, got %s (%s)", w.submission.Stage, w.submission.LastError)
	}
	if string(w.submission.Status) != status {
		return fmt.Errorf("expected status %s, got %s", status, w.submission.Status)
	}
	return nil
}

func (w *pipelineWorld) isFailed(reason string) error {
	if w.submission.Stage != domain.StageFailed {
		return fmt.Errorf("expected FAILED, got %s", w.submission.Stage)
	}
	if w.submission.FailureReason != reason {
		return fmt.Errorf("expected reason %s, got %s", reason, w.submission.FailureReason)
	}
	return nil
}

func (w *pipelineWorld) verdict() (*domain.ComplianceVerdict, error) {
	return w.store.ActiveVerdict(context.Background(), w.submission.ID)
}

func (w *pipelineWorld) verdictCites(n int) error {
	v, err := w.verdict()
	if err != nil {
		return err
	}
	if len(v.CitedPassages) != n {
		return fmt.Errorf("expected %d cited passages, got %v", n, v.CitedPassages)
	}
	return nil
}

func (w *pipelineWorld) groundedOn(n int) error {
	v, err := w.verdict()
	if err != nil {
		return err
	}
	if len(v.RetrievedPassages) != n {
		return fmt.Errorf("expected %d retrieved passages, got %v", n, v.RetrievedPassages)
	}
	return nil
}

func (w *pipelineWorld) verdictRationale(rationale string) error {
	v, err := w.verdict()
	if err != nil {
		return err
	}
	if v.Rationale != rationale {
		return fmt.Errorf("expected rationale %q, got %q", rationale, v.Rationale)
	}
	return nil
}

func (w *pipelineWorld) oneEvent(status string) error {
	if n := w.notifier.Count(w.submission.ID); n != 1 {
		return fmt.Errorf("expected 1 published event, got %d", n)
	}
	if n := w.store.EventCount(); n != 1 {
		return fmt.Errorf("expected 1 stored event, got %d", n)
	}
	ev, err := w.store.GetEvent(context.Background(), w.submission.ID)
	if err != nil {
		return err
	}
	if string(ev.Status) != status {
		return fmt.Errorf("expected event status %s, got %s", status, ev.Status)
	}
	return nil
}

func (w *pipelineWorld) eventHasAppointment() error {
	ev, err := w.store.GetEvent(context.Background(), w.submission.ID)
	if err != nil {
		return err
	}
	if ev.Appointment == nil {
		return fmt.Errorf("expected an appointment on the terminal event")
	}
	return nil
}

func (w *pipelineWorld) eventReason(reason string) error {
	ev, err := w.store.GetEvent(context.Background(), w.submission.ID)
	if err != nil {
		return err
	}
	if ev.Reason != reason {
		return fmt.Errorf("expected event reason %s, got %s", reason, ev.Reason)
	}
	return nil
}

func (w *pipelineWorld) advancedTimes(n int) error {
	if w.advances != n {
		return fmt.Errorf("expected %d advances, got %d", n, w.advances)
	}
	return nil
}

func (w *pipelineWorld) classifierCalled(n int) error {
	if got := w.classLLM.Calls(); got != n {
		return fmt.Errorf("expected %d classification calls, got %d", n, got)
	}
	return nil
}

func (w *pipelineWorld) classificationRecords(n int) error {
	records, err := w.store.ListClassifications(context.Background(), w.submission.ID)
	if err != nil {
		return err
	}
	if len(records) != n {
		return fmt.Errorf("expected %d classification records, got %d", n, len(records))
	}
	return nil
}

func (w *pipelineWorld) evaluatorSkippedReasoning() error {
	if got := w.evalLLM.Calls(); got != 0 {
		return fmt.Errorf("expected no evaluation reasoning calls, got %d", got)
	}
	return nil
}

func initializePipelineScenario(sc *godog.ScenarioContext) {
	var w *pipelineWorld
	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		w = newPipelineWorld()
		return ctx, nil
	})

	sc.Step(`^an open appointment slot (\d+) days? from now$`, func(days int) error { return w.openSlot(days) })
	sc.Step(`^the classifier answers with category "([^"]*)"$`, func(c string) error { return w.classifierAnswers(c) })
	sc.Step(`^the classifier times out (\d+) times before answering with category "([^"]*)"$`, func(n int, c string) error { return w.classifierTimesOut(n, c) })
	sc.Step(`^the guideline corpus holds (\d+) passages for "([^"]*)"$`, func(n int, c string) error { return w.corpusHolds(n, c) })
	sc.Step(`^the evaluator finds the submission compliant citing "([^"]*)"$`, func(id string) error { return w.evaluatorCompliant(id) })
	sc.Step(`^a submission arrives with a PDF attachment "([^"]*)" reading "([^"]*)"$`, func(name, text string) error { return w.arrivesWithPDF(name, text) })
	sc.Step(`^a submission arrives with an attachment "([^"]*)" of type "([^"]*)"$`, func(name, ct string) error { return w.arrivesWithTyped(name, ct) })
	sc.Step(`^the worker processes the submission$`, func() error { return w.workerProcesses() })
	sc.Step(`^the submission is DONE with status "([^"]*)"$`, func(s string) error { return w.isDone(s) })
	sc.Step(`^the submission is FAILED with reason "([^"]*)"$`, func(r string) error { return w.isFailed(r) })
	sc.Step(`^the verdict cites (\d+) passages?$`, func(n int) error { return w.verdictCites(n) })
	sc.Step(`^the evaluation was grounded on (\d+) retrieved passages$`, func(n int) error { return w.groundedOn(n) })
	sc.Step(`^the verdict rationale is "([^"]*)"$`, func(r string) error { return w.verdictRationale(r) })
	sc.Step(`^exactly one terminal event with status "([^"]*)" was published$`, func(s string) error { return w.oneEvent(s) })
	sc.Step(`^the terminal event carries an appointment$`, func() error { return w.eventHasAppointment() })
	sc.Step(`^the terminal event reason is "([^"]*)"$`, func(r string) error { return w.eventReason(r) })
	sc.Step(`^the pipeline advanced (\d+) times?$`, func(n int) error { return w.advancedTimes(n) })
	sc.Step(`^the classifier was called (\d+) times$`, func(n int) error { return w.classifierCalled(n) })
	sc.Step(`^exactly (\d+) classification records? (?:was|were) persisted$`, func(n int) error { return w.classificationRecords(n) })
	sc.Step(`^the evaluator did not call the reasoning service$`, func() error { return w.evaluatorSkippedReasoning() })
}

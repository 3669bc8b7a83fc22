package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// MockStore is an in-memory SubmissionStore, RecordStore and OutboxStore.
// It stores copies, so callers observe the same optimistic-concurrency
// behaviour as the Postgres store.
type MockStore struct {
	mu sync.Mutex

	submissions     map[string]*domain.Submission
	history         map[string][]domain.StageRecord
	documents       map[string][][]*domain.ExtractedDocument
	classifications map[string][]*domain.Classification
	verdicts        map[string][]*domain.ComplianceVerdict
	events          map[string]*domain.TerminalEvent

	// Error injection
	TransitionErr     error
	FinalizeErr       error
	SaveAssessmentErr error
}

// NewMockStore creates an empty store.
func NewMockStore() *MockStore {
	return &MockStore{
		submissions:     make(map[string]*domain.Submission),
		history:         make(map[string][]domain.StageRecord),
		documents:       make(map[string][][]*domain.ExtractedDocument),
		classifications: make(map[string][]*domain.Classification),
		verdicts:        make(map[string][]*domain.ComplianceVerdict),
		events:          make(map[string]*domain.TerminalEvent),
	}
}

func copySubmission(s *domain.Submission) *domain.Submission {
	c := *s
	c.Attachments = append([]domain.AttachmentRef(nil), s.Attachments...)
	return &c
}

// SubmissionStore

func (m *MockStore) Create(ctx context.Context, sub *domain.Submission) (*domain.Submission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.submissions[sub.ID]; ok {
		return copySubmission(existing), false, nil
	}
	sub.Version = 1
	m.submissions[sub.ID] = copySubmission(sub)
	m.appendHistory(sub.ID, domain.StageRecord{
		SubmissionID: sub.ID,
		Stage:        sub.Stage,
		Outcome:      domain.OutcomeEntered,
		At:           sub.CreatedAt,
	})
	return copySubmission(sub), true, nil
}

func (m *MockStore) Get(ctx context.Context, id string) (*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.submissions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copySubmission(sub), nil
}

func (m *MockStore) Transition(ctx context.Context, sub *domain.Submission, rec domain.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TransitionErr != nil {
		return m.TransitionErr
	}
	if err := m.checkVersion(sub); err != nil {
		return err
	}
	m.write(sub, rec)
	return nil
}

func (m *MockStore) Finalize(ctx context.Context, sub *domain.Submission, rec domain.StageRecord, ev *domain.TerminalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FinalizeErr != nil {
		return m.FinalizeErr
	}
	if err := m.checkVersion(sub); err != nil {
		return err
	}
	if _, exists := m.events[sub.ID]; exists {
		return domain.ErrAlreadyExists
	}
	m.write(sub, rec)
	evCopy := *ev
	m.events[sub.ID] = &evCopy
	return nil
}

func (m *MockStore) checkVersion(sub *domain.Submission) error {
	stored, ok := m.submissions[sub.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != sub.Version || stored.IsTerminal() {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (m *MockStore) write(sub *domain.Submission, rec domain.StageRecord) {
	stored := m.submissions[sub.ID]
	sub.Version++
	sub.UpdatedAt = time.Now()
	sub.CancelRequested = sub.CancelRequested || stored.CancelRequested
	m.submissions[sub.ID] = copySubmission(sub)
	if rec.At.IsZero() {
		rec.At = sub.UpdatedAt
	}
	rec.SubmissionID = sub.ID
	m.appendHistory(sub.ID, rec)
}

func (m *MockStore) appendHistory(id string, rec domain.StageRecord) {
	rec.Seq = len(m.history[id]) + 1
	m.history[id] = append(m.history[id], rec)
}

func (m *MockStore) RequestCancel(ctx context.Context, id string) (*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.submissions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !sub.IsTerminal() {
		sub.CancelRequested = true
	}
	return copySubmission(sub), nil
}

func (m *MockStore) History(ctx context.Context, id string) ([]domain.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StageRecord(nil), m.history[id]...), nil
}

func (m *MockStore) ListStalled(ctx context.Context, before time.Time, limit int) ([]*domain.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Submission
	for _, s := range m.submissions {
		if !s.IsTerminal() && s.UpdatedAt.Before(before) {
			out = append(out, copySubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) CountByStatus(ctx context.Context) (map[domain.SubmissionStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.SubmissionStatus]int)
	for _, s := range m.submissions {
		counts[s.Status]++
	}
	return counts, nil
}

// RecordStore

func (m *MockStore) SaveDocuments(ctx context.Context, submissionID string, docs []*domain.ExtractedDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	version := len(m.documents[submissionID]) + 1
	batch := make([]*domain.ExtractedDocument, len(docs))
	for i, d := range docs {
		d.SubmissionID = submissionID
		d.Version = version
		c := *d
		batch[i] = &c
	}
	m.documents[submissionID] = append(m.documents[submissionID], batch)
	return nil
}

func (m *MockStore) ActiveDocuments(ctx context.Context, submissionID string) ([]*domain.ExtractedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.documents[submissionID]
	if len(versions) == 0 {
		return nil, nil
	}
	return append([]*domain.ExtractedDocument(nil), versions[len(versions)-1]...), nil
}

func (m *MockStore) SaveClassification(ctx context.Context, c *domain.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c.Version = len(m.classifications[c.SubmissionID]) + 1
	cp := *c
	m.classifications[c.SubmissionID] = append(m.classifications[c.SubmissionID], &cp)
	return nil
}

func (m *MockStore) ActiveClassification(ctx context.Context, submissionID string) (*domain.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.classifications[submissionID]
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	cp := *all[len(all)-1]
	return &cp, nil
}

func (m *MockStore) ListClassifications(ctx context.Context, submissionID string) ([]*domain.Classification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Classification(nil), m.classifications[submissionID]...), nil
}

func (m *MockStore) SaveVerdict(ctx context.Context, v *domain.ComplianceVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v.Version = len(m.verdicts[v.SubmissionID]) + 1
	cp := *v
	m.verdicts[v.SubmissionID] = append(m.verdicts[v.SubmissionID], &cp)
	return nil
}

func (m *MockStore) ActiveVerdict(ctx context.Context, submissionID string) (*domain.ComplianceVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.verdicts[submissionID]
	if len(all) == 0 {
		return nil, domain.ErrNotFound
	}
	cp := *all[len(all)-1]
	return &cp, nil
}

func (m *MockStore) ListVerdicts(ctx context.Context, submissionID string) ([]*domain.ComplianceVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.ComplianceVerdict(nil), m.verdicts[submissionID]...), nil
}

func (m *MockStore) SaveAssessment(ctx context.Context, c *domain.Classification, v *domain.ComplianceVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveAssessmentErr != nil {
		return m.SaveAssessmentErr
	}

	c.Version = len(m.classifications[c.SubmissionID]) + 1
	cc := *c
	m.classifications[c.SubmissionID] = append(m.classifications[c.SubmissionID], &cc)

	v.ClassificationID = c.ID
	v.Version = len(m.verdicts[v.SubmissionID]) + 1
	vc := *v
	m.verdicts[v.SubmissionID] = append(m.verdicts[v.SubmissionID], &vc)
	return nil
}

// OutboxStore

func (m *MockStore) GetEvent(ctx context.Context, submissionID string) (*domain.TerminalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[submissionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MockStore) ListUndelivered(ctx context.Context, limit int) ([]*domain.TerminalEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.TerminalEvent
	for _, ev := range m.events {
		if ev.DeliveredAt == nil {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) MarkDelivered(ctx context.Context, submissionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[submissionID]
	if !ok {
		return domain.ErrNotFound
	}
	if ev.DeliveredAt == nil {
		ev.DeliveredAt = &at
	}
	return nil
}

// Helper methods for testing

// EventCount returns how many terminal events were recorded.
func (m *MockStore) EventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// Touch moves a submission's UpdatedAt, to simulate a stalled worker.
func (m *MockStore) Touch(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.submissions[id]; ok {
		s.UpdatedAt = at
	}
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.RecordStore = (*RecordStore)(nil)

// RecordStore implements driven.RecordStore. Records are never updated;
// a save inserts the next version and the highest version is active.
type RecordStore struct {
	db *DB
}

// NewRecordStore creates a new RecordStore
func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// nextVersion locks the submission row and returns the next version of table.
// table is always one of the package's constant table names.
func nextVersion(ctx context.Context, tx *sql.Tx, table, submissionID string) (int, error) {
	var locked string
	err := tx.QueryRowContext(ctx, `SELECT id FROM submissions WHERE id = $1 FOR UPDATE`, submissionID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock submission: %w", err)
	}

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM `+table+` WHERE submission_id = $1`,
		submissionID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next %s version: %w", table, err)
	}
	return version, nil
}

func ensureID(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now()
	}
}

// SaveDocuments stores one extraction pass as a new version.
func (s *RecordStore) SaveDocuments(ctx context.Context, submissionID string, docs []*domain.ExtractedDocument) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		version, err := nextVersion(ctx, tx, "extracted_documents", submissionID)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO extracted_documents (id, submission_id, version, position, attachment, filename, text, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, doc := range docs {
			ensureID(&doc.ID, &doc.CreatedAt)
			doc.SubmissionID = submissionID
			doc.Version = version

			metadata, err := jsonValue(doc.Metadata)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx,
				doc.ID,
				submissionID,
				version,
				i,
				doc.Attachment,
				doc.Filename,
				doc.Text,
				metadata,
				doc.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert extracted document: %w", err)
			}
		}
		return nil
	})
}

// ActiveDocuments returns the documents of the latest extraction pass in attachment order.
func (s *RecordStore) ActiveDocuments(ctx context.Context, submissionID string) ([]*domain.ExtractedDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submission_id, version, attachment, filename, text, metadata, created_at
		FROM extracted_documents
		WHERE submission_id = $1
		  AND version = (SELECT MAX(version) FROM extracted_documents WHERE submission_id = $1)
		ORDER BY position ASC
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.ExtractedDocument
	for rows.Next() {
		var doc domain.ExtractedDocument
		var metadata []byte
		err := rows.Scan(
			&doc.ID,
			&doc.SubmissionID,
			&doc.Version,
			&doc.Attachment,
			&doc.Filename,
			&doc.Text,
			&metadata,
			&doc.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := scanJSON(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("decode document metadata: %w", err)
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// Classifications

const classificationColumns = `id, submission_id, version, category, confidence, explanation, key_info, model, created_at`

// SaveClassification inserts c as the next version and sets c.Version.
func (s *RecordStore) SaveClassification(ctx context.Context, c *domain.Classification) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return insertClassification(ctx, tx, c)
	})
}

func insertClassification(ctx context.Context, tx *sql.Tx, c *domain.Classification) error {
	keyInfo, err := jsonValue(c.KeyInfo)
	if err != nil {
		return err
	}
	version, err := nextVersion(ctx, tx, "classifications", c.SubmissionID)
	if err != nil {
		return err
	}
	ensureID(&c.ID, &c.CreatedAt)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO classifications (`+classificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		c.ID,
		c.SubmissionID,
		version,
		c.Category,
		c.Confidence,
		c.Explanation,
		keyInfo,
		c.Model,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}
	c.Version = version
	return nil
}

func scanClassification(row rowScanner) (*domain.Classification, error) {
	var c domain.Classification
	var keyInfo []byte
	err := row.Scan(
		&c.ID,
		&c.SubmissionID,
		&c.Version,
		&c.Category,
		&c.Confidence,
		&c.Explanation,
		&keyInfo,
		&c.Model,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := scanJSON(keyInfo, &c.KeyInfo); err != nil {
		return nil, fmt.Errorf("decode key info: %w", err)
	}
	return &c, nil
}

// ActiveClassification returns the latest classification version.
func (s *RecordStore) ActiveClassification(ctx context.Context, submissionID string) (*domain.Classification, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+classificationColumns+`
		FROM classifications
		WHERE submission_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, submissionID)
	c, err := scanClassification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return c, err
}

// ListClassifications returns every version, oldest first.
func (s *RecordStore) ListClassifications(ctx context.Context, submissionID string) ([]*domain.Classification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+classificationColumns+`
		FROM classifications
		WHERE submission_id = $1
		ORDER BY version ASC
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Classification
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Verdicts

const verdictColumns = `
	id, submission_id, version, classification_id, compliant, score, cited_passages,
	rationale, present_documents, missing_documents, required_documents, issues,
	retrieved_passages, prompt_context, prompt_digest, model, created_at`

// SaveVerdict inserts v as the next version and sets v.Version.
func (s *RecordStore) SaveVerdict(ctx context.Context, v *domain.ComplianceVerdict) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		return insertVerdict(ctx, tx, v)
	})
}

// SaveAssessment inserts a classification and the verdict derived from it in
// one transaction, so neither becomes active without the other.
func (s *RecordStore) SaveAssessment(ctx context.Context, c *domain.Classification, v *domain.ComplianceVerdict) error {
	if c.SubmissionID != v.SubmissionID {
		return fmt.Errorf("%w: classification and verdict belong to different submissions", domain.ErrInvalidInput)
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if err := insertClassification(ctx, tx, c); err != nil {
			return err
		}
		v.ClassificationID = c.ID
		return insertVerdict(ctx, tx, v)
	})
}

func insertVerdict(ctx context.Context, tx *sql.Tx, v *domain.ComplianceVerdict) error {
	version, err := nextVersion(ctx, tx, "verdicts", v.SubmissionID)
	if err != nil {
		return err
	}
	ensureID(&v.ID, &v.CreatedAt)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verdicts (`+verdictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		v.ID,
		v.SubmissionID,
		version,
		v.ClassificationID,
		v.Compliant,
		v.Score,
		pq.Array(nonNil(v.CitedPassages)),
		v.Rationale,
		pq.Array(nonNil(v.PresentDocuments)),
		pq.Array(nonNil(v.MissingDocuments)),
		pq.Array(nonNil(v.RequiredDocuments)),
		pq.Array(nonNil(v.Issues)),
		pq.Array(nonNil(v.RetrievedPassages)),
		v.PromptContext,
		v.PromptDigest,
		v.Model,
		v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	v.Version = version
	return nil
}

func scanVerdict(row rowScanner) (*domain.ComplianceVerdict, error) {
	var v domain.ComplianceVerdict
	err := row.Scan(
		&v.ID,
		&v.SubmissionID,
		&v.Version,
		&v.ClassificationID,
		&v.Compliant,
		&v.Score,
		pq.Array(&v.CitedPassages),
		&v.Rationale,
		pq.Array(&v.PresentDocuments),
		pq.Array(&v.MissingDocuments),
		pq.Array(&v.RequiredDocuments),
		pq.Array(&v.Issues),
		pq.Array(&v.RetrievedPassages),
		&v.PromptContext,
		&v.PromptDigest,
		&v.Model,
		&v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ActiveVerdict returns the latest verdict version.
func (s *RecordStore) ActiveVerdict(ctx context.Context, submissionID string) (*domain.ComplianceVerdict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+verdictColumns+`
		FROM verdicts
		WHERE submission_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, submissionID)
	v, err := scanVerdict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return v, err
}

// ListVerdicts returns every version, oldest first.
func (s *RecordStore) ListVerdicts(ctx context.Context, submissionID string) ([]*domain.ComplianceVerdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+verdictColumns+`
		FROM verdicts
		WHERE submission_id = $1
		ORDER BY version ASC
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ComplianceVerdict
	for rows.Next() {
		v, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

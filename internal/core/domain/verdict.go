package domain

import "time"

// NoGuidelineRationale is the rationale of the conservative verdict emitted
// when retrieval finds no passage for the category.
const NoGuidelineRationale = "no applicable guideline found"

// ComplianceVerdict is the versioned outcome of evaluation.
type ComplianceVerdict struct {
	ID               string   `json:"id"`
	SubmissionID     string   `json:"submission_id"`
	Version          int      `json:"version"`
	ClassificationID string   `json:"classification_id"`
	Compliant        bool     `json:"compliant"`
	Score            int      `json:"compliance_score"`
	CitedPassages    []string `json:"cited_passages"`
	Rationale        string   `json:"rationale"`

	PresentDocuments  []string `json:"present_documents,omitempty"`
	MissingDocuments  []string `json:"missing_documents,omitempty"`
	RequiredDocuments []string `json:"required_documents,omitempty"`
	Issues            []string `json:"issues,omitempty"`

	// Audit trail: exactly what the reasoning step saw.
	RetrievedPassages []string `json:"retrieved_passages"`
	PromptContext     string   `json:"prompt_context,omitempty"`
	PromptDigest      string   `json:"prompt_digest,omitempty"`
	Model             string   `json:"model,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Summary is the short human text carried by the terminal event.
func (v *ComplianceVerdict) Summary() string {
	if v == nil {
		return ""
	}
	if v.Compliant {
		return "compliant: " + v.Rationale
	}
	return "non-compliant: " + v.Rationale
}

package domain

import "time"

// Category is the request category of a submission.
type Category string

const (
	CategoryResidencePermitExtension Category = "residence-permit-extension"
	CategoryResidencePermitNew       Category = "residence-permit-new"
	CategoryVisaExtension            Category = "visa-extension"
	CategoryTemporaryVisa            Category = "temporary-visa"
	CategoryWorkPermit               Category = "work-permit"
	CategoryStudentVisa              Category = "student-visa"
	CategoryOther                    Category = "other"
)

// Categories lists every category the classifier may return.
func Categories() []Category {
	return []Category{
		CategoryResidencePermitExtension,
		CategoryResidencePermitNew,
		CategoryVisaExtension,
		CategoryTemporaryVisa,
		CategoryWorkPermit,
		CategoryStudentVisa,
		CategoryOther,
	}
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// Classification is a versioned category assignment for a submission.
// At most one version per submission is active.
type Classification struct {
	ID           string            `json:"id"`
	SubmissionID string            `json:"submission_id"`
	Version      int               `json:"version"`
	Category     Category          `json:"category"`
	Confidence   float64           `json:"confidence"`
	Explanation  string            `json:"explanation,omitempty"`
	KeyInfo      map[string]string `json:"key_info,omitempty"`
	Model        string            `json:"model"`
	CreatedAt    time.Time         `json:"created_at"`
}

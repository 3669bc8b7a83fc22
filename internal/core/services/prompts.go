package services

import (
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

const classifierSystemPrompt = `You classify requests sent to an immigration office.
Read the email and its attached documents and decide which request category applies.

Categories:
- residence-permit-extension: extending an existing residence permit
- residence-permit-new: first application for a residence permit
- visa-extension: extending a visa that is still valid
- temporary-visa: short-term or visitor visa
- work-permit: permission to work, with or without an employer sponsor
- student-visa: study, enrolment or university admission based stay
- other: anything that fits none of the above

Answer with one JSON object:
{"category": "<category>", "confidence": <0..1>, "explanation": "<one sentence>",
 "key_info": {"name": "...", "nationality": "...", "document_numbers": "...", "dates": "..."}}
Leave out key_info fields that are not present in the text.`

const evaluatorSystemPrompt = `You check immigration applications against official guidelines.
You receive the applicant's submission and numbered guideline passages.
Decide whether the submission satisfies the guidelines. Base the decision only on the passages given.

Answer with one JSON object:
{"is_compliant": true|false,
 "compliance_score": <0..100>,
 "cited_passages": ["<passage id>", ...],
 "rationale": "<short explanation>",
 "present_documents": [...], "missing_documents": [...], "required_documents": [...],
 "issues": [...]}
cited_passages must list the ids of every passage supporting the decision, using the ids exactly as given.
A compliant decision must cite at least one passage.`

func classificationPrompt(text string) string {
	return "Submission:\n\n" + text
}

// passageContext renders retrieved passages as the block shown to the model.
func passageContext(hits []domain.ScoredPassage) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s\n%s", h.Passage.ID, h.Passage.Citation(), strings.TrimSpace(h.Passage.Text))
	}
	return b.String()
}

func evaluationPrompt(cls *domain.Classification, text, passages string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request category: %s\n", cls.Category)
	if len(cls.KeyInfo) > 0 {
		keys := make([]string, 0, len(cls.KeyInfo))
		for k := range cls.KeyInfo {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Applicant details:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, cls.KeyInfo[k])
		}
	}
	b.WriteString("\nGuideline passages:\n\n")
	b.WriteString(passages)
	b.WriteString("\n\nSubmission:\n\n")
	b.WriteString(text)
	return b.String()
}

package domain

// GuidelinePassage is one chunk of official guideline text.
// Passages are immutable once the corpus is loaded.
type GuidelinePassage struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Document string   `json:"document"`
	Section  string   `json:"section,omitempty"`
	Text     string   `json:"text"`
	// Position is the insertion order in the corpus; it breaks similarity ties.
	Position  int       `json:"position"`
	Embedding []float32 `json:"-"`
}

// Citation renders "document § section".
func (p *GuidelinePassage) Citation() string {
	if p.Section == "" {
		return p.Document
	}
	return p.Document + " § " + p.Section
}

// ScoredPassage is a retrieval hit.
type ScoredPassage struct {
	Passage *GuidelinePassage `json:"passage"`
	Score   float64           `json:"score"`
}

// CorpusStats summarises a loaded guideline corpus.
type CorpusStats struct {
	Documents  int              `json:"documents"`
	Passages   int              `json:"passages"`
	Categories map[Category]int `json:"categories"`
	Dimensions int              `json:"dimensions"`
}

package types

// CategoryType tags how a grid category is judged
type CategoryType string

// CategoryType constants
const (
	CategoryObjective  CategoryType = "objective"
	CategoryMixed      CategoryType = "mixed"
	CategorySubjective CategoryType = "subjective"
	CategoryContextual CategoryType = "contextual"
)

// Valid reports whether t is a known category type
func (t CategoryType) Valid() bool {
	switch t {
	case CategoryObjective, CategoryMixed, CategorySubjective, CategoryContextual:
		return true
	}
	return false
}

// ScoringGuide describes what each of the four score tiers means for a subcriterion
type ScoringGuide struct {
	Low       string `json:"low"`       // 0-2
	Medium    string `json:"medium"`    // 3-5
	High      string `json:"high"`      // 6-7
	Excellent string `json:"excellent"` // 8-9
}

// Subcriterion is a single scored item inside a grid category
type Subcriterion struct {
	Criterion    string       `json:"criterion"`
	Description  string       `json:"description"`
	Metrics      []string     `json:"metrics,omitempty"`
	Indicators   []string     `json:"indicators,omitempty"`
	ScoringGuide ScoringGuide `json:"scoring_guide"`
	// Weight overrides the default share of the category weight when set
	Weight *float64 `json:"weight,omitempty"`
}

// GridCategory groups subcriteria under a weight
type GridCategory struct {
	Name        string         `json:"name"`
	Weight      float64        `json:"weight"`
	Type        CategoryType   `json:"type"`
	Subcriteria []Subcriterion `json:"subcriteria"`
}

// EvaluationGrid is the weighted rubric used to score contributions of one type
type EvaluationGrid struct {
	ContributionType ContributionType `json:"contribution_type"`
	Version          string           `json:"version"`
	Categories       []GridCategory   `json:"categories"`
}

package types

import (
	"time"

	"github.com/google/uuid"
)

// ContributionType is the kind of artifact a contribution produced
type ContributionType string

// ContributionType constants
const (
	ContributionCode    ContributionType = "code"
	ContributionModel   ContributionType = "model"
	ContributionDataset ContributionType = "dataset"
)

// ContributionTypes lists every known contribution type
var ContributionTypes = []ContributionType{ContributionCode, ContributionModel, ContributionDataset}

// Valid reports whether t is a known contribution type
func (t ContributionType) Valid() bool {
	switch t {
	case ContributionCode, ContributionModel, ContributionDataset:
		return true
	}
	return false
}

// CriterionScore is the score given to one subcriterion of a grid
type CriterionScore struct {
	Criterion string  `json:"criterion"`
	Score     int     `json:"score"`
	Weight    float64 `json:"weight"`
	Comment   string  `json:"comment,omitempty"`
}

// Evaluation is the scored result of evaluating a contribution
type Evaluation struct {
	Scores      []CriterionScore `json:"scores"`
	GlobalScore float64          `json:"global_score"`
	GridVersion string           `json:"grid_version,omitempty"`
}

// Contribution is one deduplicated, scored unit of work mapped to a single roadmap sub-step
type Contribution struct {
	ID          uuid.UUID        `json:"id"`
	ChallengeID string           `json:"challenge_id"`
	UserID      string           `json:"user_id"`
	Title       string           `json:"title"`
	Type        ContributionType `json:"type"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags"`
	CommitShas  []string         `json:"commit_shas"`
	Evaluation  *Evaluation      `json:"evaluation,omitempty"`
	Reward      int              `json:"reward"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// GlobalScore returns the evaluation's global score, or 0 when not evaluated
func (c *Contribution) GlobalScore() float64 {
	if c.Evaluation == nil {
		return 0
	}
	return c.Evaluation.GlobalScore
}

// DraftContribution is a candidate contribution proposed by the identify stage
type DraftContribution struct {
	Title       string           `json:"title" validate:"required"`
	Type        ContributionType `json:"type" validate:"required,oneof=code model dataset"`
	Description string           `json:"description" validate:"required"`
	Tags        []string         `json:"tags"`
	UserID      string           `json:"userId" validate:"required"`
	// CommitShas are ordered oldest to newest
	CommitShas []string `json:"commitShas" validate:"required,min=1,dive,required"`
}

// MergeDecision says whether a draft is new or extends an existing contribution
type MergeDecision struct {
	Draft             DraftContribution `json:"draft"`
	OldContributionID *uuid.UUID        `json:"old_contribution_id,omitempty"`
	// Previous is the existing contribution being extended, including its last evaluation
	Previous *Contribution `json:"-"`
}

// IsMerge reports whether the decision extends an existing contribution
func (d *MergeDecision) IsMerge() bool {
	return d.OldContributionID != nil
}

// Reward is the share of a challenge pool allocated to one contribution
type Reward struct {
	ContributionID uuid.UUID `json:"contribution_id"`
	UserID         string    `json:"user_id"`
	Score          float64   `json:"score"`
	Reward         int       `json:"reward"`
}

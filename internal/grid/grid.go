// Package grid resolves, validates and flattens the weighted rubrics used to
// score contributions.
package grid

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/schemas"
	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// WeightTolerance is the allowed deviation of the category weight sum from 1
const WeightTolerance = 0.01

//go:embed static/*.json
var staticGrids embed.FS

// FlatCriterion is a subcriterion with its effective weight
type FlatCriterion struct {
	Category     string             `json:"category"`
	CategoryType types.CategoryType `json:"categoryType"`
	Criterion    string             `json:"criterion"`
	Description  string             `json:"description"`
	Metrics      []string           `json:"metrics,omitempty"`
	Indicators   []string           `json:"indicators,omitempty"`
	ScoringGuide types.ScoringGuide `json:"scoringGuide"`
	Weight       float64            `json:"weight"`
}

// Validate checks the grid's structure and weights
func Validate(g *types.EvaluationGrid) error {
	if g == nil {
		return &ValidationError{Field: "grid", Message: "is nil"}
	}
	if !g.ContributionType.Valid() {
		return &ValidationError{Field: "contribution_type", Message: fmt.Sprintf("unknown type %q", g.ContributionType)}
	}
	if len(g.Categories) == 0 {
		return &ValidationError{Field: "categories", Message: "at least one category is required"}
	}

	seen := make(map[string]bool)
	sum := 0.0
	for i, cat := range g.Categories {
		field := fmt.Sprintf("categories[%d]", i)
		if cat.Name == "" {
			return &ValidationError{Field: field + ".name", Message: "is required"}
		}
		if cat.Weight < 0 {
			return &ValidationError{Field: field + ".weight", Message: "must be non-negative"}
		}
		if !cat.Type.Valid() {
			return &ValidationError{Field: field + ".type", Message: fmt.Sprintf("unknown category type %q", cat.Type)}
		}
		if len(cat.Subcriteria) == 0 {
			return &ValidationError{Field: field + ".subcriteria", Message: "at least one subcriterion is required"}
		}
		for j, sub := range cat.Subcriteria {
			subField := fmt.Sprintf("%s.subcriteria[%d]", field, j)
			if sub.Criterion == "" {
				return &ValidationError{Field: subField + ".criterion", Message: "is required"}
			}
			if seen[sub.Criterion] {
				return &ValidationError{Field: subField + ".criterion", Message: fmt.Sprintf("duplicate criterion %q", sub.Criterion)}
			}
			seen[sub.Criterion] = true
			if sub.Weight != nil && *sub.Weight < 0 {
				return &ValidationError{Field: subField + ".weight", Message: "must be non-negative"}
			}
		}
		sum += cat.Weight
	}

	if math.Abs(sum-1) > WeightTolerance {
		return &ValidationError{Field: "categories", Message: fmt.Sprintf("weights sum to %.3f, want 1", sum)}
	}
	return nil
}

// Flatten lists every subcriterion in grid order with its effective weight:
// the explicit weight when set, otherwise the category weight split evenly.
func Flatten(g *types.EvaluationGrid) []FlatCriterion {
	var out []FlatCriterion
	for _, cat := range g.Categories {
		if len(cat.Subcriteria) == 0 {
			continue
		}
		share := cat.Weight / float64(len(cat.Subcriteria))
		for _, sub := range cat.Subcriteria {
			w := share
			if sub.Weight != nil {
				w = *sub.Weight
			}
			out = append(out, FlatCriterion{
				Category:     cat.Name,
				CategoryType: cat.Type,
				Criterion:    sub.Criterion,
				Description:  sub.Description,
				Metrics:      sub.Metrics,
				Indicators:   sub.Indicators,
				ScoringGuide: sub.ScoringGuide,
				Weight:       w,
			})
		}
	}
	return out
}

// Parse decodes a grid document, checking it against the grid JSON schema
// and Validate
func Parse(data []byte) (*types.EvaluationGrid, error) {
	if err := schemas.Validate(schemas.Grid, data); err != nil {
		return nil, err
	}
	var g types.EvaluationGrid
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode grid: %w", err)
	}
	if err := Validate(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Static returns the built-in grid for a contribution type. Unknown types
// get the code grid.
func Static(contributionType types.ContributionType) (*types.EvaluationGrid, error) {
	if !contributionType.Valid() {
		contributionType = types.ContributionCode
	}
	data, err := staticGrids.ReadFile("static/" + string(contributionType) + ".json")
	if err != nil {
		return nil, fmt.Errorf("no static grid for %s: %w", contributionType, err)
	}
	return Parse(data)
}

// Catalog resolves grids from the store with the static grids as fallback
type Catalog struct {
	store  store.GridStore
	logger *zap.Logger
}

// NewCatalog creates a catalog. A nil store serves static grids only.
func NewCatalog(s store.GridStore, logger *zap.Logger) *Catalog {
	return &Catalog{store: s, logger: logging.OrNop(logger)}
}

// Resolve returns the published grid for the type, or the static one
func (c *Catalog) Resolve(ctx context.Context, contributionType types.ContributionType) (*types.EvaluationGrid, error) {
	if !contributionType.Valid() {
		c.logger.Warn("unknown contribution type, using code grid", zap.String("type", string(contributionType)))
		contributionType = types.ContributionCode
	}

	if c.store != nil {
		g, err := c.store.GetGrid(ctx, contributionType)
		switch {
		case err != nil:
			c.logger.Warn("failed to load published grid, using static grid",
				zap.String("type", string(contributionType)), zap.Error(err))
		case g != nil:
			if verr := Validate(g); verr != nil {
				c.logger.Warn("published grid is invalid, using static grid",
					zap.String("type", string(contributionType)), zap.Error(verr))
			} else {
				return g, nil
			}
		}
	}
	return Static(contributionType)
}

// Publish validates a grid and stores it as the current version for its type
func (c *Catalog) Publish(ctx context.Context, g *types.EvaluationGrid) error {
	if err := Validate(g); err != nil {
		return err
	}
	if c.store == nil {
		return fmt.Errorf("no grid store configured")
	}
	return c.store.SaveGrid(ctx, g)
}

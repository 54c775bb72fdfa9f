package grid

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

type mockGridStore struct {
	grids map[types.ContributionType]*types.EvaluationGrid
	err   error
	saved []*types.EvaluationGrid
}

func (m *mockGridStore) GetGrid(_ context.Context, t types.ContributionType) (*types.EvaluationGrid, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.grids[t], nil
}

func (m *mockGridStore) SaveGrid(_ context.Context, g *types.EvaluationGrid) error {
	m.saved = append(m.saved, g)
	return nil
}

func weight(w float64) *float64 { return &w }

func sampleGrid() *types.EvaluationGrid {
	return &types.EvaluationGrid{
		ContributionType: types.ContributionCode,
		Version:          "v1",
		Categories: []types.GridCategory{
			{Name: "Quality", Weight: 0.6, Type: types.CategoryObjective, Subcriteria: []types.Subcriterion{
				{Criterion: "tests"}, {Criterion: "structure"}, {Criterion: "correctness"},
			}},
			{Name: "Impact", Weight: 0.4, Type: types.CategoryContextual, Subcriteria: []types.Subcriterion{
				{Criterion: "alignment"},
			}},
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *types.EvaluationGrid)
		field  string
	}{
		{name: "valid", mutate: func(*types.EvaluationGrid) {}},
		{name: "within tolerance", mutate: func(g *types.EvaluationGrid) { g.Categories[1].Weight = 0.405 }},
		{name: "weights off", mutate: func(g *types.EvaluationGrid) { g.Categories[1].Weight = 0.5 }, field: "categories"},
		{name: "no categories", mutate: func(g *types.EvaluationGrid) { g.Categories = nil }, field: "categories"},
		{name: "empty category", mutate: func(g *types.EvaluationGrid) { g.Categories[0].Subcriteria = nil }, field: "categories[0].subcriteria"},
		{name: "bad type", mutate: func(g *types.EvaluationGrid) { g.Categories[0].Type = "vibes" }, field: "categories[0].type"},
		{name: "negative explicit weight", mutate: func(g *types.EvaluationGrid) {
			g.Categories[1].Subcriteria[0].Weight = weight(-0.1)
		}, field: "categories[1].subcriteria[0].weight"},
		{name: "duplicate criterion", mutate: func(g *types.EvaluationGrid) {
			g.Categories[1].Subcriteria[0].Criterion = "tests"
		}, field: "categories[1].subcriteria[0].criterion"},
		{name: "unknown contribution type", mutate: func(g *types.EvaluationGrid) { g.ContributionType = "docs" }, field: "contribution_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := sampleGrid()
			tt.mutate(g)
			err := Validate(g)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestFlatten(t *testing.T) {
	g := sampleGrid()
	g.Categories[1].Subcriteria = append(g.Categories[1].Subcriteria, types.Subcriterion{Criterion: "scope", Weight: weight(0.1)})

	flat := Flatten(g)
	require.Len(t, flat, 5)
	assert.Equal(t, "tests", flat[0].Criterion)
	assert.InDelta(t, 0.2, flat[0].Weight, 1e-9)
	assert.Equal(t, "Impact", flat[3].Category)
	assert.InDelta(t, 0.2, flat[3].Weight, 1e-9)
	assert.InDelta(t, 0.1, flat[4].Weight, 1e-9)
}

func TestStatic(t *testing.T) {
	for _, ct := range types.ContributionTypes {
		t.Run(string(ct), func(t *testing.T) {
			g, err := Static(ct)
			require.NoError(t, err)
			assert.Equal(t, ct, g.ContributionType)
			assert.NoError(t, Validate(g))

			total := 0.0
			for _, f := range Flatten(g) {
				total += f.Weight
			}
			assert.InDelta(t, 1.0, total, WeightTolerance)
		})
	}

	g, err := Static("unknown")
	require.NoError(t, err)
	assert.Equal(t, types.ContributionCode, g.ContributionType)
}

func TestParse_RejectsSchemaViolation(t *testing.T) {
	_, err := Parse([]byte(`{"contribution_type": "code", "version": "v1", "categories": []}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"contribution_type": "code", "version": "v1", "categories": [
		{"name": "A", "weight": 0.5, "type": "objective", "subcriteria": [{"criterion": "a", "description": ""}]}]}`))
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCatalog_Resolve(t *testing.T) {
	ctx := context.Background()
	published := sampleGrid()
	published.Version = "published"

	t.Run("published grid wins", func(t *testing.T) {
		c := NewCatalog(&mockGridStore{grids: map[types.ContributionType]*types.EvaluationGrid{types.ContributionCode: published}}, nil)
		g, err := c.Resolve(ctx, types.ContributionCode)
		require.NoError(t, err)
		assert.Equal(t, "published", g.Version)
	})

	t.Run("falls back to static", func(t *testing.T) {
		c := NewCatalog(&mockGridStore{}, nil)
		g, err := c.Resolve(ctx, types.ContributionDataset)
		require.NoError(t, err)
		assert.Equal(t, "static-v1", g.Version)
		assert.Equal(t, types.ContributionDataset, g.ContributionType)
	})

	t.Run("store error falls back to static", func(t *testing.T) {
		c := NewCatalog(&mockGridStore{err: errors.New("db down")}, nil)
		g, err := c.Resolve(ctx, types.ContributionModel)
		require.NoError(t, err)
		assert.Equal(t, types.ContributionModel, g.ContributionType)
	})

	t.Run("unknown type uses code grid", func(t *testing.T) {
		c := NewCatalog(nil, nil)
		g, err := c.Resolve(ctx, "docs")
		require.NoError(t, err)
		assert.Equal(t, types.ContributionCode, g.ContributionType)
	})
}

func TestCatalog_Publish(t *testing.T) {
	s := &mockGridStore{}
	c := NewCatalog(s, nil)

	require.NoError(t, c.Publish(context.Background(), sampleGrid()))
	assert.Len(t, s.saved, 1)

	bad := sampleGrid()
	bad.Categories[0].Weight = 0.1
	assert.Error(t, c.Publish(context.Background(), bad))
	assert.Len(t, s.saved, 1)
}

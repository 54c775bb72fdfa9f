package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

// GetGrid retrieves the published grid for a contribution type
func (s *Store) GetGrid(ctx context.Context, contributionType types.ContributionType) (*types.EvaluationGrid, error) {
	var grid types.EvaluationGrid
	var categories string
	err := s.db.QueryRowContext(ctx,
		`SELECT version, categories FROM evaluation_grids WHERE contribution_type = ?`,
		string(contributionType),
	).Scan(&grid.Version, &categories)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get grid: %w", err)
	}

	if err := json.Unmarshal([]byte(categories), &grid.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode grid categories: %w", err)
	}
	grid.ContributionType = contributionType
	return &grid, nil
}

// SaveGrid publishes a grid, replacing any previous version for the same type
func (s *Store) SaveGrid(ctx context.Context, grid *types.EvaluationGrid) error {
	categories, err := json.Marshal(grid.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal grid categories: %w", err)
	}

	_, err = s.exec(ctx,
		`INSERT INTO evaluation_grids (contribution_type, version, categories, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (contribution_type) DO UPDATE SET version = excluded.version,
		     categories = excluded.categories, updated_at = excluded.updated_at`,
		string(grid.ContributionType), grid.Version, string(categories), toMillis(now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save grid %s: %w", grid.ContributionType, err)
	}
	return nil
}

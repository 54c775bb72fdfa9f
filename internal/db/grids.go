package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

// GetGrid retrieves the published grid for a contribution type
func (db *DB) GetGrid(ctx context.Context, contributionType types.ContributionType) (*types.EvaluationGrid, error) {
	var grid types.EvaluationGrid
	var categoriesJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT version, categories FROM evaluation_grids WHERE contribution_type = $1`,
		string(contributionType),
	).Scan(&grid.Version, &categoriesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get grid: %w", err)
	}

	if err := json.Unmarshal(categoriesJSON, &grid.Categories); err != nil {
		return nil, fmt.Errorf("failed to decode grid categories: %w", err)
	}
	grid.ContributionType = contributionType
	return &grid, nil
}

// SaveGrid publishes a grid, replacing any previous version for the same type
func (db *DB) SaveGrid(ctx context.Context, grid *types.EvaluationGrid) error {
	categoriesJSON, err := json.Marshal(grid.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal grid categories: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO evaluation_grids (contribution_type, version, categories)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (contribution_type) DO UPDATE SET version = $2, categories = $3, updated_at = NOW()`,
		string(grid.ContributionType), grid.Version, categoriesJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to save grid %s: %w", grid.ContributionType, err)
	}
	return nil
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

const contributionColumns = `id, challenge_id, user_id, title, type, description, tags, commit_shas,
	evaluation, reward, created_at, updated_at`

// GetContribution retrieves a contribution by ID
func (db *DB) GetContribution(ctx context.Context, id uuid.UUID) (*types.Contribution, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = $1`, id)
	c, err := scanContribution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get contribution: %w", err)
	}
	return c, nil
}

// ListContributions retrieves every contribution of a challenge in creation order
func (db *DB) ListContributions(ctx context.Context, challengeID string) ([]types.Contribution, error) {
	return db.queryContributions(ctx,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE challenge_id = $1 ORDER BY created_at, id`,
		challengeID,
	)
}

// ListUserContributions retrieves the contributions of one user in a challenge
func (db *DB) ListUserContributions(ctx context.Context, challengeID, userID string) ([]types.Contribution, error) {
	return db.queryContributions(ctx,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE challenge_id = $1 AND user_id = $2 ORDER BY created_at, id`,
		challengeID, userID,
	)
}

// InsertContribution stores a new contribution
func (db *DB) InsertContribution(ctx context.Context, c *types.Contribution) error {
	evalJSON, err := marshalEvaluation(c.Evaluation)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO contributions (id, challenge_id, user_id, title, type, description, tags, commit_shas, evaluation, reward)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		c.ID, c.ChallengeID, c.UserID, c.Title, string(c.Type), c.Description,
		nonNil(c.Tags), nonNil(c.CommitShas), evalJSON, c.Reward,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

// UpdateContribution rewrites a contribution in place, keeping its reward
func (db *DB) UpdateContribution(ctx context.Context, c *types.Contribution) error {
	evalJSON, err := marshalEvaluation(c.Evaluation)
	if err != nil {
		return err
	}

	err = db.pool.QueryRow(ctx,
		`UPDATE contributions
		 SET title = $1, type = $2, description = $3, tags = $4, commit_shas = $5,
		     evaluation = $6, updated_at = NOW()
		 WHERE id = $7
		 RETURNING updated_at`,
		c.Title, string(c.Type), c.Description, nonNil(c.Tags), nonNil(c.CommitShas), evalJSON, c.ID,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("contribution not found: %s", c.ID)
		}
		return fmt.Errorf("failed to update contribution: %w", err)
	}
	return nil
}

// SaveRewards resets the challenge's rewards and writes the new allocation in one transaction
func (db *DB) SaveRewards(ctx context.Context, challengeID string, rewards []types.Reward) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE contributions SET reward = 0 WHERE challenge_id = $1`, challengeID,
		); err != nil {
			return fmt.Errorf("failed to reset rewards: %w", err)
		}
		for _, r := range rewards {
			tag, err := tx.Exec(ctx,
				`UPDATE contributions SET reward = $1, updated_at = NOW()
				 WHERE id = $2 AND challenge_id = $3`,
				r.Reward, r.ContributionID, challengeID,
			)
			if err != nil {
				return fmt.Errorf("failed to save reward for %s: %w", r.ContributionID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("contribution not found in challenge %s: %s", challengeID, r.ContributionID)
			}
		}
		return nil
	})
}

func (db *DB) queryContributions(ctx context.Context, query string, args ...any) ([]types.Contribution, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	var out []types.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanContribution(row rowScanner) (*types.Contribution, error) {
	var c types.Contribution
	var contributionType string
	var evalJSON []byte

	err := row.Scan(&c.ID, &c.ChallengeID, &c.UserID, &c.Title, &contributionType, &c.Description,
		&c.Tags, &c.CommitShas, &evalJSON, &c.Reward, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = types.ContributionType(contributionType)
	if len(evalJSON) > 0 {
		var eval types.Evaluation
		if err := json.Unmarshal(evalJSON, &eval); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation: %w", err)
		}
		c.Evaluation = &eval
	}
	return &c, nil
}

func marshalEvaluation(eval *types.Evaluation) ([]byte, error) {
	if eval == nil {
		return nil, nil
	}
	data, err := json.Marshal(eval)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

const contributionColumns = `id, challenge_id, user_id, title, type, description, tags, commit_shas,
	evaluation, reward, created_at, updated_at`

// GetContribution retrieves a contribution by ID
func (s *Store) GetContribution(ctx context.Context, id uuid.UUID) (*types.Contribution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contributionColumns+` FROM contributions WHERE id = ?`, id.String())
	c, err := scanContribution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get contribution: %w", err)
	}
	return c, nil
}

// ListContributions retrieves every contribution of a challenge in creation order
func (s *Store) ListContributions(ctx context.Context, challengeID string) ([]types.Contribution, error) {
	return s.queryContributions(ctx,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE challenge_id = ? ORDER BY created_at, rowid`,
		challengeID,
	)
}

// ListUserContributions retrieves the contributions of one user in a challenge
func (s *Store) ListUserContributions(ctx context.Context, challengeID, userID string) ([]types.Contribution, error) {
	return s.queryContributions(ctx,
		`SELECT `+contributionColumns+` FROM contributions
		 WHERE challenge_id = ? AND user_id = ? ORDER BY created_at, rowid`,
		challengeID, userID,
	)
}

// InsertContribution stores a new contribution
func (s *Store) InsertContribution(ctx context.Context, c *types.Contribution) error {
	tags, commits, eval, err := encodeContribution(c)
	if err != nil {
		return err
	}

	ts := fromMillis(toMillis(now()))
	_, err = s.exec(ctx,
		`INSERT INTO contributions (id, challenge_id, user_id, title, type, description, tags, commit_shas,
		                            evaluation, reward, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.ChallengeID, c.UserID, c.Title, string(c.Type), c.Description,
		tags, commits, eval, c.Reward, toMillis(ts), toMillis(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	c.CreatedAt = ts
	c.UpdatedAt = ts
	return nil
}

// UpdateContribution rewrites a contribution in place, keeping its reward
func (s *Store) UpdateContribution(ctx context.Context, c *types.Contribution) error {
	tags, commits, eval, err := encodeContribution(c)
	if err != nil {
		return err
	}

	ts := fromMillis(toMillis(now()))
	result, err := s.exec(ctx,
		`UPDATE contributions
		 SET title = ?, type = ?, description = ?, tags = ?, commit_shas = ?, evaluation = ?, updated_at = ?
		 WHERE id = ?`,
		c.Title, string(c.Type), c.Description, tags, commits, eval, toMillis(ts), c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update contribution: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("contribution not found: %s", c.ID)
	}
	c.UpdatedAt = ts
	return nil
}

// SaveRewards resets the challenge's rewards and writes the new allocation in one transaction
func (s *Store) SaveRewards(ctx context.Context, challengeID string, rewards []types.Reward) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE contributions SET reward = 0 WHERE challenge_id = ?`, challengeID,
	); err != nil {
		return fmt.Errorf("failed to reset rewards: %w", err)
	}

	ts := toMillis(now())
	for _, r := range rewards {
		result, err := tx.ExecContext(ctx,
			`UPDATE contributions SET reward = ?, updated_at = ? WHERE id = ? AND challenge_id = ?`,
			r.Reward, ts, r.ContributionID.String(), challengeID,
		)
		if err != nil {
			return fmt.Errorf("failed to save reward for %s: %w", r.ContributionID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("contribution not found in challenge %s: %s", challengeID, r.ContributionID)
		}
	}
	return tx.Commit()
}

func (s *Store) queryContributions(ctx context.Context, query string, args ...any) ([]types.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func encodeContribution(c *types.Contribution) (tags, commits string, eval sql.NullString, err error) {
	if tags, err = marshalStrings(c.Tags); err != nil {
		return "", "", eval, fmt.Errorf("failed to marshal tags: %w", err)
	}
	if commits, err = marshalStrings(c.CommitShas); err != nil {
		return "", "", eval, fmt.Errorf("failed to marshal commit shas: %w", err)
	}
	if c.Evaluation != nil {
		data, err := json.Marshal(c.Evaluation)
		if err != nil {
			return "", "", eval, fmt.Errorf("failed to marshal evaluation: %w", err)
		}
		eval = sql.NullString{String: string(data), Valid: true}
	}
	return tags, commits, eval, nil
}

func scanContribution(row rowScanner) (*types.Contribution, error) {
	var c types.Contribution
	var id, contributionType, tags, commits string
	var eval sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&id, &c.ChallengeID, &c.UserID, &c.Title, &contributionType, &c.Description,
		&tags, &commits, &eval, &c.Reward, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid contribution id %q: %w", id, err)
	}
	if c.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if c.CommitShas, err = unmarshalStrings(commits); err != nil {
		return nil, fmt.Errorf("failed to decode commit shas: %w", err)
	}
	if eval.Valid && eval.String != "" {
		var e types.Evaluation
		if err := json.Unmarshal([]byte(eval.String), &e); err != nil {
			return nil, fmt.Errorf("failed to decode evaluation: %w", err)
		}
		c.Evaluation = &e
	}
	c.Type = types.ContributionType(contributionType)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

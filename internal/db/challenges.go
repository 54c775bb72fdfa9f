package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// GetChallenge retrieves a challenge by ID
func (db *DB) GetChallenge(ctx context.Context, id string) (*types.Challenge, error) {
	var c types.Challenge
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, reward_pool, roadmap_text, status, created_at FROM challenges WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.RewardPool, &c.RoadmapText, &c.Status, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return &c, nil
}

// ListLinkedRepos retrieves the sources linked to a challenge
func (db *DB) ListLinkedRepos(ctx context.Context, challengeID string) ([]types.LinkedRepo, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, challenge_id, name, url, kind FROM challenge_repos
		 WHERE challenge_id = $1 ORDER BY name`,
		challengeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked repos: %w", err)
	}
	defer rows.Close()

	var repos []types.LinkedRepo
	for rows.Next() {
		var r types.LinkedRepo
		var kind string
		if err := rows.Scan(&r.ID, &r.ChallengeID, &r.Name, &r.URL, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan linked repo: %w", err)
		}
		r.Kind = types.SourceKind(kind)
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// ListTeam retrieves the roster of a challenge
func (db *DB) ListTeam(ctx context.Context, challengeID string) ([]types.TeamMember, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT user_id, name, git_handle, git_email, role FROM challenge_members
		 WHERE challenge_id = $1 ORDER BY name`,
		challengeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list team: %w", err)
	}
	defer rows.Close()

	var team []types.TeamMember
	for rows.Next() {
		var m types.TeamMember
		if err := rows.Scan(&m.UserID, &m.Name, &m.GitHandle, &m.GitEmail, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		team = append(team, m)
	}
	return team, rows.Err()
}

// ListOpenTasks retrieves open tasks of a challenge with parents resolved to arena indices
func (db *DB) ListOpenTasks(ctx context.Context, challengeID string) ([]types.OpenTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, parent_id, title, description, assignee_id FROM challenge_tasks
		 WHERE challenge_id = $1 AND status <> 'done' ORDER BY position, id`,
		challengeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.OpenTask
	for rows.Next() {
		var t types.OpenTask
		if err := rows.Scan(&t.ID, &t.ParentID, &t.Title, &t.Description, &t.AssigneeID); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	store.LinkTaskParents(tasks)
	return tasks, nil
}

// CloseChallenge marks a challenge as closed unless one of its runs is
// active. The row lock makes a concurrent CreateRun either finish first, so
// its run is seen here, or wait and find the challenge closed.
func (db *DB) CloseChallenge(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM challenges WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("challenge %s: %w", id, store.ErrNotFound)
			}
			return fmt.Errorf("failed to lock challenge: %w", err)
		}

		var active bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM evaluation_runs WHERE challenge_id = $1 AND status IN ('pending', 'running'))`,
			id,
		).Scan(&active); err != nil {
			return fmt.Errorf("failed to check active runs: %w", err)
		}
		if active {
			return store.ErrActiveRunExists
		}

		if _, err := tx.Exec(ctx, `UPDATE challenges SET status = 'closed' WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to close challenge: %w", err)
		}
		return nil
	})
}

// UpsertChallenge creates or replaces a challenge
func (db *DB) UpsertChallenge(ctx context.Context, c *types.Challenge) error {
	if c.Status == "" {
		c.Status = types.ChallengeOpen
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO challenges (id, name, reward_pool, roadmap_text, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, reward_pool = EXCLUDED.reward_pool,
		     roadmap_text = EXCLUDED.roadmap_text, status = EXCLUDED.status
		 RETURNING created_at`,
		c.ID, c.Name, c.RewardPool, c.RoadmapText, c.Status,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert challenge: %w", err)
	}
	return nil
}

// AddLinkedRepo links a source to a challenge
func (db *DB) AddLinkedRepo(ctx context.Context, r types.LinkedRepo) error {
	if r.Kind == "" {
		r.Kind = types.SourceCode
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO challenge_repos (id, challenge_id, name, url, kind) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url, kind = EXCLUDED.kind`,
		r.ID, r.ChallengeID, r.Name, r.URL, string(r.Kind),
	)
	if err != nil {
		return fmt.Errorf("failed to add linked repo: %w", err)
	}
	return nil
}

// AddTeamMember adds a participant to a challenge
func (db *DB) AddTeamMember(ctx context.Context, challengeID string, m types.TeamMember) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO challenge_members (challenge_id, user_id, name, git_handle, git_email, role)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (challenge_id, user_id) DO UPDATE SET name = EXCLUDED.name,
		     git_handle = EXCLUDED.git_handle, git_email = EXCLUDED.git_email, role = EXCLUDED.role`,
		challengeID, m.UserID, m.Name, m.GitHandle, m.GitEmail, m.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

// AddTask adds a backlog task to a challenge
func (db *DB) AddTask(ctx context.Context, challengeID string, t types.OpenTask, status string, position int) error {
	if status == "" {
		status = "open"
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO challenge_tasks (id, challenge_id, parent_id, title, description, assignee_id, status, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET parent_id = EXCLUDED.parent_id, title = EXCLUDED.title,
		     description = EXCLUDED.description, assignee_id = EXCLUDED.assignee_id,
		     status = EXCLUDED.status, position = EXCLUDED.position`,
		t.ID, challengeID, t.ParentID, t.Title, t.Description, t.AssigneeID, status, position,
	)
	if err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}
	return nil
}

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// GetChallenge retrieves a challenge by ID
func (s *Store) GetChallenge(ctx context.Context, id string) (*types.Challenge, error) {
	var c types.Challenge
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, reward_pool, roadmap_text, status, created_at FROM challenges WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Name, &c.RewardPool, &c.RoadmapText, &c.Status, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// ListLinkedRepos retrieves the sources linked to a challenge
func (s *Store) ListLinkedRepos(ctx context.Context, challengeID string) ([]types.LinkedRepo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, challenge_id, name, url, kind FROM challenge_repos
		 WHERE challenge_id = ? ORDER BY name`,
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
func (s *Store) ListTeam(ctx context.Context, challengeID string) ([]types.TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, git_handle, git_email, role FROM challenge_members
		 WHERE challenge_id = ? ORDER BY name`,
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
func (s *Store) ListOpenTasks(ctx context.Context, challengeID string) ([]types.OpenTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_id, title, description, assignee_id FROM challenge_tasks
		 WHERE challenge_id = ? AND status <> 'done' ORDER BY position, id`,
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

// CloseChallenge marks a challenge as closed unless one of its runs is active
func (s *Store) CloseChallenge(ctx context.Context, id string) error {
	result, err := s.exec(ctx,
		`UPDATE challenges SET status = 'closed'
		 WHERE id = ? AND NOT EXISTS (
		     SELECT 1 FROM evaluation_runs WHERE challenge_id = ? AND status IN ('pending', 'running'))`,
		id, id,
	)
	if err != nil {
		return fmt.Errorf("failed to close challenge: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	c, err := s.GetChallenge(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("challenge %s: %w", id, store.ErrNotFound)
	}
	return store.ErrActiveRunExists
}

// -----------------------------------------------------------------------------
// Seeding
// -----------------------------------------------------------------------------

// UpsertChallenge creates or replaces a challenge
func (s *Store) UpsertChallenge(ctx context.Context, c *types.Challenge) error {
	if c.Status == "" {
		c.Status = types.ChallengeOpen
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO challenges (id, name, reward_pool, roadmap_text, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, reward_pool = excluded.reward_pool,
		     roadmap_text = excluded.roadmap_text, status = excluded.status`,
		c.ID, c.Name, c.RewardPool, c.RoadmapText, c.Status, toMillis(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert challenge: %w", err)
	}
	return nil
}

// AddLinkedRepo links a source to a challenge
func (s *Store) AddLinkedRepo(ctx context.Context, r types.LinkedRepo) error {
	if r.Kind == "" {
		r.Kind = types.SourceCode
	}
	_, err := s.exec(ctx,
		`INSERT INTO challenge_repos (id, challenge_id, name, url, kind) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, url = excluded.url, kind = excluded.kind`,
		r.ID, r.ChallengeID, r.Name, r.URL, string(r.Kind),
	)
	if err != nil {
		return fmt.Errorf("failed to add linked repo: %w", err)
	}
	return nil
}

// AddTeamMember adds a participant to a challenge
func (s *Store) AddTeamMember(ctx context.Context, challengeID string, m types.TeamMember) error {
	_, err := s.exec(ctx,
		`INSERT INTO challenge_members (challenge_id, user_id, name, git_handle, git_email, role)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (challenge_id, user_id) DO UPDATE SET name = excluded.name,
		     git_handle = excluded.git_handle, git_email = excluded.git_email, role = excluded.role`,
		challengeID, m.UserID, m.Name, m.GitHandle, m.GitEmail, m.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to add team member: %w", err)
	}
	return nil
}

// AddTask adds a backlog task to a challenge
func (s *Store) AddTask(ctx context.Context, challengeID string, t types.OpenTask, status string, position int) error {
	if status == "" {
		status = "open"
	}
	_, err := s.exec(ctx,
		`INSERT INTO challenge_tasks (id, challenge_id, parent_id, title, description, assignee_id, status, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id, title = excluded.title,
		     description = excluded.description, assignee_id = excluded.assignee_id,
		     status = excluded.status, position = excluded.position`,
		t.ID, challengeID, t.ParentID, t.Title, t.Description, t.AssigneeID, status, position,
	)
	if err != nil {
		return fmt.Errorf("failed to add task: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

// Seeder writes challenge context. Every method is an upsert so a seed can
// be re-applied.
type Seeder interface {
	UpsertChallenge(ctx context.Context, c *types.Challenge) error
	AddLinkedRepo(ctx context.Context, r types.LinkedRepo) error
	AddTeamMember(ctx context.Context, challengeID string, m types.TeamMember) error
	AddTask(ctx context.Context, challengeID string, t types.OpenTask, status string, position int) error
}

// SeedTask is a backlog task of a challenge seed
type SeedTask struct {
	ID          string `koanf:"id"`
	ParentID    string `koanf:"parent_id"`
	Title       string `koanf:"title"`
	Description string `koanf:"description"`
	AssigneeID  string `koanf:"assignee_id"`
	Status      string `koanf:"status"`
}

// SeedRepo is a linked source of a challenge seed
type SeedRepo struct {
	ID   string `koanf:"id"`
	Name string `koanf:"name"`
	URL  string `koanf:"url"`
	Kind string `koanf:"kind"`
}

// SeedMember is a participant of a challenge seed
type SeedMember struct {
	UserID    string `koanf:"user_id"`
	Name      string `koanf:"name"`
	GitHandle string `koanf:"git_handle"`
	GitEmail  string `koanf:"git_email"`
	Role      string `koanf:"role"`
}

// ChallengeSeed describes a challenge with its sources, roster and backlog
type ChallengeSeed struct {
	ID          string       `koanf:"id"`
	Name        string       `koanf:"name"`
	RewardPool  int          `koanf:"reward_pool"`
	RoadmapText string       `koanf:"roadmap"`
	Repos       []SeedRepo   `koanf:"repos"`
	Team        []SeedMember `koanf:"team"`
	Tasks       []SeedTask   `koanf:"tasks"`
}

// Validate checks the seed's required fields and references
func (s *ChallengeSeed) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("challenge seed: id is required")
	}
	if s.RewardPool < 0 {
		return fmt.Errorf("challenge seed %s: reward_pool must be non-negative", s.ID)
	}
	for i, r := range s.Repos {
		if r.ID == "" {
			return fmt.Errorf("challenge seed %s: repos[%d].id is required", s.ID, i)
		}
		switch types.SourceKind(r.Kind) {
		case "", types.SourceCode, types.SourceDocument:
		default:
			return fmt.Errorf("challenge seed %s: repos[%d].kind %q is not code or document", s.ID, i, r.Kind)
		}
	}
	for i, m := range s.Team {
		if m.UserID == "" {
			return fmt.Errorf("challenge seed %s: team[%d].user_id is required", s.ID, i)
		}
	}
	ids := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.ID == "" || t.Title == "" {
			return fmt.Errorf("challenge seed %s: tasks[%d] needs id and title", s.ID, i)
		}
		ids[t.ID] = true
	}
	for i, t := range s.Tasks {
		if t.ParentID != "" && !ids[t.ParentID] {
			return fmt.Errorf("challenge seed %s: tasks[%d].parent_id %q is not a task of the seed", s.ID, i, t.ParentID)
		}
	}
	return nil
}

// Seed validates and writes a challenge seed
func Seed(ctx context.Context, s Seeder, seed *ChallengeSeed) error {
	if err := seed.Validate(); err != nil {
		return err
	}
	if err := s.UpsertChallenge(ctx, &types.Challenge{
		ID:          seed.ID,
		Name:        seed.Name,
		RewardPool:  seed.RewardPool,
		RoadmapText: seed.RoadmapText,
	}); err != nil {
		return err
	}
	for _, r := range seed.Repos {
		if err := s.AddLinkedRepo(ctx, types.LinkedRepo{
			ID: r.ID, ChallengeID: seed.ID, Name: r.Name, URL: r.URL, Kind: types.SourceKind(r.Kind),
		}); err != nil {
			return err
		}
	}
	for _, m := range seed.Team {
		if err := s.AddTeamMember(ctx, seed.ID, types.TeamMember{
			UserID: m.UserID, Name: m.Name, GitHandle: m.GitHandle, GitEmail: m.GitEmail, Role: m.Role,
		}); err != nil {
			return err
		}
	}
	for i, t := range seed.Tasks {
		if err := s.AddTask(ctx, seed.ID, types.OpenTask{
			ID: t.ID, ParentID: t.ParentID, Title: t.Title, Description: t.Description, AssigneeID: t.AssigneeID,
		}, t.Status, i); err != nil {
			return err
		}
	}
	return nil
}

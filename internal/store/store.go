// Package store defines the persistence contract consumed by the evaluation pipeline.
// PostgreSQL (internal/db) and SQLite (internal/localstore) both implement Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

// ErrActiveRunExists is returned by CreateRun when the challenge already has a
// pending or running run. Implementations must detect this atomically.
var ErrActiveRunExists = errors.New("challenge already has an active run")

// ErrChallengeClosed is returned by CreateRun when the run's challenge is
// closed. Implementations must check it atomically with the insert.
var ErrChallengeClosed = errors.New("challenge is closed")

// ErrNotFound is wrapped by callers that look up a record which does not exist
var ErrNotFound = errors.New("not found")

// RunStore persists evaluation runs and their provenance rows
type RunStore interface {
	// CreateRun inserts a run. Returns ErrActiveRunExists when the
	// at-most-one-active-run constraint would be violated and
	// ErrChallengeClosed when the challenge is closed.
	CreateRun(ctx context.Context, run *types.EvaluationRun) error
	// GetRun returns nil, nil when the run does not exist
	GetRun(ctx context.Context, id uuid.UUID) (*types.EvaluationRun, error)
	// ActiveRun returns the pending/running run of a challenge, or nil
	ActiveRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error)
	// LastSucceededRun returns the most recently finished succeeded run, or nil
	LastSucceededRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error)
	ListRuns(ctx context.Context, challengeID string, limit int) ([]types.EvaluationRun, error)
	// UpdateRunStatus applies update only if the run is currently in one of from.
	// Returns false when no row matched.
	UpdateRunStatus(ctx context.Context, id uuid.UUID, from []types.RunStatus, update types.RunUpdate) (bool, error)
	// ListStaleRuns returns active runs started before the given time
	ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]types.EvaluationRun, error)

	InsertRunContributions(ctx context.Context, rows []types.RunContribution) error
	ListRunContributions(ctx context.Context, runID uuid.UUID) ([]types.RunContribution, error)
	CountRunContributions(ctx context.Context, runID uuid.UUID) (int, error)
}

// ContributionStore persists contributions and their rewards
type ContributionStore interface {
	GetContribution(ctx context.Context, id uuid.UUID) (*types.Contribution, error)
	ListContributions(ctx context.Context, challengeID string) ([]types.Contribution, error)
	ListUserContributions(ctx context.Context, challengeID, userID string) ([]types.Contribution, error)
	InsertContribution(ctx context.Context, c *types.Contribution) error
	// UpdateContribution rewrites title, description, type, tags, commits and
	// evaluation in place. Reward is left untouched.
	UpdateContribution(ctx context.Context, c *types.Contribution) error
	// SaveRewards resets every reward of the challenge to 0 and writes the given ones
	SaveRewards(ctx context.Context, challengeID string, rewards []types.Reward) error
}

// ChallengeStore reads the challenge context used by the pipeline
type ChallengeStore interface {
	GetChallenge(ctx context.Context, id string) (*types.Challenge, error)
	ListLinkedRepos(ctx context.Context, challengeID string) ([]types.LinkedRepo, error)
	ListTeam(ctx context.Context, challengeID string) ([]types.TeamMember, error)
	// ListOpenTasks returns open tasks with ParentIndex resolved against the returned slice
	ListOpenTasks(ctx context.Context, challengeID string) ([]types.OpenTask, error)
	// CloseChallenge marks a challenge closed. It returns ErrActiveRunExists
	// while a run of the challenge is active and wraps ErrNotFound for an
	// unknown challenge. Closing a closed challenge succeeds.
	CloseChallenge(ctx context.Context, id string) error
}

// GridStore persists published evaluation grids
type GridStore interface {
	// GetGrid returns nil, nil when no grid is published for the type
	GetGrid(ctx context.Context, contributionType types.ContributionType) (*types.EvaluationGrid, error)
	SaveGrid(ctx context.Context, grid *types.EvaluationGrid) error
}

// Store is the full persistence surface
type Store interface {
	RunStore
	ContributionStore
	ChallengeStore
	GridStore
	Close()
}

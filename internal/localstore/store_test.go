package localstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newRun(challengeID string, status types.RunStatus) *types.EvaluationRun {
	started := time.Now().UTC()
	return &types.EvaluationRun{
		ID:          uuid.New(),
		ChallengeID: challengeID,
		TriggerType: types.TriggerManual,
		Status:      status,
		StartedAt:   &started,
	}
}

func TestCreateRun_ActiveRunConstraint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := newRun("ch-1", types.RunStatusPending)
	require.NoError(t, s.CreateRun(ctx, first))

	second := newRun("ch-1", types.RunStatusPending)
	err := s.CreateRun(ctx, second)
	assert.ErrorIs(t, err, store.ErrActiveRunExists)

	// Another challenge is unaffected
	require.NoError(t, s.CreateRun(ctx, newRun("ch-2", types.RunStatusPending)))

	// Finishing the first run frees the slot
	finished := time.Now().UTC()
	ok, err := s.UpdateRunStatus(ctx, first.ID, types.ActiveRunStatuses, types.RunUpdate{
		Status:     types.RunStatusSucceeded,
		FinishedAt: &finished,
		Meta:       &types.RunMeta{ContributionCount: 2, DurationMs: 10},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.CreateRun(ctx, second))
}

func TestCreateRun_ConcurrentInserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateRun(ctx, newRun("ch-race", types.RunStatusPending))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrActiveRunExists)
	}
	assert.Equal(t, 1, succeeded)
}

func TestGetRun_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)
	run := newRun("ch-1", types.RunStatusPending)
	run.WindowStart = &start
	run.WindowEnd = &end
	run.TriggerPayload = map[string]any{"pr": float64(42)}
	run.CreatedBy = "alice"
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, types.RunStatusPending, got.Status)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, float64(42), got.TriggerPayload["pr"])
	require.NotNil(t, got.Window())
	assert.True(t, got.Window().Start.Equal(start))
	assert.True(t, got.Window().End.Equal(end))
	assert.Nil(t, got.FinishedAt)

	missing, err := s.GetRun(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateRunStatus_GuardsSourceStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := newRun("ch-1", types.RunStatusPending)
	require.NoError(t, s.CreateRun(ctx, run))

	// Not running yet, so a running-only transition does not match
	ok, err := s.UpdateRunStatus(ctx, run.ID, []types.RunStatus{types.RunStatusRunning},
		types.RunUpdate{Status: types.RunStatusSucceeded})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateRunStatus(ctx, run.ID, []types.RunStatus{types.RunStatusPending},
		types.RunUpdate{Status: types.RunStatusRunning})
	require.NoError(t, err)
	assert.True(t, ok)

	finished := time.Now().UTC()
	ok, err = s.UpdateRunStatus(ctx, run.ID, types.ActiveRunStatuses, types.RunUpdate{
		Status:       types.RunStatusFailed,
		FinishedAt:   &finished,
		ErrorCode:    "agent_exhausted",
		ErrorMessage: "identify failed",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
	assert.Equal(t, "agent_exhausted", got.ErrorCode)
	require.NotNil(t, got.FinishedAt)

	active, err := s.ActiveRun(ctx, "ch-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestLastSucceededRunAndStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newRun("ch-1", types.RunStatusPending)
	require.NoError(t, s.CreateRun(ctx, old))
	finished := time.Now().UTC().Add(-time.Hour)
	_, err := s.UpdateRunStatus(ctx, old.ID, types.ActiveRunStatuses,
		types.RunUpdate{Status: types.RunStatusSucceeded, FinishedAt: &finished})
	require.NoError(t, err)

	last, err := s.LastSucceededRun(ctx, "ch-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, old.ID, last.ID)

	stale := newRun("ch-1", types.RunStatusRunning)
	startedLongAgo := time.Now().UTC().Add(-2 * time.Hour)
	stale.StartedAt = &startedLongAgo
	require.NoError(t, s.CreateRun(ctx, stale))

	runs, err := s.ListStaleRuns(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)

	all, err := s.ListRuns(ctx, "ch-1", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, stale.ID, all[0].ID)
}

func TestContributions_InsertUpdateRewards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := &types.Contribution{
		ID:          uuid.New(),
		ChallengeID: "ch-1",
		UserID:      "u1",
		Title:       "Add parser",
		Type:        types.ContributionCode,
		Description: "Parser for configs",
		Tags:        []string{"parser"},
		CommitShas:  []string{"a1", "b2"},
	}
	require.NoError(t, s.InsertContribution(ctx, c))
	assert.False(t, c.CreatedAt.IsZero())

	got, err := s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"a1", "b2"}, got.CommitShas)
	assert.Nil(t, got.Evaluation)

	require.NoError(t, s.SaveRewards(ctx, "ch-1", []types.Reward{{ContributionID: c.ID, Reward: 250}}))

	c.CommitShas = append(c.CommitShas, "c3")
	c.Evaluation = &types.Evaluation{
		Scores:      []types.CriterionScore{{Criterion: "quality", Score: 7, Weight: 1}},
		GlobalScore: 7,
	}
	require.NoError(t, s.UpdateContribution(ctx, c))

	got, err = s.GetContribution(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b2", "c3"}, got.CommitShas)
	assert.Equal(t, 7.0, got.GlobalScore())
	assert.Equal(t, 250, got.Reward, "update keeps the reward")

	other := &types.Contribution{ID: uuid.New(), ChallengeID: "ch-1", UserID: "u2", Title: "Dataset", Type: types.ContributionDataset, CommitShas: []string{"d4"}}
	require.NoError(t, s.InsertContribution(ctx, other))

	require.NoError(t, s.SaveRewards(ctx, "ch-1", []types.Reward{{ContributionID: other.ID, Reward: 100}}))
	list, err := s.ListContributions(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].Reward, "rewards are reset before writing")
	assert.Equal(t, 100, list[1].Reward)

	mine, err := s.ListUserContributions(ctx, "ch-1", "u2")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, other.ID, mine[0].ID)

	err = s.SaveRewards(ctx, "ch-1", []types.Reward{{ContributionID: uuid.New(), Reward: 5}})
	assert.Error(t, err)
	list, err = s.ListContributions(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, 100, list[1].Reward, "failed save rolls back")
}

func TestRunContributions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := newRun("ch-1", types.RunStatusRunning)
	require.NoError(t, s.CreateRun(ctx, run))

	var rows []types.RunContribution
	for i := 0; i < 3; i++ {
		c := &types.Contribution{ID: uuid.New(), ChallengeID: "ch-1", UserID: "u1", Title: "t", Type: types.ContributionCode, CommitShas: []string{"x"}}
		require.NoError(t, s.InsertContribution(ctx, c))
		rows = append(rows, types.RunContribution{
			ID:             uuid.New(),
			RunID:          run.ID,
			ContributionID: c.ID,
			Status:         types.RunContributionEvaluated,
			CreatedAt:      time.Now().UTC(),
		})
	}
	rows[2].Status = types.RunContributionSkipped
	rows[2].Notes = "snapshot unavailable"

	require.NoError(t, s.InsertRunContributions(ctx, rows))

	n, err := s.CountRunContributions(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.ListRunContributions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range rows {
		assert.Equal(t, rows[i].ContributionID, got[i].ContributionID)
	}
	assert.Equal(t, "snapshot unavailable", got[2].Notes)
}

func TestChallengeContext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertChallenge(ctx, &types.Challenge{ID: "ch-1", Name: "Alpha", RewardPool: 1000, RoadmapText: "1. Build"}))
	require.NoError(t, s.AddLinkedRepo(ctx, types.LinkedRepo{ID: "r1", ChallengeID: "ch-1", Name: "core"}))
	require.NoError(t, s.AddTeamMember(ctx, "ch-1", types.TeamMember{UserID: "u1", Name: "Ada", GitHandle: "ada"}))
	require.NoError(t, s.AddTask(ctx, "ch-1", types.OpenTask{ID: "t1", Title: "Build"}, "", 0))
	require.NoError(t, s.AddTask(ctx, "ch-1", types.OpenTask{ID: "t2", Title: "Parser", ParentID: "t1"}, "", 1))
	require.NoError(t, s.AddTask(ctx, "ch-1", types.OpenTask{ID: "t3", Title: "Old"}, "done", 2))

	c, err := s.GetChallenge(ctx, "ch-1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1000, c.RewardPool)
	assert.Equal(t, types.ChallengeOpen, c.Status)

	repos, err := s.ListLinkedRepos(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, types.SourceCode, repos[0].Kind)

	team, err := s.ListTeam(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, team, 1)

	tasks, err := s.ListOpenTasks(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, -1, tasks[0].ParentIndex)
	assert.Equal(t, 0, tasks[1].ParentIndex)

	require.NoError(t, s.CloseChallenge(ctx, "ch-1"))
	c, err = s.GetChallenge(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeClosed, c.Status)

	assert.ErrorIs(t, s.CloseChallenge(ctx, "missing"), store.ErrNotFound)
}

func TestCloseChallenge_ExcludesActiveRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertChallenge(ctx, &types.Challenge{ID: "ch-1", Name: "Alpha", RewardPool: 10}))

	run := newRun("ch-1", types.RunStatusRunning)
	require.NoError(t, s.CreateRun(ctx, run))
	assert.ErrorIs(t, s.CloseChallenge(ctx, "ch-1"), store.ErrActiveRunExists)

	c, err := s.GetChallenge(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeOpen, c.Status)

	_, err = s.UpdateRunStatus(ctx, run.ID, types.ActiveRunStatuses, types.RunUpdate{Status: types.RunStatusCanceled})
	require.NoError(t, err)
	require.NoError(t, s.CloseChallenge(ctx, "ch-1"))
	require.NoError(t, s.CloseChallenge(ctx, "ch-1"))

	assert.ErrorIs(t, s.CreateRun(ctx, newRun("ch-1", types.RunStatusRunning)), store.ErrChallengeClosed)
	active, err := s.ActiveRun(ctx, "ch-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	// Runs of challenges the store does not hold are not blocked
	require.NoError(t, s.CreateRun(ctx, newRun("elsewhere", types.RunStatusRunning)))
}

func TestGrids(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetGrid(ctx, types.ContributionCode)
	require.NoError(t, err)
	assert.Nil(t, got)

	grid := &types.EvaluationGrid{
		ContributionType: types.ContributionCode,
		Version:          "v1",
		Categories: []types.GridCategory{{
			Name: "Quality", Weight: 1, Type: types.CategoryObjective,
			Subcriteria: []types.Subcriterion{{Criterion: "tests", Description: "Has tests"}},
		}},
	}
	require.NoError(t, s.SaveGrid(ctx, grid))
	grid.Version = "v2"
	require.NoError(t, s.SaveGrid(ctx, grid))

	got, err = s.GetGrid(ctx, types.ContributionCode)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", got.Version)
	assert.Equal(t, grid.Categories, got.Categories)
}

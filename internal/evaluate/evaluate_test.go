package evaluate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/llm/llmtest"
	"github.com/jonathan/contrib-evaluator/internal/snapshot"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

func float(v float64) *float64 { return &v }

func testGrid() *types.EvaluationGrid {
	return &types.EvaluationGrid{
		ContributionType: types.ContributionCode,
		Version:          "test-v1",
		Categories: []types.GridCategory{
			{Name: "Quality", Weight: 0.6, Type: types.CategoryObjective, Subcriteria: []types.Subcriterion{
				{Criterion: "correctness", Description: "Works as intended"},
				{Criterion: "tests", Description: "Has tests"},
			}},
			{Name: "Impact", Weight: 0.4, Type: types.CategoryContextual, Subcriteria: []types.Subcriterion{
				{Criterion: "roadmap_fit", Description: "Advances the roadmap", Weight: float(0.4)},
			}},
		},
	}
}

func testInput(t *testing.T) Input {
	t.Helper()
	snap := &types.SnapshotInfo{
		CommitShas: []string{"c1", "c2"},
		ModifiedFiles: map[string]types.SnapshotFile{
			"parser.go":  {Path: "parser.go", Status: "modified", Content: "package parser", LastSeenIn: "c2"},
			"legacy.go":  {Path: "legacy.go", Status: snapshot.StatusRemoved, LastSeenIn: "c1"},
			"big/data.x": {Path: "big/data.x", Status: "added", Content: strings.Repeat("z", 100), LastSeenIn: "c1"},
		},
	}
	ws, err := snapshot.Materialize(snap, 50)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return Input{
		Draft: types.DraftContribution{
			Title: "Parser", Type: types.ContributionCode, Description: "Adds the parser",
			UserID: "u1", Tags: []string{"parser"}, CommitShas: []string{"c1", "c2"},
		},
		Snapshot:  snap,
		Workspace: ws,
		Grid:      testGrid(),
	}
}

const goodScores = `{"scores": [
	{"criterion": "correctness", "score": 5, "comment": "ok"},
	{"criterion": "tests", "score": 7},
	{"criterion": "roadmap_fit", "score": 9}
]}`

func TestEvaluate_ToolLoopAndScoring(t *testing.T) {
	var toolResults []string
	client := &llmtest.MockClient{
		GenerateWithToolsFunc: func(ctx context.Context, prompt string, tier llm.ModelTier, tools []llm.ToolSpec, handler llm.ToolHandler, maxRounds int) (string, error) {
			assert.Equal(t, llm.TierAdvanced, tier)
			assert.Equal(t, 4, maxRounds)
			require.Len(t, tools, 2)

			calls := []llm.ToolCall{
				{Name: ToolListFiles},
				{Name: ToolReadFile, Args: map[string]any{"path": "parser.go"}},
				{Name: ToolReadFile, Args: map[string]any{"path": "big/data.x"}},
				{Name: ToolReadFile, Args: map[string]any{"path": "legacy.go"}},
				{Name: ToolReadFile, Args: map[string]any{"path": "../../etc/passwd"}},
				{Name: ToolReadFile, Args: map[string]any{"path": "missing.go"}},
				{Name: ToolReadFile},
				{Name: "rm_rf"},
			}
			for _, c := range calls {
				res, err := handler(ctx, c)
				require.NoError(t, err)
				toolResults = append(toolResults, res)
			}
			return "Here are the scores:\n" + goodScores, nil
		},
	}

	eval, err := New(client, agent.Policy{MaxAttempts: 3}, 4, nil).Evaluate(context.Background(), testInput(t))
	require.NoError(t, err)

	assert.JSONEq(t, `[{"path":"big/data.x","status":"added","lastSeenIn":"c1"},{"path":"legacy.go","status":"removed","lastSeenIn":"c1"},{"path":"parser.go","status":"modified","lastSeenIn":"c2"}]`, toolResults[0])
	assert.Equal(t, "package parser", toolResults[1])
	assert.Equal(t, strings.Repeat("z", 50)+"\n[truncated]", toolResults[2])
	assert.Contains(t, toolResults[3], "removed by commit c1")
	assert.Contains(t, toolResults[4], "escapes workspace")
	assert.Contains(t, toolResults[5], "not part of this contribution")
	assert.Equal(t, "error: path is required", toolResults[6])
	assert.Contains(t, toolResults[7], "unknown tool")

	require.Len(t, eval.Scores, 3)
	assert.InDelta(t, 0.3, eval.Scores[0].Weight, 1e-9)
	assert.InDelta(t, 0.3, eval.Scores[1].Weight, 1e-9)
	assert.InDelta(t, 0.4, eval.Scores[2].Weight, 1e-9)
	assert.Equal(t, "ok", eval.Scores[0].Comment)
	assert.InDelta(t, 7.2, eval.GlobalScore, 1e-9)
	assert.Equal(t, "test-v1", eval.GridVersion)

	prompt := client.Prompts()[0]
	assert.Contains(t, prompt, "c1, c2")
	assert.Contains(t, prompt, `"criterion": "roadmap_fit"`)
	assert.NotContains(t, prompt, "{{.")
}

func TestEvaluate_MatchesScoresByName(t *testing.T) {
	client := &llmtest.MockClient{
		GenerateWithToolsFunc: func(context.Context, string, llm.ModelTier, []llm.ToolSpec, llm.ToolHandler, int) (string, error) {
			return `{"scores": [
				{"criterion": "roadmap_fit", "score": 2},
				{"criterion": "correctness", "score": 4},
				{"criterion": "tests", "score": 6}
			]}`, nil
		},
	}

	eval, err := New(client, agent.Policy{MaxAttempts: 1}, 0, nil).Evaluate(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.Equal(t, "correctness", eval.Scores[0].Criterion)
	assert.Equal(t, 4, eval.Scores[0].Score)
	assert.Equal(t, 2, eval.Scores[2].Score)
	assert.InDelta(t, 4*0.3+6*0.3+2*0.4, eval.GlobalScore, 1e-9)
}

func TestEvaluate_RetriesInvalidScores(t *testing.T) {
	responses := []string{
		`{"scores": [{"criterion": "correctness", "score": 5}]}`,
		`{"scores": [{"criterion": "correctness", "score": 5}, {"criterion": "tests", "score": 11}, {"criterion": "roadmap_fit", "score": 1}]}`,
		"{\"scores\": [{\"criterion\": \"correctness\", \"score\": 5}, {\"criterion\": \"tests\", \"score\": \"n/a\"}, {\"criterion\": \"roadmap_fit\", \"score\": 1}]}",
	}
	calls := 0
	client := &llmtest.MockClient{
		GenerateWithToolsFunc: func(context.Context, string, llm.ModelTier, []llm.ToolSpec, llm.ToolHandler, int) (string, error) {
			calls++
			if calls <= len(responses) {
				return responses[calls-1], nil
			}
			return goodScores, nil
		},
	}

	_, err := New(client, agent.Policy{MaxAttempts: 3}, 0, nil).Evaluate(context.Background(), testInput(t))
	var exhausted *agent.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, StageName, exhausted.Stage)

	calls = 0
	_, err = New(client, agent.Policy{MaxAttempts: 4}, 0, nil).Evaluate(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestEvaluate_ToolRoundsExceededIsRetried(t *testing.T) {
	calls := 0
	client := &llmtest.MockClient{
		GenerateWithToolsFunc: func(context.Context, string, llm.ModelTier, []llm.ToolSpec, llm.ToolHandler, int) (string, error) {
			calls++
			if calls == 1 {
				return "", llm.ErrToolRoundsExceeded
			}
			return goodScores, nil
		},
	}

	eval, err := New(client, agent.Policy{MaxAttempts: 3}, 0, nil).Evaluate(context.Background(), testInput(t))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.InDelta(t, 7.2, eval.GlobalScore, 1e-9)
}

func TestEvaluate_PreviousScoresInPrompt(t *testing.T) {
	client := &llmtest.MockClient{
		GenerateWithToolsFunc: func(context.Context, string, llm.ModelTier, []llm.ToolSpec, llm.ToolHandler, int) (string, error) {
			return goodScores, nil
		},
	}
	in := testInput(t)
	in.Previous = &types.Contribution{Evaluation: &types.Evaluation{
		GlobalScore: 3,
		Scores:      []types.CriterionScore{{Criterion: "tests", Score: 2, Comment: "no tests yet"}},
	}}

	_, err := New(client, agent.Policy{MaxAttempts: 1}, 0, nil).Evaluate(context.Background(), in)
	require.NoError(t, err)
	prompt := client.Prompts()[0]
	assert.Contains(t, prompt, "already evaluated")
	assert.Contains(t, prompt, "no tests yet")
}

func TestEvaluate_RequiresInputs(t *testing.T) {
	stage := New(&llmtest.MockClient{}, agent.Policy{MaxAttempts: 1}, 0, nil)
	in := testInput(t)

	noGrid := in
	noGrid.Grid = nil
	_, err := stage.Evaluate(context.Background(), noGrid)
	assert.Error(t, err)

	noWorkspace := in
	noWorkspace.Workspace = nil
	_, err = stage.Evaluate(context.Background(), noWorkspace)
	assert.Error(t, err)
}

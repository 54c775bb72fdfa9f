package identify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/llm/llmtest"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

func testPolicy() agent.Policy {
	return agent.Policy{MaxAttempts: 3}
}

func testContext() *types.IdentifyContext {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &types.IdentifyContext{
		ChallengeID: "ch-1",
		Window:      types.Window{Start: base.Add(-time.Hour), End: base.Add(24 * time.Hour)},
		SyncPreview: "Ada demoed the parser",
		Roadmap:     "1. Parser",
		Team:        []types.TeamMember{{UserID: "u1", Name: "Ada"}, {UserID: "u2", Name: "Bob"}},
		OpenTasks:   []types.OpenTask{{ID: "t1", Title: "Parser", ParentIndex: -1}},
		Commits: []types.Commit{
			{Sha: "c1", Message: "lexer", Author: "ada", Date: base},
			{Sha: "c2", Message: "parser", Author: "ada", Date: base.Add(time.Hour)},
			{Sha: "c3", Message: "docs", Author: "bob", Date: base.Add(2 * time.Hour)},
		},
	}
}

func TestIdentify_NormalizesDrafts(t *testing.T) {
	client := &llmtest.MockClient{
		GenerateJSONFunc: func(_ context.Context, _ string, tier llm.ModelTier) (string, error) {
			assert.Equal(t, llm.TierStandard, tier)
			return `{"contributions": [
				{"title": "Parser", "type": "code", "description": "Parser for step 1", "userId": "u1", "commitShas": ["c2", "ghost", "c1", "c2"]},
				{"title": "Ghost", "type": "code", "description": "Nothing real", "userId": "u2", "commitShas": ["ghost"]},
				{"title": "Stranger", "type": "dataset", "description": "Not on the team", "userId": "u9", "commitShas": ["c3"]}
			]}`, nil
		},
	}

	drafts, err := New(client, testPolicy(), nil).Identify(context.Background(), testContext())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, []string{"c1", "c2"}, drafts[0].CommitShas)
	assert.Equal(t, []string{}, drafts[0].Tags)
	assert.Equal(t, types.ContributionCode, drafts[0].Type)

	prompt := client.Prompts()[0]
	assert.Contains(t, prompt, `"sha": "c1"`)
	assert.Contains(t, prompt, "Ada demoed the parser")
	assert.Contains(t, prompt, "- Parser")
	assert.Contains(t, prompt, "2024-05-01T08:00:00Z")
	assert.NotContains(t, prompt, "{{.")
}

func TestIdentify_RetriesMalformedOutput(t *testing.T) {
	calls := 0
	client := &llmtest.MockClient{
		GenerateJSONFunc: func(_ context.Context, _ string, _ llm.ModelTier) (string, error) {
			calls++
			switch calls {
			case 1:
				return "not json at all", nil
			case 2:
				return `{"contributions": [{"title": "X", "type": "poem", "description": "d", "userId": "u1", "commitShas": ["c1"]}]}`, nil
			default:
				return "```json\n{\"contributions\": [{\"title\": \"X\", \"type\": \"model\", \"description\": \"d\", \"userId\": \"u1\", \"commitShas\": [\"c1\"]}]}\n```", nil
			}
		},
	}

	drafts, err := New(client, testPolicy(), nil).Identify(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, drafts, 1)
	assert.Equal(t, types.ContributionModel, drafts[0].Type)
}

func TestIdentify_Exhausted(t *testing.T) {
	client := &llmtest.MockClient{
		GenerateJSONFunc: func(_ context.Context, _ string, _ llm.ModelTier) (string, error) {
			return "", errors.New("503 unavailable")
		},
	}

	_, err := New(client, testPolicy(), nil).Identify(context.Background(), testContext())
	var exhausted *agent.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, StageName, exhausted.Stage)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, client.Calls())
}

func TestIdentify_NoCommitsSkipsAgent(t *testing.T) {
	client := &llmtest.MockClient{}
	ic := testContext()
	ic.Commits = nil

	drafts, err := New(client, testPolicy(), nil).Identify(context.Background(), ic)
	require.NoError(t, err)
	assert.Empty(t, drafts)
	assert.Zero(t, client.Calls())
}

func TestIdentify_EmptyList(t *testing.T) {
	client := &llmtest.MockClient{
		GenerateJSONFunc: func(_ context.Context, _ string, _ llm.ModelTier) (string, error) {
			return `{"contributions": []}`, nil
		},
	}
	drafts, err := New(client, testPolicy(), nil).Identify(context.Background(), testContext())
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

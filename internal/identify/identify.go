// Package identify asks the agent to group a window of commits into draft
// contributions, one per roadmap sub-step and contributor.
package identify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/gather"
	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/prompts"
	"github.com/jonathan/contrib-evaluator/internal/schemas"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// StageName labels identify in errors, logs and metrics
const StageName = "identify"

type output struct {
	Contributions []types.DraftContribution `json:"contributions" validate:"dive"`
}

// Stage runs the identify agent call
type Stage struct {
	client llm.Client
	policy agent.Policy
	logger *zap.Logger
}

// New creates an identify stage
func New(client llm.Client, policy agent.Policy, logger *zap.Logger) *Stage {
	return &Stage{client: client, policy: policy, logger: logging.OrNop(logger)}
}

// Identify proposes draft contributions for the gathered context. Commits not
// present in the context are removed from drafts, and drafts left without
// commits or naming a user outside the roster are dropped. Commit shas of each
// draft are ordered oldest first.
func (s *Stage) Identify(ctx context.Context, ic *types.IdentifyContext) ([]types.DraftContribution, error) {
	if ic == nil || len(ic.Commits) == 0 {
		s.logger.Info("no commits to identify")
		return nil, nil
	}

	prompt, err := buildPrompt(ic)
	if err != nil {
		return nil, err
	}

	out, err := agent.Do(ctx, s.policy, StageName, func(ctx context.Context, attempt int) (*output, error) {
		raw, err := s.client.GenerateJSON(ctx, prompt, llm.TierStandard)
		if err != nil {
			return nil, err
		}
		var out output
		if err := agent.Decode(StageName, schemas.Identify, raw, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	drafts := s.normalize(ic, out.Contributions)
	s.logger.Info("identified contributions",
		zap.String(logging.FieldChallengeID, ic.ChallengeID),
		zap.Int("proposed", len(out.Contributions)),
		zap.Int("kept", len(drafts)),
	)
	return drafts, nil
}

func (s *Stage) normalize(ic *types.IdentifyContext, proposed []types.DraftContribution) []types.DraftContribution {
	position := make(map[string]int, len(ic.Commits))
	for i, c := range ic.Commits {
		position[c.Sha] = i
	}
	members := make(map[string]bool, len(ic.Team))
	for _, m := range ic.Team {
		members[m.UserID] = true
	}

	var drafts []types.DraftContribution
	for _, d := range proposed {
		if len(members) > 0 && !members[d.UserID] {
			s.logger.Warn("dropping draft for unknown user", zap.String("user_id", d.UserID), zap.String("title", d.Title))
			continue
		}

		seen := make(map[string]bool, len(d.CommitShas))
		var shas []string
		for _, sha := range d.CommitShas {
			if _, ok := position[sha]; !ok {
				s.logger.Warn("dropping unknown commit from draft", zap.String(logging.FieldSha, sha), zap.String("title", d.Title))
				continue
			}
			if !seen[sha] {
				seen[sha] = true
				shas = append(shas, sha)
			}
		}
		if len(shas) == 0 {
			s.logger.Warn("dropping draft without known commits", zap.String("title", d.Title))
			continue
		}
		sort.SliceStable(shas, func(i, j int) bool { return position[shas[i]] < position[shas[j]] })

		d.CommitShas = shas
		if d.Tags == nil {
			d.Tags = []string{}
		}
		drafts = append(drafts, d)
	}
	return drafts
}

type promptCommit struct {
	Sha     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

func buildPrompt(ic *types.IdentifyContext) (string, error) {
	commits := make([]promptCommit, len(ic.Commits))
	for i, c := range ic.Commits {
		commits[i] = promptCommit{Sha: c.Sha, Message: c.Message, Author: c.Author, Date: c.Date.UTC().Format(time.RFC3339)}
	}
	commitsJSON, err := json.MarshalIndent(commits, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal commits: %w", err)
	}
	teamJSON, err := json.MarshalIndent(ic.Team, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal team: %w", err)
	}

	return prompts.MustRender(prompts.Identify, map[string]string{
		"WindowStart": formatTime(ic.Window.Start),
		"WindowEnd":   formatTime(ic.Window.End),
		"Team":        string(teamJSON),
		"Roadmap":     ic.Roadmap,
		"OpenTasks":   gather.RenderTasks(ic.OpenTasks),
		"SyncPreview": ic.SyncPreview,
		"Commits":     string(commitsJSON),
	}), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unbounded"
	}
	return t.UTC().Format(time.RFC3339)
}

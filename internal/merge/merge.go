// Package merge decides whether each draft contribution is new or extends an
// existing contribution of the same contributor.
package merge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/prompts"
	"github.com/jonathan/contrib-evaluator/internal/schemas"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// StageName labels merge in errors, logs and metrics
const StageName = "merge"

type decision struct {
	Index             int     `json:"index" validate:"min=0"`
	OldContributionID *string `json:"oldContributionId"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
}

type output struct {
	Decisions []decision `json:"decisions" validate:"dive"`
}

// sanitized is what the agent sees of an existing contribution
type sanitized struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Type        types.ContributionType `json:"type"`
	Description string                 `json:"description"`
	Tags        []string               `json:"tags"`
	UserID      string                 `json:"userId"`
	CommitShas  []string               `json:"commitShas"`
}

type indexedDraft struct {
	Index int `json:"index"`
	types.DraftContribution
}

// Stage runs the merge agent call
type Stage struct {
	client llm.Client
	policy agent.Policy
	logger *zap.Logger
}

// New creates a merge stage
func New(client llm.Client, policy agent.Policy, logger *zap.Logger) *Stage {
	return &Stage{client: client, policy: policy, logger: logging.OrNop(logger)}
}

// Merge returns exactly one decision per draft, in draft order. Drafts the
// agent leaves out are new. A decision naming a contribution that is not in
// existing, belongs to another user, or is claimed by two drafts is malformed
// output and is retried.
func (s *Stage) Merge(ctx context.Context, drafts []types.DraftContribution, existing []types.Contribution) ([]types.MergeDecision, error) {
	if len(drafts) == 0 {
		return nil, nil
	}
	if len(existing) == 0 {
		return allNew(drafts), nil
	}

	prompt, err := buildPrompt(drafts, existing)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*types.Contribution, len(existing))
	for i := range existing {
		byID[existing[i].ID] = &existing[i]
	}

	decisions, err := agent.Do(ctx, s.policy, StageName, func(ctx context.Context, attempt int) ([]types.MergeDecision, error) {
		raw, err := s.client.GenerateJSON(ctx, prompt, llm.TierStandard)
		if err != nil {
			return nil, err
		}
		var out output
		if err := agent.Decode(StageName, schemas.Merge, raw, &out); err != nil {
			return nil, err
		}
		return apply(drafts, byID, out.Decisions)
	})
	if err != nil {
		return nil, err
	}

	merged := 0
	for _, d := range decisions {
		if d.IsMerge() {
			merged++
		}
	}
	s.logger.Info("merge decisions",
		zap.Int("drafts", len(drafts)),
		zap.Int("merged", merged),
		zap.Int("new", len(drafts)-merged),
	)
	return decisions, nil
}

func allNew(drafts []types.DraftContribution) []types.MergeDecision {
	out := make([]types.MergeDecision, len(drafts))
	for i, d := range drafts {
		out[i] = types.MergeDecision{Draft: d}
	}
	return out
}

func apply(drafts []types.DraftContribution, byID map[uuid.UUID]*types.Contribution, decisions []decision) ([]types.MergeDecision, error) {
	out := allNew(drafts)
	seenIndex := make(map[int]bool, len(decisions))
	claimed := make(map[uuid.UUID]int)

	for _, d := range decisions {
		if d.Index >= len(drafts) {
			return nil, agent.Malformed(StageName, "decision index %d out of range (%d drafts)", d.Index, len(drafts))
		}
		if seenIndex[d.Index] {
			return nil, agent.Malformed(StageName, "duplicate decision for draft %d", d.Index)
		}
		seenIndex[d.Index] = true

		if d.OldContributionID == nil || *d.OldContributionID == "" {
			continue
		}
		id, err := uuid.Parse(*d.OldContributionID)
		if err != nil {
			return nil, agent.Malformed(StageName, "draft %d: invalid oldContributionId %q", d.Index, *d.OldContributionID)
		}
		prev, ok := byID[id]
		if !ok {
			return nil, agent.Malformed(StageName, "draft %d: unknown contribution %s", d.Index, id)
		}
		draft := drafts[d.Index]
		if prev.UserID != draft.UserID {
			return nil, agent.Malformed(StageName, "draft %d: contribution %s belongs to another user", d.Index, id)
		}
		if other, dup := claimed[id]; dup {
			return nil, agent.Malformed(StageName, "drafts %d and %d both extend contribution %s", other, d.Index, id)
		}
		claimed[id] = d.Index

		combined := draft
		if d.Title != "" {
			combined.Title = d.Title
		}
		if d.Description != "" {
			combined.Description = d.Description
		}
		combined.CommitShas = union(prev.CommitShas, draft.CommitShas)
		combined.Tags = union(prev.Tags, draft.Tags)

		prevCopy := *prev
		out[d.Index] = types.MergeDecision{Draft: combined, OldContributionID: &id, Previous: &prevCopy}
	}
	return out, nil
}

// union returns a followed by the elements of b not already present
func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func buildPrompt(drafts []types.DraftContribution, existing []types.Contribution) (string, error) {
	clean := make([]sanitized, len(existing))
	for i, c := range existing {
		clean[i] = sanitized{
			ID:          c.ID.String(),
			Title:       c.Title,
			Type:        c.Type,
			Description: c.Description,
			Tags:        c.Tags,
			UserID:      c.UserID,
			CommitShas:  c.CommitShas,
		}
	}
	existingJSON, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal existing contributions: %w", err)
	}

	indexed := make([]indexedDraft, len(drafts))
	for i, d := range drafts {
		indexed[i] = indexedDraft{Index: i, DraftContribution: d}
	}
	draftsJSON, err := json.MarshalIndent(indexed, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal drafts: %w", err)
	}

	return prompts.MustRender(prompts.Merge, map[string]string{
		"Existing": string(existingJSON),
		"Drafts":   string(draftsJSON),
	}), nil
}

// Package evaluate scores a contribution's snapshot against its grid with a
// tool-using agent call.
package evaluate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/grid"
	"github.com/jonathan/contrib-evaluator/internal/llm"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/prompts"
	"github.com/jonathan/contrib-evaluator/internal/schemas"
	"github.com/jonathan/contrib-evaluator/internal/snapshot"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// StageName labels evaluate in errors, logs and metrics
const StageName = "evaluate"

// DefaultMaxToolRounds bounds the tool-call loop when none is configured
const DefaultMaxToolRounds = 8

// Tool names offered to the agent
const (
	ToolListFiles = "list_files"
	ToolReadFile  = "read_file"
)

// Input is everything needed to score one contribution
type Input struct {
	Draft types.DraftContribution
	// Previous is the contribution being extended, if any
	Previous  *types.Contribution
	Snapshot  *types.SnapshotInfo
	Workspace *snapshot.Workspace
	Grid      *types.EvaluationGrid
}

type score struct {
	Criterion string `json:"criterion" validate:"required"`
	Score     int    `json:"score" validate:"min=0,max=9"`
	Comment   string `json:"comment"`
}

type output struct {
	Scores []score `json:"scores" validate:"required,dive"`
}

// Stage runs the evaluate agent call
type Stage struct {
	client    llm.Client
	policy    agent.Policy
	maxRounds int
	logger    *zap.Logger
}

// New creates an evaluate stage
func New(client llm.Client, policy agent.Policy, maxRounds int, logger *zap.Logger) *Stage {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxToolRounds
	}
	return &Stage{client: client, policy: policy, maxRounds: maxRounds, logger: logging.OrNop(logger)}
}

// Evaluate scores every flattened criterion of the grid and computes the
// global score as the weighted sum. The agent may inspect the workspace
// through list_files and read_file for at most the configured rounds.
func (s *Stage) Evaluate(ctx context.Context, in Input) (*types.Evaluation, error) {
	if in.Grid == nil {
		return nil, fmt.Errorf("evaluate: grid is required")
	}
	if in.Workspace == nil || in.Snapshot == nil {
		return nil, fmt.Errorf("evaluate: snapshot workspace is required")
	}
	criteria := grid.Flatten(in.Grid)
	if len(criteria) == 0 {
		return nil, fmt.Errorf("evaluate: grid %s has no criteria", in.Grid.Version)
	}

	prompt, err := s.buildPrompt(in, criteria)
	if err != nil {
		return nil, err
	}
	handler := toolHandler(in.Snapshot, in.Workspace, s.logger)

	eval, err := agent.Do(ctx, s.policy, StageName, func(ctx context.Context, attempt int) (*types.Evaluation, error) {
		raw, err := s.client.GenerateWithTools(ctx, prompt, llm.TierAdvanced, Tools(), handler, s.maxRounds)
		if err != nil {
			return nil, err
		}
		var out output
		if err := agent.Decode(StageName, schemas.Evaluate, raw, &out); err != nil {
			return nil, err
		}
		return align(criteria, out.Scores)
	})
	if err != nil {
		return nil, err
	}

	eval.GridVersion = in.Grid.Version
	s.logger.Info("contribution evaluated",
		zap.String("title", in.Draft.Title),
		zap.Float64("global_score", eval.GlobalScore),
	)
	return eval, nil
}

// align matches scores to criteria. Every criterion must be scored exactly
// once; scores are matched by position first, then by name.
func align(criteria []grid.FlatCriterion, scores []score) (*types.Evaluation, error) {
	if len(scores) != len(criteria) {
		return nil, agent.Malformed(StageName, "got %d scores for %d criteria", len(scores), len(criteria))
	}

	byName := make(map[string]score, len(scores))
	for _, sc := range scores {
		if _, dup := byName[sc.Criterion]; dup {
			return nil, agent.Malformed(StageName, "criterion %q scored twice", sc.Criterion)
		}
		byName[sc.Criterion] = sc
	}

	eval := &types.Evaluation{Scores: make([]types.CriterionScore, len(criteria))}
	total := 0.0
	for i, c := range criteria {
		sc := scores[i]
		if sc.Criterion != c.Criterion {
			var ok bool
			if sc, ok = byName[c.Criterion]; !ok {
				return nil, agent.Malformed(StageName, "criterion %q not scored", c.Criterion)
			}
		}
		eval.Scores[i] = types.CriterionScore{
			Criterion: c.Criterion,
			Score:     sc.Score,
			Weight:    c.Weight,
			Comment:   sc.Comment,
		}
		total += float64(sc.Score) * c.Weight
	}
	eval.GlobalScore = math.Round(total*1e6) / 1e6
	return eval, nil
}

// Tools returns the tool declarations offered to the agent
func Tools() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        ToolListFiles,
			Description: "List the files changed by the contribution with their status and the commit that last touched them.",
		},
		{
			Name:        ToolReadFile,
			Description: "Read the content of one changed file.",
			Params: []llm.ToolParam{
				{Name: "path", Type: "string", Description: "File path as returned by list_files", Required: true},
			},
		},
	}
}

type listedFile struct {
	Path       string `json:"path"`
	Status     string `json:"status,omitempty"`
	LastSeenIn string `json:"lastSeenIn"`
}

// toolHandler serves tool calls from the workspace. Bad requests are reported
// back to the agent as text rather than failing the call.
func toolHandler(snap *types.SnapshotInfo, ws *snapshot.Workspace, logger *zap.Logger) llm.ToolHandler {
	return func(ctx context.Context, call llm.ToolCall) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		switch call.Name {
		case ToolListFiles:
			files := make([]listedFile, 0, len(snap.ModifiedFiles))
			for _, path := range ws.List() {
				f := snap.ModifiedFiles[path]
				files = append(files, listedFile{Path: path, Status: f.Status, LastSeenIn: f.LastSeenIn})
			}
			data, err := json.Marshal(files)
			if err != nil {
				return "", err
			}
			return string(data), nil

		case ToolReadFile:
			path := call.StringArg("path")
			if path == "" {
				return "error: path is required", nil
			}
			if f, ok := snap.ModifiedFiles[path]; ok && f.Status == snapshot.StatusRemoved {
				return fmt.Sprintf("error: %s was removed by commit %s", path, f.LastSeenIn), nil
			}
			content, truncated, err := ws.Read(path)
			if err != nil {
				var perr *snapshot.PathError
				if errors.As(err, &perr) {
					return "error: " + perr.Error(), nil
				}
				logger.Debug("read_file failed", zap.String("path", path), zap.Error(err))
				return fmt.Sprintf("error: %s is not part of this contribution", path), nil
			}
			if truncated {
				content += "\n[truncated]"
			}
			return content, nil

		default:
			return fmt.Sprintf("error: unknown tool %q", call.Name), nil
		}
	}
}

func (s *Stage) buildPrompt(in Input, criteria []grid.FlatCriterion) (string, error) {
	criteriaJSON, err := json.MarshalIndent(criteria, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal criteria: %w", err)
	}

	previous := ""
	if in.Previous != nil && in.Previous.Evaluation != nil {
		prevScores := append([]types.CriterionScore(nil), in.Previous.Evaluation.Scores...)
		sort.SliceStable(prevScores, func(i, j int) bool { return prevScores[i].Criterion < prevScores[j].Criterion })
		prevJSON, err := json.MarshalIndent(prevScores, "", "  ")
		if err != nil {
			return "", fmt.Errorf("failed to marshal previous scores: %w", err)
		}
		previous = prompts.MustRender(prompts.PreviousEvaluation, map[string]string{
			"PreviousScores": string(prevJSON),
		})
	}

	tags := "(none)"
	if len(in.Draft.Tags) > 0 {
		tags = strings.Join(in.Draft.Tags, ", ")
	}

	return prompts.MustRender(prompts.Evaluate, map[string]string{
		"Type":        string(in.Draft.Type),
		"Title":       in.Draft.Title,
		"Description": in.Draft.Description,
		"Tags":        tags,
		"Commits":     strings.Join(in.Snapshot.CommitShas, ", "),
		"Previous":    previous,
		"MaxRounds":   fmt.Sprintf("%d", s.maxRounds),
		"Criteria":    string(criteriaJSON),
	}), nil
}

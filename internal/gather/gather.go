// Package gather assembles the input of the identify stage from a challenge's
// linked sources, roster, roadmap and latest meeting notes.
package gather

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/connector"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// DefaultWindowDays is used when no run has succeeded yet
const DefaultWindowDays = 7

// Store is the persistence the gatherer reads from
type Store interface {
	GetChallenge(ctx context.Context, id string) (*types.Challenge, error)
	ListLinkedRepos(ctx context.Context, challengeID string) ([]types.LinkedRepo, error)
	ListTeam(ctx context.Context, challengeID string) ([]types.TeamMember, error)
	ListOpenTasks(ctx context.Context, challengeID string) ([]types.OpenTask, error)
	LastSucceededRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error)
}

// Options configures a Gatherer
type Options struct {
	DefaultWindowDays int
	MaxCommits        int
}

// Gatherer builds identify contexts
type Gatherer struct {
	store    Store
	repos    *connector.Registry
	resolver *connector.Resolver
	docs     connector.DocumentSource
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a gatherer. docs may be nil when no meeting notes are exported.
func New(s Store, repos *connector.Registry, resolver *connector.Resolver, docs connector.DocumentSource, opts Options, logger *zap.Logger) *Gatherer {
	if opts.DefaultWindowDays <= 0 {
		opts.DefaultWindowDays = DefaultWindowDays
	}
	return &Gatherer{
		store:    s,
		repos:    repos,
		resolver: resolver,
		docs:     docs,
		opts:     opts,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// DefaultWindow returns the window used when a trigger supplies none: from the
// end of the last succeeded run, or the last DefaultWindowDays days, until now.
func (g *Gatherer) DefaultWindow(ctx context.Context, challengeID string) (types.Window, error) {
	end := g.now().UTC()
	last, err := g.store.LastSucceededRun(ctx, challengeID)
	if err != nil {
		return types.Window{}, fmt.Errorf("failed to load last succeeded run: %w", err)
	}
	if last != nil && last.WindowEnd != nil && last.WindowEnd.Before(end) {
		return types.Window{Start: *last.WindowEnd, End: end}, nil
	}
	return types.Window{Start: end.AddDate(0, 0, -g.opts.DefaultWindowDays), End: end}, nil
}

// Gather collects commits in window from every code source linked to the
// challenge and registers each commit with the resolver. A missing meeting
// note leaves SyncPreview empty.
func (g *Gatherer) Gather(ctx context.Context, challengeID string, window types.Window) (*types.IdentifyContext, error) {
	logger := g.logger.With(zap.String(logging.FieldChallengeID, challengeID))

	challenge, err := g.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if challenge == nil {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}

	commits, err := g.fetchCommits(ctx, challengeID, window, logger)
	if err != nil {
		return nil, err
	}

	preview, err := g.syncPreview(ctx, challenge.Name, logger)
	if err != nil {
		return nil, err
	}

	team, err := g.store.ListTeam(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team: %w", err)
	}
	tasks, err := g.store.ListOpenTasks(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open tasks: %w", err)
	}

	logger.Info("gathered identify context",
		zap.Int("commits", len(commits)),
		zap.Int("team", len(team)),
		zap.Int("open_tasks", len(tasks)),
		zap.Bool("has_sync_preview", preview != ""),
	)

	return &types.IdentifyContext{
		ChallengeID: challengeID,
		Window:      window,
		SyncPreview: preview,
		Commits:     commits,
		Team:        team,
		Roadmap:     challenge.RoadmapText,
		OpenTasks:   tasks,
	}, nil
}

func (g *Gatherer) fetchCommits(ctx context.Context, challengeID string, window types.Window, logger *zap.Logger) ([]types.Commit, error) {
	repos, err := g.store.ListLinkedRepos(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked repos: %w", err)
	}

	var commits []types.Commit
	for _, repo := range repos {
		if repo.Kind == types.SourceDocument {
			continue
		}
		facade, ok := g.repos.Get(repo.ID)
		if !ok {
			logger.Warn("linked repo has no connector", zap.String("repo_id", repo.ID), zap.String("repo", repo.Name))
			continue
		}

		items, err := facade.FetchItems(ctx, connector.FetchOptions{
			Since:      window.Start,
			Until:      window.End,
			MaxCommits: g.opts.MaxCommits,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch commits of %s: %w", repo.Name, err)
		}
		for _, it := range items {
			g.resolver.Register(it.Sha, facade)
			commits = append(commits, types.Commit{
				Sha:     it.Sha,
				Message: it.Message,
				Author:  authorLabel(it),
				Date:    it.Date,
				RepoID:  repo.ID,
			})
		}
	}

	sort.SliceStable(commits, func(i, j int) bool {
		return commits[i].Date.Before(commits[j].Date)
	})
	return commits, nil
}

// ResolveCommits registers shas the resolver does not know yet, typically the
// commits of a contribution recorded by an earlier run, by asking each code
// repo of the challenge for their content. It returns the shas no repo serves.
func (g *Gatherer) ResolveCommits(ctx context.Context, challengeID string, shas []string) ([]string, error) {
	var missing []string
	for _, sha := range shas {
		if _, ok := g.resolver.Resolve(sha); !ok {
			missing = append(missing, sha)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}

	repos, err := g.store.ListLinkedRepos(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked repos: %w", err)
	}
	var facades []connector.Facade
	for _, repo := range repos {
		if repo.Kind == types.SourceDocument {
			continue
		}
		if f, ok := g.repos.Get(repo.ID); ok {
			facades = append(facades, f)
		}
	}

	var unresolved []string
	for _, sha := range missing {
		found := false
		for _, f := range facades {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			content, err := f.FetchItemContent(ctx, sha)
			if err != nil || content == nil {
				continue
			}
			g.resolver.Register(sha, f)
			found = true
			break
		}
		if !found {
			unresolved = append(unresolved, sha)
		}
	}

	g.logger.Info("resolved commits outside the window",
		zap.String(logging.FieldChallengeID, challengeID),
		zap.Int("resolved", len(missing)-len(unresolved)),
		zap.Int("unresolved", len(unresolved)),
	)
	return unresolved, nil
}

func (g *Gatherer) syncPreview(ctx context.Context, challengeName string, logger *zap.Logger) (string, error) {
	if g.docs == nil {
		logger.Warn("no meeting-note source configured")
		return "", nil
	}
	doc, err := g.docs.LatestDocument(ctx, challengeName)
	if err != nil {
		logger.Warn("failed to load meeting notes", zap.Error(err))
		return "", nil
	}
	if doc == nil {
		logger.Warn("no meeting notes found", zap.String("name", challengeName))
		return "", nil
	}
	text, err := connector.DocumentText(doc)
	if err != nil {
		logger.Warn("failed to extract meeting-note text", zap.String("document", doc.Name), zap.Error(err))
		return "", nil
	}
	return text, nil
}

func authorLabel(it connector.Item) string {
	if it.AuthorEmail == "" {
		return it.Author
	}
	return fmt.Sprintf("%s <%s>", it.Author, it.AuthorEmail)
}

// RenderTasks renders the task tree as an indented list, children under
// their parent in slice order.
func RenderTasks(tasks []types.OpenTask) string {
	if len(tasks) == 0 {
		return "(none)"
	}
	children := make(map[int][]int, len(tasks))
	var roots []int
	for i, t := range tasks {
		if t.ParentIndex < 0 || t.ParentIndex >= len(tasks) {
			roots = append(roots, i)
			continue
		}
		children[t.ParentIndex] = append(children[t.ParentIndex], i)
	}

	var b strings.Builder
	var walk func(i, depth int)
	walk = func(i, depth int) {
		t := tasks[i]
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("- ")
		b.WriteString(t.Title)
		if t.AssigneeID != "" {
			fmt.Fprintf(&b, " (assignee: %s)", t.AssigneeID)
		}
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		b.WriteString("\n")
		for _, c := range children[i] {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Package pipeline sequences gather, identify, merge, snapshot, evaluate and
// persistence into evaluation runs, and closes challenges by distributing
// their reward pool.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/contrib-evaluator/internal/agent"
	"github.com/jonathan/contrib-evaluator/internal/connector"
	"github.com/jonathan/contrib-evaluator/internal/evaluate"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/metrics"
	"github.com/jonathan/contrib-evaluator/internal/reward"
	"github.com/jonathan/contrib-evaluator/internal/runs"
	"github.com/jonathan/contrib-evaluator/internal/snapshot"
	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// Stage names reported in progress events
const (
	StageGather   = "gather"
	StageIdentify = "identify"
	StageMerge    = "merge"
	StageEvaluate = "evaluate"
	StageClose    = "close"
)

// DefaultConcurrency bounds the evaluate fan-out when none is configured
const DefaultConcurrency = 4

// ProgressEvent represents a progress update during a run
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// Store is the persistence the orchestrator writes contributions through
type Store interface {
	store.ContributionStore
	GetChallenge(ctx context.Context, id string) (*types.Challenge, error)
	CloseChallenge(ctx context.Context, id string) error
}

// Gatherer builds the identify input
type Gatherer interface {
	DefaultWindow(ctx context.Context, challengeID string) (types.Window, error)
	Gather(ctx context.Context, challengeID string, window types.Window) (*types.IdentifyContext, error)
	ResolveCommits(ctx context.Context, challengeID string, shas []string) ([]string, error)
}

// Identifier proposes draft contributions
type Identifier interface {
	Identify(ctx context.Context, ic *types.IdentifyContext) ([]types.DraftContribution, error)
}

// Merger decides new versus extending for each draft
type Merger interface {
	Merge(ctx context.Context, drafts []types.DraftContribution, existing []types.Contribution) ([]types.MergeDecision, error)
}

// Evaluator scores one contribution
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluate.Input) (*types.Evaluation, error)
}

// GridResolver returns the grid for a contribution type
type GridResolver interface {
	Resolve(ctx context.Context, contributionType types.ContributionType) (*types.EvaluationGrid, error)
}

// SnapshotBuilder aggregates commit contents
type SnapshotBuilder interface {
	Build(ctx context.Context, resolve snapshot.ResolveFunc, shas []string) (*types.SnapshotInfo, error)
}

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Store     Store
	Tracker   *runs.Tracker
	Gatherer  Gatherer
	Identify  Identifier
	Merge     Merger
	Evaluate  Evaluator
	Grids     GridResolver
	Snapshots SnapshotBuilder
	Resolver  *connector.Resolver
	Metrics   *metrics.Recorder
	Logger    *zap.Logger
}

// Options tunes an Orchestrator
type Options struct {
	// Concurrency bounds how many contributions are evaluated at once
	Concurrency int
	// MaxFileBytes bounds file reads served to the evaluate agent
	MaxFileBytes int
	// RunTimeout is the wall-clock limit of one run; 0 disables it
	RunTimeout time.Duration
	OnProgress ProgressCallback
}

// SyncOptions describes one sync evaluation request
type SyncOptions struct {
	TriggerType  types.TriggerType
	WindowStart  *time.Time
	WindowEnd    *time.Time
	CreatedBy    string
	RetryOfRunID *uuid.UUID
	RetryReason  string
	// OnProgress receives this run's events in addition to Options.OnProgress
	OnProgress ProgressCallback
}

// SyncResult is the outcome of a succeeded run
type SyncResult struct {
	RunID uuid.UUID `json:"run_id"`
	// Evaluations are the contributions evaluated by the run, in decision order
	Evaluations []types.Contribution `json:"evaluations"`
	Skipped     int                  `json:"skipped"`
}

// Orchestrator runs the evaluation pipeline
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
}

// New creates an orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if deps.Resolver == nil {
		deps.Resolver = connector.NewResolver()
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		logger:   logging.OrNop(deps.Logger),
		inflight: make(map[uuid.UUID]context.CancelFunc),
	}
}

// runFailure carries the error code a failed run is closed with
type runFailure struct {
	code string
	err  error
}

func (f *runFailure) Error() string { return fmt.Sprintf("%s: %v", f.code, f.err) }
func (f *runFailure) Unwrap() error { return f.err }

func fail(code string, err error) error {
	return &runFailure{code: code, err: err}
}

// RunSyncEvaluation starts a run for the challenge and executes it to
// completion. A retry (RetryOfRunID set) requires a RetryReason, checked
// before any run is created, and reuses the original run's window. The run is
// closed as succeeded, or as failed with the stage's error code, in which case
// the error is returned. Contributions persisted before a failure are kept.
func (o *Orchestrator) RunSyncEvaluation(ctx context.Context, challengeID string, opts SyncOptions) (*SyncResult, error) {
	if opts.RetryOfRunID != nil && strings.TrimSpace(opts.RetryReason) == "" {
		return nil, &runs.ValidationError{Field: "retry_reason", Message: "a retry reason is required"}
	}
	if opts.TriggerType == "" {
		opts.TriggerType = types.TriggerManual
	}

	challenge, err := o.deps.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if challenge == nil {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}
	if challenge.Status == types.ChallengeClosed {
		return nil, &runs.ValidationError{Field: "challenge", Message: fmt.Sprintf("challenge %s is closed", challengeID)}
	}

	runID, window, err := o.startRun(ctx, challengeID, opts)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With(zap.String(logging.FieldRunID, runID.String()), zap.String(logging.FieldChallengeID, challengeID))

	runCtx, cancel := o.runContext(ctx, runID)
	defer o.release(runID, cancel)

	result, err := o.execute(runCtx, runID, challengeID, window, opts.OnProgress, logger)
	closeCtx := context.WithoutCancel(ctx)
	if err != nil {
		code := runs.CodeInternal
		var rf *runFailure
		if errors.As(err, &rf) {
			code = rf.code
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			code = runs.CodeTimeout
		}
		logger.Error("run failed", zap.String("error_code", code), zap.Error(err))
		if merr := o.deps.Tracker.MarkFailed(closeCtx, runID, code, err.Error()); merr != nil {
			var terr *runs.TransitionError
			if !errors.As(merr, &terr) {
				logger.Error("failed to close run", zap.Error(merr))
			}
		}
		return nil, fmt.Errorf("run %s failed: %w", runID, err)
	}

	if err := o.deps.Tracker.MarkSucceeded(closeCtx, runID, types.RunMeta{}); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	o.progress(opts.OnProgress, StageClose, runID, fmt.Sprintf("run succeeded: %d evaluated, %d skipped", len(result.Evaluations), result.Skipped))
	return result, nil
}

// Retry re-executes a finished run with a human-supplied reason
func (o *Orchestrator) Retry(ctx context.Context, runID uuid.UUID, reason, retriedBy string) (*SyncResult, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &runs.ValidationError{Field: "retry_reason", Message: "a retry reason is required"}
	}
	original, err := o.deps.Tracker.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return o.RunSyncEvaluation(ctx, original.ChallengeID, SyncOptions{
		TriggerType:  original.TriggerType,
		CreatedBy:    retriedBy,
		RetryOfRunID: &runID,
		RetryReason:  reason,
	})
}

// Cancel marks a run canceled and stops its work if it is executing in this process
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	if err := o.deps.Tracker.CancelRun(ctx, runID); err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.inflight[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (o *Orchestrator) startRun(ctx context.Context, challengeID string, opts SyncOptions) (uuid.UUID, types.Window, error) {
	if opts.RetryOfRunID != nil {
		runID, err := o.deps.Tracker.RetryRun(ctx, *opts.RetryOfRunID, opts.RetryReason, opts.CreatedBy)
		if err != nil {
			return uuid.Nil, types.Window{}, err
		}
		run, err := o.deps.Tracker.Get(ctx, runID)
		if err != nil {
			return uuid.Nil, types.Window{}, err
		}
		if w := run.Window(); w != nil {
			return runID, *w, nil
		}
		window, err := o.deps.Gatherer.DefaultWindow(ctx, challengeID)
		return runID, window, err
	}

	window, err := o.resolveWindow(ctx, challengeID, opts)
	if err != nil {
		return uuid.Nil, types.Window{}, err
	}
	runID, err := o.deps.Tracker.StartRun(ctx, runs.StartRequest{
		ChallengeID: challengeID,
		TriggerType: opts.TriggerType,
		Window:      &window,
		CreatedBy:   opts.CreatedBy,
	})
	return runID, window, err
}

// resolveWindow fills whichever bound the request left out from the default window
func (o *Orchestrator) resolveWindow(ctx context.Context, challengeID string, opts SyncOptions) (types.Window, error) {
	if opts.WindowStart != nil && opts.WindowEnd != nil {
		return types.Window{Start: *opts.WindowStart, End: *opts.WindowEnd}, nil
	}
	window, err := o.deps.Gatherer.DefaultWindow(ctx, challengeID)
	if err != nil {
		return types.Window{}, err
	}
	if opts.WindowStart != nil {
		window.Start = *opts.WindowStart
	}
	if opts.WindowEnd != nil {
		window.End = *opts.WindowEnd
	}
	return window, nil
}

func (o *Orchestrator) runContext(ctx context.Context, runID uuid.UUID) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if o.opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	o.mu.Lock()
	o.inflight[runID] = cancel
	o.mu.Unlock()
	return runCtx, cancel
}

func (o *Orchestrator) release(runID uuid.UUID, cancel context.CancelFunc) {
	o.mu.Lock()
	delete(o.inflight, runID)
	o.mu.Unlock()
	cancel()
}

func (o *Orchestrator) execute(ctx context.Context, runID uuid.UUID, challengeID string, window types.Window, onProgress ProgressCallback, logger *zap.Logger) (*SyncResult, error) {
	o.progress(onProgress, StageGather, runID, "gathering commits and meeting notes")
	ic, err := o.deps.Gatherer.Gather(ctx, challengeID, window)
	if err != nil {
		return nil, fail(runs.CodeGatherFailed, err)
	}

	o.progress(onProgress, StageIdentify, runID, fmt.Sprintf("identifying contributions in %d commits", len(ic.Commits)))
	drafts, err := o.deps.Identify.Identify(ctx, ic)
	if err != nil {
		return nil, fail(runs.CodeIdentifyFailed, err)
	}

	o.progress(onProgress, StageMerge, runID, fmt.Sprintf("merging %d drafts", len(drafts)))
	decisions, err := o.mergeByUser(ctx, challengeID, drafts)
	if err != nil {
		return nil, err
	}

	o.resolveMerged(ctx, challengeID, decisions, logger)

	o.progress(onProgress, StageEvaluate, runID, fmt.Sprintf("evaluating %d contributions", len(decisions)))
	evaluated := make([]*types.Contribution, len(decisions))
	skipped := make([]bool, len(decisions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for i := range decisions {
		g.Go(func() error {
			c, entry, err := o.process(gctx, challengeID, &decisions[i], logger)
			if err != nil {
				return err
			}
			if err := o.deps.Tracker.LogContributions(gctx, runID, []runs.LogEntry{entry}); err != nil {
				return fail(runs.CodeInternal, err)
			}
			if entry.Status == types.RunContributionSkipped {
				skipped[i] = true
			} else {
				evaluated[i] = c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &SyncResult{RunID: runID, Evaluations: []types.Contribution{}}
	for i := range decisions {
		if skipped[i] {
			result.Skipped++
		} else if evaluated[i] != nil {
			result.Evaluations = append(result.Evaluations, *evaluated[i])
		}
	}
	logger.Info("run evaluated contributions",
		zap.Int("evaluated", len(result.Evaluations)),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// resolveMerged makes the commits merged contributions carry over from
// earlier windows resolvable. Commits no repo serves are left for the
// snapshot stage to skip.
func (o *Orchestrator) resolveMerged(ctx context.Context, challengeID string, decisions []types.MergeDecision, logger *zap.Logger) {
	var shas []string
	for i := range decisions {
		if decisions[i].IsMerge() {
			shas = append(shas, decisions[i].Draft.CommitShas...)
		}
	}
	if len(shas) == 0 {
		return
	}
	unresolved, err := o.deps.Gatherer.ResolveCommits(ctx, challengeID, shas)
	if err != nil {
		logger.Warn("failed to resolve merged commits", zap.Error(err))
		return
	}
	if len(unresolved) > 0 {
		logger.Warn("merged commits have no connector", zap.Strings("shas", unresolved))
	}
}

// mergeByUser runs the merge stage once per contributor against that
// contributor's existing contributions, keeping draft order
func (o *Orchestrator) mergeByUser(ctx context.Context, challengeID string, drafts []types.DraftContribution) ([]types.MergeDecision, error) {
	var users []string
	byUser := make(map[string][]int)
	for i, d := range drafts {
		if _, ok := byUser[d.UserID]; !ok {
			users = append(users, d.UserID)
		}
		byUser[d.UserID] = append(byUser[d.UserID], i)
	}

	decisions := make([]types.MergeDecision, len(drafts))
	for _, user := range users {
		existing, err := o.deps.Store.ListUserContributions(ctx, challengeID, user)
		if err != nil {
			return nil, fail(runs.CodeInternal, fmt.Errorf("failed to load contributions of %s: %w", user, err))
		}
		idx := byUser[user]
		userDrafts := make([]types.DraftContribution, len(idx))
		for j, i := range idx {
			userDrafts[j] = drafts[i]
		}
		merged, err := o.deps.Merge.Merge(ctx, userDrafts, existing)
		if err != nil {
			return nil, fail(runs.CodeMergeFailed, err)
		}
		if len(merged) != len(idx) {
			return nil, fail(runs.CodeMergeFailed, fmt.Errorf("got %d decisions for %d drafts of %s", len(merged), len(idx), user))
		}
		for j, i := range idx {
			decisions[i] = merged[j]
		}
	}
	return decisions, nil
}

// process snapshots, evaluates and persists one decision. Snapshot and
// evaluation failures skip the contribution; only persistence failures and
// cancellation are returned as errors.
func (o *Orchestrator) process(ctx context.Context, challengeID string, d *types.MergeDecision, logger *zap.Logger) (*types.Contribution, runs.LogEntry, error) {
	eval, reason := o.evaluateDecision(ctx, d, logger)
	if err := ctx.Err(); err != nil {
		return nil, runs.LogEntry{}, err
	}

	if d.IsMerge() {
		if eval == nil {
			logger.Warn("skipping merged contribution",
				zap.String(logging.FieldContributionID, d.OldContributionID.String()), zap.String("reason", reason))
			return nil, runs.LogEntry{ContributionID: *d.OldContributionID, Status: types.RunContributionSkipped, Notes: reason}, nil
		}
		c, err := o.updateMerged(ctx, d, eval)
		if err != nil {
			return nil, runs.LogEntry{}, fail(runs.CodeInternal, err)
		}
		return c, runs.LogEntry{ContributionID: c.ID, Status: types.RunContributionMerged}, nil
	}

	now := time.Now().UTC()
	c := &types.Contribution{
		ID:          uuid.New(),
		ChallengeID: challengeID,
		UserID:      d.Draft.UserID,
		Title:       d.Draft.Title,
		Type:        d.Draft.Type,
		Description: d.Draft.Description,
		Tags:        d.Draft.Tags,
		CommitShas:  d.Draft.CommitShas,
		Evaluation:  eval,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.deps.Store.InsertContribution(ctx, c); err != nil {
		return nil, runs.LogEntry{}, fail(runs.CodeInternal, err)
	}
	if eval == nil {
		logger.Warn("contribution saved without evaluation",
			zap.String(logging.FieldContributionID, c.ID.String()), zap.String("reason", reason))
		return c, runs.LogEntry{ContributionID: c.ID, Status: types.RunContributionSkipped, Notes: reason}, nil
	}
	return c, runs.LogEntry{ContributionID: c.ID, Status: types.RunContributionEvaluated}, nil
}

// evaluateDecision returns the evaluation, or nil and the reason it was skipped
func (o *Orchestrator) evaluateDecision(ctx context.Context, d *types.MergeDecision, logger *zap.Logger) (*types.Evaluation, string) {
	snap, err := o.deps.Snapshots.Build(ctx, o.deps.Resolver.Resolve, d.Draft.CommitShas)
	if err != nil {
		return nil, fmt.Sprintf("snapshot failed: %v", err)
	}
	if snap == nil {
		return nil, "snapshot is empty"
	}

	g, err := o.deps.Grids.Resolve(ctx, d.Draft.Type)
	if err != nil {
		return nil, fmt.Sprintf("grid unavailable: %v", err)
	}

	ws, err := snapshot.Materialize(snap, o.opts.MaxFileBytes)
	if err != nil {
		return nil, fmt.Sprintf("workspace failed: %v", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("failed to remove workspace", zap.String("dir", ws.Dir()), zap.Error(err))
		}
	}()

	eval, err := o.deps.Evaluate.Evaluate(ctx, evaluate.Input{
		Draft:     d.Draft,
		Previous:  d.Previous,
		Snapshot:  snap,
		Workspace: ws,
		Grid:      g,
	})
	if err != nil {
		var exhausted *agent.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, fmt.Sprintf("evaluation failed after %d attempts: %v", exhausted.Attempts, exhausted.Cause)
		}
		return nil, fmt.Sprintf("evaluation failed: %v", err)
	}
	return eval, ""
}

func (o *Orchestrator) updateMerged(ctx context.Context, d *types.MergeDecision, eval *types.Evaluation) (*types.Contribution, error) {
	prev := d.Previous
	if prev == nil {
		var err error
		if prev, err = o.deps.Store.GetContribution(ctx, *d.OldContributionID); err != nil {
			return nil, err
		}
		if prev == nil {
			return nil, fmt.Errorf("merged contribution %s: %w", d.OldContributionID, store.ErrNotFound)
		}
	}

	c := *prev
	c.Title = d.Draft.Title
	c.Type = d.Draft.Type
	c.Description = d.Draft.Description
	c.Tags = d.Draft.Tags
	c.CommitShas = d.Draft.CommitShas
	c.Evaluation = eval
	c.UpdatedAt = time.Now().UTC()
	if err := o.deps.Store.UpdateContribution(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ComputeChallengeRewards distributes the challenge's pool across its
// evaluated contributions, persists the rewards and closes the challenge.
// It refuses while a run of the challenge is active, and no run can start
// once the challenge is closed.
func (o *Orchestrator) ComputeChallengeRewards(ctx context.Context, challengeID string) ([]types.Reward, error) {
	logger := o.logger.With(zap.String(logging.FieldChallengeID, challengeID))

	challenge, err := o.deps.Store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if challenge == nil {
		return nil, fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
	}

	// Closing first stops new runs from starting, so the contributions read
	// below are final. A failed save leaves the challenge closed and the
	// close can be repeated.
	if err := o.deps.Store.CloseChallenge(ctx, challengeID); err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			conflict := &runs.ConflictError{ChallengeID: challengeID}
			if active, aerr := o.deps.Tracker.Active(ctx, challengeID); aerr == nil && active != nil {
				conflict.ActiveRunID = active.ID
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to close challenge: %w", err)
	}

	contributions, err := o.deps.Store.ListContributions(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contributions: %w", err)
	}

	rewards := reward.Compute(reward.FromContributions(contributions), challenge.RewardPool, logger)
	if err := o.deps.Store.SaveRewards(ctx, challengeID, rewards); err != nil {
		return nil, fmt.Errorf("failed to save rewards: %w", err)
	}

	total := 0
	for _, r := range rewards {
		total += r.Reward
	}
	o.deps.Metrics.RewardsDistributed(total)
	logger.Info("challenge closed", zap.Int("rewarded", len(rewards)), zap.Int("pool", challenge.RewardPool), zap.Int("distributed", total))
	o.progress(nil, StageClose, uuid.Nil, fmt.Sprintf("distributed %d of %d across %d contributions", total, challenge.RewardPool, len(rewards)))
	return rewards, nil
}

func (o *Orchestrator) progress(onProgress ProgressCallback, stage string, runID uuid.UUID, message string) {
	if o.opts.OnProgress == nil && onProgress == nil {
		return
	}
	ev := ProgressEvent{Stage: stage, Message: message}
	if runID != uuid.Nil {
		ev.RunID = runID.String()
	}
	if o.opts.OnProgress != nil {
		o.opts.OnProgress(ev)
	}
	if onProgress != nil {
		onProgress(ev)
	}
}

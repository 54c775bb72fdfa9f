// Package runs tracks evaluation runs through their lifecycle and records
// which contributions each run touched.
package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/metrics"
	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// DefaultErrorMessageLimit bounds stored error messages, in runes
const DefaultErrorMessageLimit = 2000

// Error codes recorded on failed runs
const (
	CodeGatherFailed   = "gather_failed"
	CodeIdentifyFailed = "identify_failed"
	CodeMergeFailed    = "merge_failed"
	CodeInternal       = "internal"
	CodeTimeout        = "timeout"
)

// EvaluatorVersion is recorded in the meta of succeeded runs
const EvaluatorVersion = "contrib-evaluator/1"

// StartRequest describes a run to start
type StartRequest struct {
	ChallengeID    string
	TriggerType    types.TriggerType
	Window         *types.Window
	CreatedBy      string
	RetryOfRunID   *uuid.UUID
	TriggerPayload map[string]any
}

// LogEntry is one contribution touched by a run
type LogEntry struct {
	ContributionID uuid.UUID
	Status         types.RunContributionStatus
	Notes          string
}

// Options configures a Tracker
type Options struct {
	ErrorMessageLimit int
}

// Tracker owns the EvaluationRun state machine
type Tracker struct {
	store   store.RunStore
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

// NewTracker creates a tracker. rec may be nil.
func NewTracker(s store.RunStore, opts Options, logger *zap.Logger, rec *metrics.Recorder) *Tracker {
	if opts.ErrorMessageLimit <= 0 {
		opts.ErrorMessageLimit = DefaultErrorMessageLimit
	}
	return &Tracker{
		store:   s,
		opts:    opts,
		logger:  logging.OrNop(logger),
		metrics: rec,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// StartRun persists a new run in status running. It fails with
// *ConflictError when the challenge already has a pending or running run;
// the check is enforced by the store so concurrent starts cannot both win.
func (t *Tracker) StartRun(ctx context.Context, req StartRequest) (uuid.UUID, error) {
	if strings.TrimSpace(req.ChallengeID) == "" {
		return uuid.Nil, &ValidationError{Field: "challenge_id", Message: "is required"}
	}
	if !req.TriggerType.Valid() {
		return uuid.Nil, &ValidationError{Field: "trigger_type", Message: fmt.Sprintf("unknown trigger type %q", req.TriggerType)}
	}
	if req.Window != nil && req.Window.End.Before(req.Window.Start) {
		return uuid.Nil, &ValidationError{Field: "window", Message: "end is before start"}
	}

	now := t.now()
	run := &types.EvaluationRun{
		ID:             uuid.New(),
		ChallengeID:    req.ChallengeID,
		TriggerType:    req.TriggerType,
		TriggerPayload: req.TriggerPayload,
		Status:         types.RunStatusRunning,
		StartedAt:      &now,
		CreatedBy:      req.CreatedBy,
		RetryOfRunID:   req.RetryOfRunID,
		CreatedAt:      now,
	}
	if req.Window != nil {
		start, end := req.Window.Start, req.Window.End
		run.WindowStart, run.WindowEnd = &start, &end
	}

	if err := t.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			conflict := &ConflictError{ChallengeID: req.ChallengeID}
			if active, aerr := t.store.ActiveRun(ctx, req.ChallengeID); aerr == nil && active != nil {
				conflict.ActiveRunID = active.ID
			}
			return uuid.Nil, conflict
		}
		if errors.Is(err, store.ErrChallengeClosed) {
			return uuid.Nil, &ValidationError{Field: "challenge", Message: fmt.Sprintf("challenge %s is closed", req.ChallengeID)}
		}
		return uuid.Nil, fmt.Errorf("failed to create run: %w", err)
	}

	t.metrics.RunStarted(string(req.TriggerType))
	t.logger.Info("run started",
		zap.String(logging.FieldRunID, run.ID.String()),
		zap.String(logging.FieldChallengeID, run.ChallengeID),
		zap.String("trigger_type", string(run.TriggerType)),
	)
	return run.ID, nil
}

// LogContributions appends provenance rows for a run. Empty input is a no-op.
func (t *Tracker) LogContributions(ctx context.Context, runID uuid.UUID, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := t.now()
	rows := make([]types.RunContribution, len(entries))
	for i, e := range entries {
		rows[i] = types.RunContribution{
			ID:             uuid.New(),
			RunID:          runID,
			ContributionID: e.ContributionID,
			Status:         e.Status,
			Notes:          e.Notes,
			CreatedAt:      now,
		}
	}
	if err := t.store.InsertRunContributions(ctx, rows); err != nil {
		return fmt.Errorf("failed to log run contributions: %w", err)
	}
	for _, e := range entries {
		t.metrics.ContributionLogged(string(e.Status))
	}
	return nil
}

// MarkSucceeded closes a run as succeeded. Duration is measured from the
// run's start and the contribution count from its logged rows.
func (t *Tracker) MarkSucceeded(ctx context.Context, runID uuid.UUID, meta types.RunMeta) error {
	run, err := t.Get(ctx, runID)
	if err != nil {
		return err
	}
	count, err := t.store.CountRunContributions(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to count run contributions: %w", err)
	}

	now := t.now()
	meta.ContributionCount = count
	if run.StartedAt != nil {
		meta.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if meta.EvaluatorVersion == "" {
		meta.EvaluatorVersion = EvaluatorVersion
	}
	return t.finish(ctx, run, types.RunUpdate{Status: types.RunStatusSucceeded, FinishedAt: &now, Meta: &meta})
}

// MarkFailed closes a run as failed, truncating message to the configured limit
func (t *Tracker) MarkFailed(ctx context.Context, runID uuid.UUID, code, message string) error {
	run, err := t.Get(ctx, runID)
	if err != nil {
		return err
	}
	now := t.now()
	return t.finish(ctx, run, types.RunUpdate{
		Status:       types.RunStatusFailed,
		FinishedAt:   &now,
		ErrorCode:    code,
		ErrorMessage: truncate(message, t.opts.ErrorMessageLimit),
	})
}

// CancelRun closes a run as canceled
func (t *Tracker) CancelRun(ctx context.Context, runID uuid.UUID) error {
	run, err := t.Get(ctx, runID)
	if err != nil {
		return err
	}
	now := t.now()
	return t.finish(ctx, run, types.RunUpdate{Status: types.RunStatusCanceled, FinishedAt: &now})
}

// RetryRun starts a new run for the challenge and window of a finished run.
// A non-blank reason is required and is checked before anything is read or
// written. The new run records its lineage in TriggerPayload.
func (t *Tracker) RetryRun(ctx context.Context, runID uuid.UUID, reason, retriedBy string) (uuid.UUID, error) {
	if strings.TrimSpace(reason) == "" {
		return uuid.Nil, &ValidationError{Field: "reason", Message: "a retry reason is required"}
	}

	original, err := t.Get(ctx, runID)
	if err != nil {
		return uuid.Nil, err
	}
	if !original.Status.IsTerminal() {
		return uuid.Nil, &ValidationError{Field: "run", Message: fmt.Sprintf("run %s is still %s", runID, original.Status)}
	}

	return t.StartRun(ctx, StartRequest{
		ChallengeID:  original.ChallengeID,
		TriggerType:  original.TriggerType,
		Window:       original.Window(),
		CreatedBy:    retriedBy,
		RetryOfRunID: &original.ID,
		TriggerPayload: map[string]any{
			"retryOfRunId": original.ID.String(),
			"retryReason":  strings.TrimSpace(reason),
			"retriedAt":    t.now().Format(time.RFC3339),
			"retriedBy":    retriedBy,
		},
	})
}

// ExpireStale fails running runs started more than olderThan ago with code
// timeout. Returns the number of runs closed.
func (t *Tracker) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := t.store.ListStaleRuns(ctx, t.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale runs: %w", err)
	}

	expired := 0
	for i := range stale {
		run := &stale[i]
		now := t.now()
		err := t.finish(ctx, run, types.RunUpdate{
			Status:       types.RunStatusFailed,
			FinishedAt:   &now,
			ErrorCode:    CodeTimeout,
			ErrorMessage: fmt.Sprintf("run exceeded %s without finishing", olderThan),
		})
		var terr *TransitionError
		if errors.As(err, &terr) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Get returns a run or *NotFoundError
func (t *Tracker) Get(ctx context.Context, runID uuid.UUID) (*types.EvaluationRun, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return nil, &NotFoundError{RunID: runID}
	}
	return run, nil
}

// List returns the most recent runs of a challenge
func (t *Tracker) List(ctx context.Context, challengeID string, limit int) ([]types.EvaluationRun, error) {
	return t.store.ListRuns(ctx, challengeID, limit)
}

// Active returns the pending or running run of a challenge, or nil
func (t *Tracker) Active(ctx context.Context, challengeID string) (*types.EvaluationRun, error) {
	return t.store.ActiveRun(ctx, challengeID)
}

// Contributions returns the provenance rows of a run
func (t *Tracker) Contributions(ctx context.Context, runID uuid.UUID) ([]types.RunContribution, error) {
	return t.store.ListRunContributions(ctx, runID)
}

// finish applies a terminal update guarded by the run's current status, so a
// run that already reached a terminal state is never rewritten
func (t *Tracker) finish(ctx context.Context, run *types.EvaluationRun, update types.RunUpdate) error {
	if !run.Status.CanTransition(update.Status) {
		return &TransitionError{RunID: run.ID, From: run.Status, To: update.Status}
	}

	ok, err := t.store.UpdateRunStatus(ctx, run.ID, types.ActiveRunStatuses, update)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if !ok {
		current := run.Status
		if latest, gerr := t.store.GetRun(ctx, run.ID); gerr == nil && latest != nil {
			current = latest.Status
		}
		return &TransitionError{RunID: run.ID, From: current, To: update.Status}
	}

	var elapsed time.Duration
	if run.StartedAt != nil && update.FinishedAt != nil {
		elapsed = update.FinishedAt.Sub(*run.StartedAt)
	}
	t.metrics.RunFinished(string(update.Status), elapsed)
	t.logger.Info("run finished",
		zap.String(logging.FieldRunID, run.ID.String()),
		zap.String(logging.FieldChallengeID, run.ChallengeID),
		zap.String("status", string(update.Status)),
		zap.String("error_code", update.ErrorCode),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// truncate cuts s to at most limit runes
func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

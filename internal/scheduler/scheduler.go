// Package scheduler triggers periodic sync evaluations and expires runs that
// outlived their timeout.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/config"
	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/pipeline"
	"github.com/jonathan/contrib-evaluator/internal/runs"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// ExpireSpec is the schedule of the stale-run sweep
const ExpireSpec = "@every 5m"

// Syncer runs one sync evaluation
type Syncer interface {
	RunSyncEvaluation(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error)
}

// Expirer closes runs that stayed active too long
type Expirer interface {
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Scheduler owns the cron loop
type Scheduler struct {
	cron    *cron.Cron
	syncer  Syncer
	expirer Expirer
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers one job per configured challenge, plus the stale-run sweep
// when expirer is non-nil and staleAfter is positive. Overlapping ticks of
// the same job are skipped.
func New(jobs []config.JobConfig, syncer Syncer, expirer Expirer, staleAfter time.Duration, logger *zap.Logger) (*Scheduler, error) {
	logger = logging.OrNop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		syncer:  syncer,
		expirer: expirer,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, job := range jobs {
		challengeID := job.ChallengeID
		if _, err := s.cron.AddFunc(job.Cron, func() { s.SyncTick(s.ctx, challengeID) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q for challenge %s: %w", job.Cron, challengeID, err)
		}
	}
	if expirer != nil && staleAfter > 0 {
		if _, err := s.cron.AddFunc(ExpireSpec, func() { s.ExpireTick(s.ctx, staleAfter) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid expiry schedule: %w", err)
		}
	}
	return s, nil
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", s.Len()))
}

// Stop cancels in-flight ticks and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// SyncTick runs one scheduled sync. A challenge that already has an active
// run is skipped until the next tick.
func (s *Scheduler) SyncTick(ctx context.Context, challengeID string) {
	logger := s.logger.With(zap.String(logging.FieldChallengeID, challengeID))
	res, err := s.syncer.RunSyncEvaluation(ctx, challengeID, pipeline.SyncOptions{
		TriggerType: types.TriggerSync,
		CreatedBy:   "scheduler",
	})
	var conflict *runs.ConflictError
	switch {
	case errors.As(err, &conflict):
		logger.Info("scheduled sync skipped, run already active", zap.String("active_run_id", conflict.ActiveRunID.String()))
	case err != nil:
		logger.Error("scheduled sync failed", zap.Error(err))
	default:
		logger.Info("scheduled sync finished",
			zap.String(logging.FieldRunID, res.RunID.String()),
			zap.Int("evaluated", len(res.Evaluations)),
		)
	}
}

// ExpireTick fails runs active for longer than staleAfter
func (s *Scheduler) ExpireTick(ctx context.Context, staleAfter time.Duration) {
	n, err := s.expirer.ExpireStale(ctx, staleAfter)
	if err != nil {
		s.logger.Error("failed to expire stale runs", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("expired stale runs", zap.Int("count", n))
	}
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}

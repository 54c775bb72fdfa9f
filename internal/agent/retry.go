// Package agent provides the bounded retry policy, error taxonomy and output
// decoding shared by the identify, merge and evaluate stages.
package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/metrics"
)

// Policy bounds the attempts of one agent call
type Policy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Recorder

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns 3 attempts with 500ms base backoff capped at 8s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  8 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based):
// base * 2^(attempt-1), capped at BackoffMax
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Do calls fn until it succeeds or the policy's attempts run out, sleeping
// between attempts. Context cancellation stops the loop immediately and is
// returned as is; exhaustion yields *ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, p Policy, stage string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	logger := logging.OrNop(p.Logger)
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		start := time.Now()
		result, err := fn(ctx, attempt)
		elapsed := time.Since(start)
		if err == nil {
			p.Metrics.AgentAttempt(stage, "ok", elapsed)
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		lastErr = err
		outcome := "error"
		var malformed *MalformedOutputError
		if errors.As(err, &malformed) {
			outcome = "malformed"
		}
		p.Metrics.AgentAttempt(stage, outcome, elapsed)
		logger.Warn("agent attempt failed",
			zap.String(logging.FieldStage, stage),
			zap.Int(logging.FieldAttempt, attempt),
			zap.String("outcome", outcome),
			zap.Error(err),
		)

		if attempt < attempts {
			if err := sleep(ctx, p.Backoff(attempt)); err != nil {
				return zero, err
			}
		}
	}
	return zero, &ExhaustedError{Stage: stage, Attempts: attempts, Cause: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

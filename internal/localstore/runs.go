package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

const runColumns = `id, challenge_id, trigger_type, trigger_payload, window_start, window_end,
	status, started_at, finished_at, error_code, error_message, created_by,
	retry_of_run_id, meta, created_at`

// CreateRun inserts a new evaluation run
func (s *Store) CreateRun(ctx context.Context, run *types.EvaluationRun) error {
	var payload sql.NullString
	if run.TriggerPayload != nil {
		data, err := json.Marshal(run.TriggerPayload)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	meta, err := json.Marshal(run.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal run meta: %w", err)
	}
	var retryOf sql.NullString
	if run.RetryOfRunID != nil {
		retryOf = sql.NullString{String: run.RetryOfRunID.String(), Valid: true}
	}

	createdAt := now()
	// One statement, so the closed check and the insert see the same state
	result, err := s.exec(ctx,
		`INSERT INTO evaluation_runs (id, challenge_id, trigger_type, trigger_payload, window_start, window_end,
		                              status, started_at, created_by, retry_of_run_id, meta, created_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM challenges WHERE id = ? AND status = 'closed')`,
		run.ID.String(), run.ChallengeID, string(run.TriggerType), payload,
		nullMillis(run.WindowStart), nullMillis(run.WindowEnd),
		string(run.Status), nullMillis(run.StartedAt), run.CreatedBy, retryOf, string(meta), toMillis(createdAt),
		run.ChallengeID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrActiveRunExists
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return store.ErrChallengeClosed
	}
	run.CreatedAt = fromMillis(toMillis(createdAt))
	return nil
}

// GetRun retrieves an evaluation run by ID
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*types.EvaluationRun, error) {
	return s.queryRun(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE id = ?`, id.String())
}

// ActiveRun retrieves the pending or running run of a challenge
func (s *Store) ActiveRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error) {
	return s.queryRun(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE challenge_id = ? AND status IN ('pending', 'running')
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		challengeID,
	)
}

// LastSucceededRun retrieves the most recently finished succeeded run of a challenge
func (s *Store) LastSucceededRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error) {
	return s.queryRun(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE challenge_id = ? AND status = 'succeeded'
		 ORDER BY finished_at DESC, rowid DESC LIMIT 1`,
		challengeID,
	)
}

// ListRuns retrieves recent runs of a challenge, newest first
func (s *Store) ListRuns(ctx context.Context, challengeID string, limit int) ([]types.EvaluationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE challenge_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		challengeID, limit,
	)
}

// UpdateRunStatus moves a run to a new status if it is currently in one of from
func (s *Store) UpdateRunStatus(ctx context.Context, id uuid.UUID, from []types.RunStatus, update types.RunUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	var meta sql.NullString
	if update.Meta != nil {
		data, err := json.Marshal(update.Meta)
		if err != nil {
			return false, fmt.Errorf("failed to marshal run meta: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{string(update.Status), nullMillis(update.FinishedAt), update.ErrorCode, update.ErrorMessage, meta, id.String()}
	for _, st := range from {
		args = append(args, string(st))
	}

	result, err := s.exec(ctx,
		`UPDATE evaluation_runs
		 SET status = ?, finished_at = COALESCE(?, finished_at),
		     error_code = ?, error_message = ?, meta = COALESCE(?, meta)
		 WHERE id = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, store.ErrActiveRunExists
		}
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListStaleRuns retrieves active runs started before the given time
func (s *Store) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]types.EvaluationRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE status IN ('pending', 'running') AND started_at < ?
		 ORDER BY started_at`,
		toMillis(startedBefore),
	)
}

// InsertRunContributions appends provenance rows in one transaction
func (s *Store) InsertRunContributions(ctx context.Context, rows []types.RunContribution) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO evaluation_run_contributions (id, run_id, contribution_id, status, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.RunID.String(), r.ContributionID.String(), string(r.Status), r.Notes, toMillis(r.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert run contribution: %w", err)
		}
	}
	return tx.Commit()
}

// ListRunContributions retrieves the provenance rows of a run in insertion order
func (s *Store) ListRunContributions(ctx context.Context, runID uuid.UUID) ([]types.RunContribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, contribution_id, status, notes, created_at
		 FROM evaluation_run_contributions WHERE run_id = ? ORDER BY created_at, rowid`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run contributions: %w", err)
	}
	defer rows.Close()

	var out []types.RunContribution
	for rows.Next() {
		var rc types.RunContribution
		var id, run, contribution, status string
		var createdAt int64
		if err := rows.Scan(&id, &run, &contribution, &status, &rc.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan run contribution: %w", err)
		}
		if rc.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if rc.RunID, err = uuid.Parse(run); err != nil {
			return nil, err
		}
		if rc.ContributionID, err = uuid.Parse(contribution); err != nil {
			return nil, err
		}
		rc.Status = types.RunContributionStatus(status)
		rc.CreatedAt = fromMillis(createdAt)
		out = append(out, rc)
	}
	return out, rows.Err()
}

// CountRunContributions counts the provenance rows of a run
func (s *Store) CountRunContributions(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evaluation_run_contributions WHERE run_id = ?`, runID.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count run contributions: %w", err)
	}
	return n, nil
}

func (s *Store) queryRun(ctx context.Context, query string, args ...any) (*types.EvaluationRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]types.EvaluationRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.EvaluationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*types.EvaluationRun, error) {
	var run types.EvaluationRun
	var id, triggerType, status, meta string
	var payload, retryOf sql.NullString
	var windowStart, windowEnd, startedAt, finishedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&id, &run.ChallengeID, &triggerType, &payload, &windowStart, &windowEnd,
		&status, &startedAt, &finishedAt, &run.ErrorCode, &run.ErrorMessage, &run.CreatedBy,
		&retryOf, &meta, &createdAt)
	if err != nil {
		return nil, err
	}

	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if retryOf.Valid && retryOf.String != "" {
		parent, err := uuid.Parse(retryOf.String)
		if err != nil {
			return nil, fmt.Errorf("invalid retry_of_run_id %q: %w", retryOf.String, err)
		}
		run.RetryOfRunID = &parent
	}
	run.TriggerType = types.TriggerType(triggerType)
	run.Status = types.RunStatus(status)
	run.WindowStart = fromNullMillis(windowStart)
	run.WindowEnd = fromNullMillis(windowEnd)
	run.StartedAt = fromNullMillis(startedAt)
	run.FinishedAt = fromNullMillis(finishedAt)
	run.CreatedAt = fromMillis(createdAt)

	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("failed to decode trigger payload: %w", err)
		}
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &run.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode run meta: %w", err)
		}
	}
	return &run, nil
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// -----------------------------------------------------------------------------
// Evaluation Run Methods
// -----------------------------------------------------------------------------

const runColumns = `id, challenge_id, trigger_type, trigger_payload, window_start, window_end,
	status, started_at, finished_at, error_code, error_message, created_by,
	retry_of_run_id, meta, created_at`

// CreateRun inserts a new evaluation run. The partial unique index on active
// runs makes the at-most-one-active-run check atomic.
func (db *DB) CreateRun(ctx context.Context, run *types.EvaluationRun) error {
	var payloadJSON []byte
	if run.TriggerPayload != nil {
		var err error
		payloadJSON, err = json.Marshal(run.TriggerPayload)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger payload: %w", err)
		}
	}
	metaJSON, err := json.Marshal(run.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal run meta: %w", err)
	}

	// The shared lock on the challenge row orders this insert against
	// CloseChallenge, which takes the row exclusively.
	return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM challenges WHERE id = $1 FOR SHARE`, run.ChallengeID).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to lock challenge: %w", err)
		case status == string(types.ChallengeClosed):
			return store.ErrChallengeClosed
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO evaluation_runs (id, challenge_id, trigger_type, trigger_payload, window_start, window_end,
			                              status, started_at, created_by, retry_of_run_id, meta)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 RETURNING created_at`,
			run.ID, run.ChallengeID, string(run.TriggerType), payloadJSON, run.WindowStart, run.WindowEnd,
			string(run.Status), run.StartedAt, run.CreatedBy, run.RetryOfRunID, metaJSON,
		).Scan(&run.CreatedAt)
		if err != nil {
			if isUniqueViolation(err, "uq_evaluation_runs_active") {
				return store.ErrActiveRunExists
			}
			return fmt.Errorf("failed to create run: %w", err)
		}
		return nil
	})
}

// GetRun retrieves an evaluation run by ID
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.EvaluationRun, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM evaluation_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ActiveRun retrieves the pending or running run of a challenge
func (db *DB) ActiveRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE challenge_id = $1 AND status IN ('pending', 'running')
		 ORDER BY created_at DESC LIMIT 1`,
		challengeID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active run: %w", err)
	}
	return run, nil
}

// LastSucceededRun retrieves the most recently finished succeeded run of a challenge
func (db *DB) LastSucceededRun(ctx context.Context, challengeID string) (*types.EvaluationRun, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE challenge_id = $1 AND status = 'succeeded'
		 ORDER BY finished_at DESC NULLS LAST LIMIT 1`,
		challengeID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last succeeded run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves recent runs of a challenge, newest first
func (db *DB) ListRuns(ctx context.Context, challengeID string, limit int) ([]types.EvaluationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE challenge_id = $1 ORDER BY created_at DESC LIMIT $2`,
		challengeID, limit,
	)
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

// UpdateRunStatus moves a run to a new status if it is currently in one of from
func (db *DB) UpdateRunStatus(ctx context.Context, id uuid.UUID, from []types.RunStatus, update types.RunUpdate) (bool, error) {
	var metaJSON []byte
	if update.Meta != nil {
		var err error
		metaJSON, err = json.Marshal(update.Meta)
		if err != nil {
			return false, fmt.Errorf("failed to marshal run meta: %w", err)
		}
	}

	result, err := db.pool.Exec(ctx,
		`UPDATE evaluation_runs
		 SET status = $1, finished_at = COALESCE($2, finished_at),
		     error_code = $3, error_message = $4, meta = COALESCE($5, meta)
		 WHERE id = $6 AND status = ANY($7)`,
		string(update.Status), update.FinishedAt, update.ErrorCode, update.ErrorMessage, metaJSON,
		id, statusStrings(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update run status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListStaleRuns retrieves active runs started before the given time
func (db *DB) ListStaleRuns(ctx context.Context, startedBefore time.Time) ([]types.EvaluationRun, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM evaluation_runs
		 WHERE status IN ('pending', 'running') AND started_at < $1
		 ORDER BY started_at`,
		startedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
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

// -----------------------------------------------------------------------------
// Run Contribution Methods
// -----------------------------------------------------------------------------

// InsertRunContributions appends provenance rows in a single batch
func (db *DB) InsertRunContributions(ctx context.Context, rows []types.RunContribution) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO evaluation_run_contributions (id, run_id, contribution_id, status, notes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.RunID, r.ContributionID, string(r.Status), r.Notes, r.CreatedAt,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert run contribution: %w", err)
		}
	}
	return nil
}

// ListRunContributions retrieves the provenance rows of a run in insertion order
func (db *DB) ListRunContributions(ctx context.Context, runID uuid.UUID) ([]types.RunContribution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, contribution_id, status, notes, created_at
		 FROM evaluation_run_contributions WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run contributions: %w", err)
	}
	defer rows.Close()

	var out []types.RunContribution
	for rows.Next() {
		var rc types.RunContribution
		var status string
		if err := rows.Scan(&rc.ID, &rc.RunID, &rc.ContributionID, &status, &rc.Notes, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run contribution: %w", err)
		}
		rc.Status = types.RunContributionStatus(status)
		out = append(out, rc)
	}
	return out, rows.Err()
}

// CountRunContributions counts the provenance rows of a run
func (db *DB) CountRunContributions(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evaluation_run_contributions WHERE run_id = $1`, runID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count run contributions: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.EvaluationRun, error) {
	var run types.EvaluationRun
	var triggerType, status string
	var payloadJSON, metaJSON []byte

	err := row.Scan(&run.ID, &run.ChallengeID, &triggerType, &payloadJSON, &run.WindowStart, &run.WindowEnd,
		&status, &run.StartedAt, &run.FinishedAt, &run.ErrorCode, &run.ErrorMessage, &run.CreatedBy,
		&run.RetryOfRunID, &metaJSON, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	run.TriggerType = types.TriggerType(triggerType)
	run.Status = types.RunStatus(status)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("failed to decode trigger payload: %w", err)
		}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &run.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode run meta: %w", err)
		}
	}
	return &run, nil
}

func statusStrings(statuses []types.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/contrib-evaluator/internal/grid"
	"github.com/jonathan/contrib-evaluator/internal/metrics"
	"github.com/jonathan/contrib-evaluator/internal/pipeline"
	"github.com/jonathan/contrib-evaluator/internal/runs"
	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

type mockPipeline struct {
	syncFunc   func(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error)
	retryFunc  func(ctx context.Context, runID uuid.UUID, reason, retriedBy string) (*pipeline.SyncResult, error)
	cancelFunc func(ctx context.Context, runID uuid.UUID) error
	closeFunc  func(ctx context.Context, challengeID string) ([]types.Reward, error)
}

func (m *mockPipeline) RunSyncEvaluation(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error) {
	return m.syncFunc(ctx, challengeID, opts)
}

func (m *mockPipeline) Retry(ctx context.Context, runID uuid.UUID, reason, retriedBy string) (*pipeline.SyncResult, error) {
	return m.retryFunc(ctx, runID, reason, retriedBy)
}

func (m *mockPipeline) Cancel(ctx context.Context, runID uuid.UUID) error {
	return m.cancelFunc(ctx, runID)
}

func (m *mockPipeline) ComputeChallengeRewards(ctx context.Context, challengeID string) ([]types.Reward, error) {
	return m.closeFunc(ctx, challengeID)
}

type mockRuns struct {
	runs map[uuid.UUID]*types.EvaluationRun
	rows map[uuid.UUID][]types.RunContribution
}

func (m *mockRuns) Get(_ context.Context, runID uuid.UUID) (*types.EvaluationRun, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, &runs.NotFoundError{RunID: runID}
	}
	return run, nil
}

func (m *mockRuns) List(_ context.Context, challengeID string, limit int) ([]types.EvaluationRun, error) {
	var out []types.EvaluationRun
	for _, r := range m.runs {
		if r.ChallengeID == challengeID && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockRuns) Contributions(_ context.Context, runID uuid.UUID) ([]types.RunContribution, error) {
	return m.rows[runID], nil
}

func newTestServer(p *mockPipeline, r *mockRuns) http.Handler {
	if r == nil {
		r = &mockRuns{runs: map[uuid.UUID]*types.EvaluationRun{}}
	}
	return New(Config{Addr: ":0"}, p, r, metrics.New(), nil).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthAndMetrics(t *testing.T) {
	h := newTestServer(&mockPipeline{}, nil)

	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])

	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSync(t *testing.T) {
	runID := uuid.New()
	var got pipeline.SyncOptions
	p := &mockPipeline{syncFunc: func(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error) {
		got = opts
		switch challengeID {
		case "busy":
			return nil, &runs.ConflictError{ChallengeID: challengeID, ActiveRunID: uuid.New()}
		case "missing":
			return nil, fmt.Errorf("challenge %s: %w", challengeID, store.ErrNotFound)
		case "broken":
			return nil, errors.New("identify_failed: exhausted")
		}
		return &pipeline.SyncResult{RunID: runID, Evaluations: []types.Contribution{}}, nil
	}}
	h := newTestServer(p, nil)

	t.Run("runs with options", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/challenges/ch-1/sync",
			`{"trigger_type": "github_pr", "window_start": "2024-05-01T00:00:00Z", "window_end": "2024-05-08T00:00:00Z", "created_by": "ada"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, runID.String(), decode(t, w)["run_id"])
		assert.Equal(t, types.TriggerGitHubPR, got.TriggerType)
		require.NotNil(t, got.WindowStart)
		assert.True(t, got.WindowStart.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
		assert.Equal(t, "ada", got.CreatedBy)
	})

	t.Run("empty body uses defaults", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/challenges/ch-1/sync", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Empty(t, got.TriggerType)
		assert.Nil(t, got.WindowStart)
	})

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown trigger", "/challenges/ch-1/sync", `{"trigger_type": "cron"}`, http.StatusBadRequest},
		{"malformed body", "/challenges/ch-1/sync", `{`, http.StatusBadRequest},
		{"active run", "/challenges/busy/sync", "", http.StatusConflict},
		{"unknown challenge", "/challenges/missing/sync", "", http.StatusNotFound},
		{"run failed", "/challenges/broken/sync", "", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
}

func TestSyncStream(t *testing.T) {
	runID := uuid.New()
	p := &mockPipeline{syncFunc: func(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error) {
		require.NotNil(t, opts.OnProgress)
		opts.OnProgress(pipeline.ProgressEvent{Stage: pipeline.StageGather, Message: "gathering", RunID: runID.String()})
		opts.OnProgress(pipeline.ProgressEvent{Stage: pipeline.StageEvaluate, Message: "evaluating", RunID: runID.String()})
		return &pipeline.SyncResult{RunID: runID, Evaluations: []types.Contribution{}}, nil
	}}
	h := newTestServer(p, nil)

	w := do(t, h, http.MethodPost, "/challenges/ch-1/sync/stream", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 2, strings.Count(body, "event: progress\n"))
	assert.Contains(t, body, `"stage":"gather"`)
	assert.Contains(t, body, "event: complete\n")
	assert.Contains(t, body, runID.String())
}

func TestSyncStream_Error(t *testing.T) {
	p := &mockPipeline{syncFunc: func(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error) {
		return nil, &runs.ConflictError{ChallengeID: challengeID}
	}}
	w := do(t, newTestServer(p, nil), http.MethodPost, "/challenges/ch-1/sync/stream", "")
	assert.Contains(t, w.Body.String(), "event: error\n")
	assert.Contains(t, w.Body.String(), `"status":409`)
}

func TestClose(t *testing.T) {
	contributionID := uuid.New()
	p := &mockPipeline{closeFunc: func(ctx context.Context, challengeID string) ([]types.Reward, error) {
		if challengeID == "busy" {
			return nil, &runs.ConflictError{ChallengeID: challengeID}
		}
		return []types.Reward{{ContributionID: contributionID, UserID: "u1", Score: 7, Reward: 100}}, nil
	}}
	h := newTestServer(p, nil)

	w := do(t, h, http.MethodPost, "/challenges/ch-1/close", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp CloseResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ch-1", resp.ChallengeID)
	require.Len(t, resp.Rewards, 1)
	assert.Equal(t, 100, resp.Rewards[0].Reward)

	w = do(t, h, http.MethodPost, "/challenges/busy/close", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetry(t *testing.T) {
	original := uuid.New()
	var gotReason, gotBy string
	p := &mockPipeline{retryFunc: func(ctx context.Context, runID uuid.UUID, reason, retriedBy string) (*pipeline.SyncResult, error) {
		gotReason, gotBy = reason, retriedBy
		return &pipeline.SyncResult{RunID: uuid.New(), Evaluations: []types.Contribution{}}, nil
	}}
	h := newTestServer(p, nil)

	w := do(t, h, http.MethodPost, "/runs/"+original.String()+"/retry", `{"reason": "model outage", "retried_by": "ops"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "model outage", gotReason)
	assert.Equal(t, "ops", gotBy)

	w = do(t, h, http.MethodPost, "/runs/"+original.String()+"/retry", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/runs/not-a-uuid/retry", `{"reason": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancel(t *testing.T) {
	active, done := uuid.New(), uuid.New()
	p := &mockPipeline{cancelFunc: func(ctx context.Context, runID uuid.UUID) error {
		if runID == done {
			return &runs.TransitionError{RunID: runID, From: types.RunStatusSucceeded, To: types.RunStatusCanceled}
		}
		return nil
	}}
	h := newTestServer(p, nil)

	w := do(t, h, http.MethodPost, "/runs/"+active.String()+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "canceled", decode(t, w)["status"])

	w = do(t, h, http.MethodPost, "/runs/"+done.String()+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetAndListRuns(t *testing.T) {
	runID, contributionID := uuid.New(), uuid.New()
	r := &mockRuns{
		runs: map[uuid.UUID]*types.EvaluationRun{
			runID: {ID: runID, ChallengeID: "ch-1", Status: types.RunStatusSucceeded, TriggerType: types.TriggerManual},
		},
		rows: map[uuid.UUID][]types.RunContribution{
			runID: {{RunID: runID, ContributionID: contributionID, Status: types.RunContributionEvaluated}},
		},
	}
	h := newTestServer(&mockPipeline{}, r)

	w := do(t, h, http.MethodGet, "/runs/"+runID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "succeeded", body["status"])
	assert.Len(t, body["contributions"], 1)

	w = do(t, h, http.MethodGet, "/runs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/challenges/ch-1/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = do(t, h, http.MethodGet, "/challenges/other/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, decode(t, w)["runs"])

	w = do(t, h, http.MethodGet, "/challenges/ch-1/runs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, http.StatusOK},
		{"conflict", &runs.ConflictError{ChallengeID: "ch-1"}, http.StatusConflict},
		{"wrapped conflict", fmt.Errorf("start: %w", &runs.ConflictError{}), http.StatusConflict},
		{"transition", &runs.TransitionError{}, http.StatusConflict},
		{"validation", &runs.ValidationError{Field: "retry_reason", Message: "required"}, http.StatusBadRequest},
		{"grid validation", &grid.ValidationError{Field: "categories", Message: "empty"}, http.StatusBadRequest},
		{"bad request", &ErrBadRequest{Message: "x"}, http.StatusBadRequest},
		{"run not found", &runs.NotFoundError{RunID: uuid.New()}, http.StatusNotFound},
		{"store not found", fmt.Errorf("challenge x: %w", store.ErrNotFound), http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}

func TestErrBadRequest(t *testing.T) {
	assert.Equal(t, "bad request: limit - must be positive", (&ErrBadRequest{Field: "limit", Message: "must be positive"}).Error())
	assert.Equal(t, "bad request: broken", (&ErrBadRequest{Message: "broken"}).Error())
}

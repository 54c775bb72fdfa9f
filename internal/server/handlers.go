package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/pipeline"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

var validate = validator.New()

// DefaultRunsLimit caps GET /challenges/{id}/runs when no limit is given
const DefaultRunsLimit = 50

// SyncRequest is the body of POST /challenges/{id}/sync. All fields are optional.
type SyncRequest struct {
	TriggerType types.TriggerType `json:"trigger_type" validate:"omitempty,oneof=manual sync github_pr"`
	WindowStart *time.Time        `json:"window_start"`
	WindowEnd   *time.Time        `json:"window_end"`
	CreatedBy   string            `json:"created_by" validate:"max=200"`
}

// RetryRequest is the body of POST /runs/{id}/retry
type RetryRequest struct {
	Reason    string `json:"reason" validate:"required"`
	RetriedBy string `json:"retried_by" validate:"max=200"`
}

// RunResponse is a run with its provenance rows
type RunResponse struct {
	*types.EvaluationRun
	Contributions []types.RunContribution `json:"contributions"`
}

// CloseResponse lists the rewards of a closed challenge
type CloseResponse struct {
	ChallengeID string         `json:"challenge_id"`
	Rewards     []types.Reward `json:"rewards"`
}

// decodeBody decodes an optional JSON body into v and validates it
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &ErrBadRequest{Message: "invalid request body: " + err.Error()}
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ErrBadRequest{Field: verrs[0].Field(), Message: "failed on " + verrs[0].Tag()}
		}
		return &ErrBadRequest{Message: err.Error()}
	}
	return nil
}

func pathRunID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrBadRequest{Field: "id", Message: "invalid run ID"}
	}
	return id, nil
}

func (req *SyncRequest) options() pipeline.SyncOptions {
	return pipeline.SyncOptions{
		TriggerType: req.TriggerType,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		CreatedBy:   req.CreatedBy,
	}
}

// handleSync runs a sync evaluation and returns its result once the run closes
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	res, err := s.pipeline.RunSyncEvaluation(r.Context(), r.PathValue("id"), req.options())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleSyncStream runs a sync evaluation and streams progress via SSE
func (s *Server) handleSyncStream(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := req.options()
	opts.OnProgress = func(event pipeline.ProgressEvent) {
		if err := sse.WriteEvent("progress", event); err != nil {
			s.logger.Warn("failed to write SSE event", zap.Error(err))
		}
	}

	res, err := s.pipeline.RunSyncEvaluation(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		sse.WriteError(HTTPStatus(err), err.Error())
		return
	}
	sse.WriteEvent("complete", res) //nolint:errcheck
}

// handleClose distributes the reward pool and closes the challenge
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	challengeID := r.PathValue("id")
	rewards, err := s.pipeline.ComputeChallengeRewards(r.Context(), challengeID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, CloseResponse{ChallengeID: challengeID, Rewards: rewards})
}

// handleRetry re-executes a finished run
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req RetryRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	res, err := s.pipeline.Retry(r.Context(), runID, req.Reason, req.RetriedBy)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleCancel cancels an active run
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.pipeline.Cancel(r.Context(), runID); err != nil {
		s.fail(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"run_id": runID.String(), "status": string(types.RunStatusCanceled)})
}

// handleGetRun returns a run and what it did to each contribution
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathRunID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	run, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	rows, err := s.runs.Contributions(r.Context(), runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []types.RunContribution{}
	}
	s.jsonResponse(w, http.StatusOK, RunResponse{EvaluationRun: run, Contributions: rows})
}

// handleListRuns lists the runs of a challenge, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.fail(w, &ErrBadRequest{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = n
	}

	list, err := s.runs.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if list == nil {
		list = []types.EvaluationRun{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": list, "count": len(list)})
}

// Package server exposes the evaluation trigger API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/contrib-evaluator/internal/logging"
	"github.com/jonathan/contrib-evaluator/internal/metrics"
	"github.com/jonathan/contrib-evaluator/internal/pipeline"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// Pipeline is the trigger surface served over HTTP
type Pipeline interface {
	RunSyncEvaluation(ctx context.Context, challengeID string, opts pipeline.SyncOptions) (*pipeline.SyncResult, error)
	Retry(ctx context.Context, runID uuid.UUID, reason, retriedBy string) (*pipeline.SyncResult, error)
	Cancel(ctx context.Context, runID uuid.UUID) error
	ComputeChallengeRewards(ctx context.Context, challengeID string) ([]types.Reward, error)
}

// Runs reads evaluation runs
type Runs interface {
	Get(ctx context.Context, runID uuid.UUID) (*types.EvaluationRun, error)
	List(ctx context.Context, challengeID string, limit int) ([]types.EvaluationRun, error)
	Contributions(ctx context.Context, runID uuid.UUID) ([]types.RunContribution, error)
}

// Config holds server configuration
type Config struct {
	Addr string
	// RunTimeout bounds synchronous trigger requests; the write timeout is
	// derived from it
	RunTimeout time.Duration
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	pipeline   Pipeline
	runs       Runs
	metrics    *metrics.Recorder
	logger     *zap.Logger
}

// New creates a new server instance
func New(cfg Config, p Pipeline, r Runs, rec *metrics.Recorder, logger *zap.Logger) *Server {
	s := &Server{
		pipeline: p,
		runs:     r,
		metrics:  rec,
		logger:   logging.OrNop(logger),
	}

	writeTimeout := 5 * time.Minute
	if cfg.RunTimeout > 0 {
		writeTimeout = cfg.RunTimeout + time.Minute
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /challenges/{id}/sync", s.handleSync)
	mux.HandleFunc("POST /challenges/{id}/sync/stream", s.handleSyncStream)
	mux.HandleFunc("POST /challenges/{id}/close", s.handleClose)
	mux.HandleFunc("GET /challenges/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.withLogging(mux)
}

// Start serves until ctx is canceled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// statusRecorder captures the response status for request logs
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// fail maps err to its status and writes it
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.errorResponse(w, status, err.Error())
}

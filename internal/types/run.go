// Package types provides type definitions for structured data used throughout the contribution evaluator.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an evaluation run
type RunStatus string

// RunStatus constants
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// ActiveRunStatuses are the statuses that block a new run for the same challenge
var ActiveRunStatuses = []RunStatus{RunStatusPending, RunStatusRunning}

// IsActive reports whether the run still occupies its challenge
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// IsTerminal reports whether no further transition is allowed
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// CanTransition reports whether the state machine allows moving from s to next.
// pending -> running -> {succeeded | failed | canceled}; pending may also be
// failed or canceled directly.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next.IsTerminal()
	case RunStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// TriggerType identifies what started a run
type TriggerType string

// TriggerType constants
const (
	TriggerManual   TriggerType = "manual"
	TriggerSync     TriggerType = "sync"
	TriggerGitHubPR TriggerType = "github_pr"
)

// Valid reports whether t is a known trigger type
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerSync, TriggerGitHubPR:
		return true
	}
	return false
}

// Window is the time range of activity considered by a run
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RunMeta holds summary values recorded when a run succeeds
type RunMeta struct {
	ContributionCount int    `json:"contribution_count"`
	DurationMs        int64  `json:"duration_ms"`
	EvaluatorVersion  string `json:"evaluator_version,omitempty"`
}

// EvaluationRun is one execution of the identify -> merge -> evaluate pipeline for a challenge
type EvaluationRun struct {
	ID             uuid.UUID      `json:"id"`
	ChallengeID    string         `json:"challenge_id"`
	TriggerType    TriggerType    `json:"trigger_type"`
	TriggerPayload map[string]any `json:"trigger_payload,omitempty"`
	WindowStart    *time.Time     `json:"window_start,omitempty"`
	WindowEnd      *time.Time     `json:"window_end,omitempty"`
	Status         RunStatus      `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	RetryOfRunID   *uuid.UUID     `json:"retry_of_run_id,omitempty"`
	Meta           RunMeta        `json:"meta"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Window returns the run's activity window, or nil if none was recorded
func (r *EvaluationRun) Window() *Window {
	if r.WindowStart == nil || r.WindowEnd == nil {
		return nil
	}
	return &Window{Start: *r.WindowStart, End: *r.WindowEnd}
}

// RunUpdate carries the fields written when a run changes status
type RunUpdate struct {
	Status       RunStatus
	FinishedAt   *time.Time
	ErrorCode    string
	ErrorMessage string
	Meta         *RunMeta
}

// RunContributionStatus records what a run did with a contribution
type RunContributionStatus string

// RunContributionStatus constants
const (
	RunContributionIdentified RunContributionStatus = "identified"
	RunContributionMerged     RunContributionStatus = "merged"
	RunContributionEvaluated  RunContributionStatus = "evaluated"
	RunContributionSkipped    RunContributionStatus = "skipped"
)

// RunContribution is the append-only provenance row linking a run to a contribution it touched
type RunContribution struct {
	ID             uuid.UUID             `json:"id"`
	RunID          uuid.UUID             `json:"run_id"`
	ContributionID uuid.UUID             `json:"contribution_id"`
	Status         RunContributionStatus `json:"status"`
	Notes          string                `json:"notes,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

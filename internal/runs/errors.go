package runs

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/contrib-evaluator/internal/store"
	"github.com/jonathan/contrib-evaluator/internal/types"
)

// ConflictError is returned when a challenge already has an active run
type ConflictError struct {
	ChallengeID string
	ActiveRunID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.ActiveRunID == uuid.Nil {
		return fmt.Sprintf("challenge %s already has an active run", e.ChallengeID)
	}
	return fmt.Sprintf("challenge %s already has an active run %s", e.ChallengeID, e.ActiveRunID)
}

// ValidationError is returned for rejected requests before any write
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NotFoundError is returned when a run does not exist
type NotFoundError struct {
	RunID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

func (e *NotFoundError) Unwrap() error {
	return store.ErrNotFound
}

// TransitionError is returned when the state machine forbids a status change
type TransitionError struct {
	RunID uuid.UUID
	From  types.RunStatus
	To    types.RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("run %s cannot move from %s to %s", e.RunID, e.From, e.To)
}

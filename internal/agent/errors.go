package agent

import "fmt"

// ExhaustedError is returned when every attempt of a stage failed
type ExhaustedError struct {
	Stage    string
	Attempts int
	Cause    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: agent failed after %d attempts: %v", e.Stage, e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// MalformedOutputError is returned when agent output cannot be decoded or
// violates the stage's output contract. It is retryable.
type MalformedOutputError struct {
	Stage   string
	Message string
	Cause   error
}

func (e *MalformedOutputError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: malformed agent output: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: malformed agent output: %s", e.Stage, e.Message)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Cause
}

// Malformed builds a MalformedOutputError
func Malformed(stage, format string, args ...any) *MalformedOutputError {
	return &MalformedOutputError{Stage: stage, Message: fmt.Sprintf(format, args...)}
}

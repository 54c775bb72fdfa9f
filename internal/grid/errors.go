package grid

import "fmt"

// ValidationError reports an invalid evaluation grid
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid grid: %s: %s", e.Field, e.Message)
}

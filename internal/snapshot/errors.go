package snapshot

import (
	"errors"
	"fmt"
)

// ErrNoConnector is returned when a commit sha has no registered connector
var ErrNoConnector = errors.New("no connector registered for commit")

// PathError is returned for snapshot paths that would escape the workspace
type PathError struct {
	Path    string
	Message string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid snapshot path %q: %s", e.Path, e.Message)
}

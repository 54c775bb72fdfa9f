package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/contrib-evaluator/internal/grid"
	"github.com/jonathan/contrib-evaluator/internal/runs"
	"github.com/jonathan/contrib-evaluator/internal/store"
)

// ErrBadRequest indicates a request that could not be decoded
type ErrBadRequest struct {
	Field   string
	Message string
}

func (e *ErrBadRequest) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("bad request: %s", e.Message)
	}
	return fmt.Sprintf("bad request: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		conflict   *runs.ConflictError
		validation *runs.ValidationError
		gridErr    *grid.ValidationError
		badRequest *ErrBadRequest
		notFound   *runs.NotFoundError
		transition *runs.TransitionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &conflict), errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &validation), errors.As(err, &gridErr), errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

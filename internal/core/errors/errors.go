// Package errors defines the error body of the HTTP API and maps domain
// errors onto it.
package errors

import (
	"errors"
	"net/http"

	"github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

const (
	HttpInternalError          = "internal_error"
	HttpInvalidJsonError       = "invalid_json"
	HttpInvalidRequestError    = "invalid_request"
	HttpValidationError        = "validation_failed"
	HttpAuthorizationError     = "authorization_failed"
	HttpUnknownCommandError    = "unknown_command"
	HttpUnknownAggregateError  = "unknown_aggregate_type"
	HttpAggregateNotFoundError = "aggregate_not_found"
	HttpConcurrencyError       = "concurrency_conflict"
	HttpClockMovedBackward     = "clock_moved_backward"
	HttpNotFoundError          = "not_found"
)

// ErrorResponse is the error response body of every endpoint.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// Classify returns the status code and error type for err. Validation
// failures carry their report as details.
func Classify(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Message: err.Error()}

	var vf *domain.ValidationFailure
	switch {
	case errors.As(err, &vf):
		resp.ErrorType = HttpValidationError
		resp.Details = vf.Report
		return http.StatusBadRequest, resp
	case errors.Is(err, clock.ErrMovedBackward):
		resp.ErrorType = HttpClockMovedBackward
		return http.StatusBadRequest, resp
	case errors.Is(err, domain.ErrAuthorizationFailure):
		resp.ErrorType = HttpAuthorizationError
		return http.StatusForbidden, resp
	case errors.Is(err, domain.ErrUnknownCommand):
		resp.ErrorType = HttpUnknownCommandError
		return http.StatusNotFound, resp
	case errors.Is(err, domain.ErrUnknownAggregateType):
		resp.ErrorType = HttpUnknownAggregateError
		return http.StatusNotFound, resp
	case errors.Is(err, domain.ErrAggregateNotFound):
		resp.ErrorType = HttpAggregateNotFoundError
		return http.StatusNotFound, resp
	case errors.Is(err, storage.ErrNotFound):
		resp.ErrorType = HttpNotFoundError
		return http.StatusNotFound, resp
	case errors.Is(err, domain.ErrConcurrencyConflict):
		resp.ErrorType = HttpConcurrencyError
		return http.StatusConflict, resp
	}

	resp.ErrorType = HttpInternalError
	resp.Message = "Internal server error"
	return http.StatusInternalServerError, resp
}

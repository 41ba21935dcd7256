// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// StatusFor maps a failure kind to its HTTP status.
func StatusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.ErrValidation:
		return http.StatusBadRequest
	case shared.ErrNotFound:
		return http.StatusNotFound
	case shared.ErrInvalidTransition, shared.ErrAlreadyLinked, shared.ErrInsufficientStock:
		return http.StatusConflict
	case shared.ErrInvalidReference:
		return http.StatusUnprocessableEntity
	case shared.ErrPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	entity, id, lineID := shared.Describe(err)
	problem := ProblemDetail{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Kind:      shared.KindName(err),
		Entity:    entity,
		EntityID:  id,
		LineID:    lineID,
		Retryable: shared.Retryable(err),
	}
	// Storage causes stay in the logs.
	if status < http.StatusInternalServerError {
		problem.Detail = err.Error()
	}
	if errors.Is(err, shared.ErrPersistence) {
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, status, problem)
}

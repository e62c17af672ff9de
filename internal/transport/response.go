// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/matterflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrForbidden:           http.StatusForbidden,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrInvalidTransition:   http.StatusConflict,
	model.ErrPrecondition:        http.StatusConflict,
	model.ErrDependencyIntegrity: http.StatusUnprocessableEntity,
	model.ErrNotificationFailed:  http.StatusBadGateway,
	model.ErrInternalError:       http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes the ErrorEnvelope wrapped by err as a JSON response with
// the matching HTTP status code. Any other error becomes a generic 500 so
// infrastructure details never reach the caller.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewPermissionError(msg))
}

// Package transport contains the HTTP router, middleware chain, and request
// handlers for the stagetrack API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/stagetrack/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrForbidden:           http.StatusForbidden,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrInvalidTarget:       http.StatusUnprocessableEntity,
	model.ErrNoValidTransition:   http.StatusUnprocessableEntity,
	model.ErrConfiguration:       http.StatusInternalServerError,
	model.ErrLedgerInconsistency: http.StatusInternalServerError,
	model.ErrPersistence:         http.StatusInternalServerError,
	model.ErrBatchFailed:         http.StatusInternalServerError,
	model.ErrInternalError:       http.StatusInternalServerError,
}

// StatusOf returns the HTTP status for err.
func StatusOf(err error) int {
	if status, ok := statusForCode[model.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
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
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err does not wrap an *ErrorEnvelope, a generic 500 is
// returned so internal details never reach the client.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}
	WriteJSON(w, StatusOf(ee), errorResponse{Error: ee})
}

// batchResponse is the body of a batch move response. Succeeded is always
// present; Failed and Error only when items failed.
type batchResponse struct {
	Succeeded []model.ItemMove     `json:"succeeded"`
	Failed    []model.ItemFailure  `json:"failed,omitempty"`
	Error     *model.ErrorEnvelope `json:"error,omitempty"`
}

// batchStatus maps a batch result to its HTTP status and body: 200 when
// every item moved, 207 when some did, 500 with BATCH_FAILED when none did.
func batchStatus(result model.BatchResult, traceID string) (int, batchResponse) {
	body := batchResponse{Succeeded: result.Succeeded, Failed: result.Failed}
	if body.Succeeded == nil {
		body.Succeeded = []model.ItemMove{}
	}
	switch result.Status() {
	case model.BatchStatusSucceeded:
		body.Failed = nil
		return http.StatusOK, body
	case model.BatchStatusPartial:
		return http.StatusMultiStatus, body
	default:
		body.Error = model.NewBatchFailedError(len(result.Failed))
		body.Error.TraceID = traceID
		return http.StatusInternalServerError, body
	}
}

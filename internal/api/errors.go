// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/queue"
)

// errorResponse is the uniform error envelope. Error carries a stable
// machine-readable code, Message the human-readable detail.
type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErrorResponse writes the error envelope with the request id attached.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error:     code,
		Message:   message,
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// writeFailure maps a classified error onto an HTTP status. Unclassified
// errors become an opaque 500; their detail goes to the log, not the wire.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		writeErrorResponse(w, r, http.StatusNotFound, "not_found", "no such job")
		return
	}

	var f *domain.Failure
	if errors.As(err, &f) {
		switch f.Kind {
		case domain.FailureValidation:
			writeErrorResponse(w, r, http.StatusBadRequest, f.Code, f.Message)
			return
		case domain.FailureAuthorization:
			writeErrorResponse(w, r, http.StatusUnauthorized, f.Code, f.Message)
			return
		case domain.FailureQuota:
			writeErrorResponse(w, r, http.StatusTooManyRequests, f.Code, f.Message)
			return
		case domain.FailureExternalTransient:
			writeErrorResponse(w, r, http.StatusServiceUnavailable, f.Code, f.Message)
			return
		}
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Error().Err(err).
		Str(log.FieldPath, r.URL.Path).
		Msg("request failed")
	writeErrorResponse(w, r, http.StatusInternalServerError, "internal", "an unexpected error occurred")
}

// decodeJSON decodes a bounded request body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationFailure("bad_body", "request body is not valid JSON: "+err.Error())
	}
	return nil
}

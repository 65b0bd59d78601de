// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/queue"
)

const submitBodyLimit = 1 << 20 // 1 MiB

// submitJobRequest is the job submission body. Delay is milliseconds.
type submitJobRequest struct {
	Origin      domain.Origin             `json:"origin"`
	Reference   string                    `json:"reference"`
	UserID      string                    `json:"userId"`
	SessionID   string                    `json:"sessionId,omitempty"`
	Options     *domain.ProcessingOptions `json:"options,omitempty"`
	Priority    int                       `json:"priority,omitempty"`
	Delay       int64                     `json:"delay,omitempty"`
	MaxAttempts int                       `json:"maxAttempts,omitempty"`
}

type submitJobResponse struct {
	JobID      string    `json:"jobId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(w, r, submitBodyLimit, &req); err != nil {
		writeFailure(w, r, err)
		return
	}
	if req.Delay < 0 {
		writeFailure(w, r, domain.NewValidationFailure("bad_delay", "delay must not be negative"))
		return
	}

	opts := domain.DefaultProcessingOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	data := domain.JobData{
		Origin:    req.Origin,
		Reference: req.Reference,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Options:   opts,
	}

	// Enqueue validates the submission, including the local-path policy,
	// before it writes any queue state.
	id, err := s.deps.Queue.Enqueue(r.Context(), data, queue.Options{
		Priority:    req.Priority,
		Delay:       time.Duration(req.Delay) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	enqueuedAt := time.Now().UTC()
	if st, err := s.deps.Queue.Status(r.Context(), id); err == nil {
		enqueuedAt = st.EnqueuedAt
	}

	s.logger.Info().
		Str(log.FieldJobID, id).
		Str(log.FieldUserID, req.UserID).
		Str("origin", string(req.Origin)).
		Msg("job accepted")
	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: id, EnqueuedAt: enqueuedAt})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.deps.Queue.Status(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type cancelJobResponse struct {
	Cancelled bool `json:"cancelled"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.deps.Queue.Cancel(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if cancelled {
		s.logger.Info().Str(log.FieldJobID, id).Msg("job cancelled")
	}
	writeJSON(w, http.StatusOK, cancelJobResponse{Cancelled: cancelled})
}

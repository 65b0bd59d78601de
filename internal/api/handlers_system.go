// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
)

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleRealtimeStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realtime == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "realtime_disabled", "realtime gateway is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Realtime.Stats())
}

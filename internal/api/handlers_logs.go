package api

import (
	"net/http"
	"strconv"

	"github.com/user/ratatosk/internal/runlog"
)

func (s *Server) readLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	runID := r.URL.Query().Get("runId")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.logs.ListRuns(r.Context(), jobID)
	if err != nil {
		s.fail(w, err)
		return
	}
	entries, err := s.logs.Read(r.Context(), jobID, runID, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []runlog.RunInfo{}
	}
	if entries == nil {
		entries = []runlog.Entry{}
	}
	s.jsonOK(w, map[string]interface{}{
		"exists": len(runs) > 0 || len(entries) > 0,
		"runs":   runs,
		"logs":   entries,
	})
}

func (s *Server) clearLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	runID := r.URL.Query().Get("runId")
	deleted, err := s.logs.Clear(r.Context(), jobID, runID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonOK(w, map[string]interface{}{"success": true, "deleted": deleted})
}

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/scheduler"
)

// syncOne runs exactly one batch of a job. The caller owns the
// continuation loop: it feeds runId and batchNumber from the previous
// response back in until hasMore comes back false.
func (s *Server) syncOne(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if job == nil {
		s.jsonError(w, "job "+id+" not found", http.StatusNotFound)
		return
	}

	var body struct {
		RunID       string `json:"runId"`
		BatchNumber int    `json:"batchNumber"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.BatchNumber <= 0 {
		body.BatchNumber = 1
	}

	res, err := s.syncer.RunBatch(r.Context(), job, body.RunID, body.BatchNumber)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.jsonOK(w, map[string]interface{}{
		"success":       true,
		"runId":         res.RunID,
		"hasMore":       res.HasMore,
		"nextBatch":     res.NextBatch,
		"rowsProcessed": res.RowsProcessed,
		"rowsDeleted":   res.RowsDeleted,
		"summary":       res.Summary,
	})
}

type syncOutcome struct {
	JobID   string `json:"jobId"`
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// syncAll drives every enabled job to completion, spreadsheet ingests
// before warehouse mirrors so freshly loaded tables are visible to the
// mirrors that read them.
func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	scheduler.SortForDispatch(jobs)

	outcomes := make([]syncOutcome, 0, len(jobs))
	allOK := true
	for i := range jobs {
		job := jobs[i]
		if !job.Enabled {
			continue
		}
		out := syncOutcome{JobID: job.ID, Name: job.Name, Success: true}
		res, err := s.syncer.RunToCompletion(r.Context(), &job, s.batchTimeout)
		if err != nil {
			out.Success = false
			out.Error = err.Error()
			out.Kind = string(ratatosk.KindOf(err))
			allOK = false
		} else {
			out.Summary = res.Summary
		}
		outcomes = append(outcomes, out)
	}
	s.jsonOK(w, map[string]interface{}{"success": allOK, "results": outcomes})
}

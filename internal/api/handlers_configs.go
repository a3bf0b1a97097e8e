package api

import (
	"encoding/json"
	"net/http"

	"github.com/user/ratatosk/internal/jobstore"
)

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []jobstore.Job{}
	}
	s.jsonOK(w, jobs)
}

func (s *Server) createConfig(w http.ResponseWriter, r *http.Request) {
	var job jobstore.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.jobs.Create(r.Context(), &job); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("job created", "job", job.Name, "id", job.ID)
	s.jsonOK(w, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var job jobstore.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.jobs.Update(r.Context(), id, &job); err != nil {
		s.fail(w, err)
		return
	}
	s.jsonOK(w, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) deleteConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("job deleted", "id", id)
	s.jsonOK(w, map[string]interface{}{"success": true})
}

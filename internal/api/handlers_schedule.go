package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/user/ratatosk/internal/scheduler"
)

type scheduledJob struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type scheduleGroup struct {
	Schedule string         `json:"schedule"`
	NextFire string         `json:"nextFire,omitempty"`
	Jobs     []scheduledJob `json:"jobs"`
}

// listSchedules groups jobs by their cron expression and annotates each
// group with its next fire time.
func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	byExpr := map[string][]scheduledJob{}
	for _, job := range jobs {
		if job.CronSchedule == "" {
			continue
		}
		byExpr[job.CronSchedule] = append(byExpr[job.CronSchedule], scheduledJob{
			ID:      job.ID,
			Name:    job.Name,
			Type:    string(job.Type),
			Enabled: job.Enabled,
		})
	}

	groups := make([]scheduleGroup, 0, len(byExpr))
	now := time.Now()
	for expr, members := range byExpr {
		group := scheduleGroup{Schedule: expr, Jobs: members}
		if next, err := scheduler.NextFire(expr, now); err == nil {
			group.NextFire = next.UTC().Format(time.RFC3339)
		}
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Schedule < groups[j].Schedule })
	s.jsonOK(w, map[string]interface{}{"schedules": groups})
}

// updateSchedule sets or clears one job's cron expression.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		CronSchedule string `json:"cronSchedule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.CronSchedule != "" {
		if _, err := cron.ParseStandard(body.CronSchedule); err != nil {
			s.jsonError(w, "invalid cron expression: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if job == nil {
		s.jsonError(w, "job "+id+" not found", http.StatusNotFound)
		return
	}
	job.CronSchedule = body.CronSchedule
	if err := s.jobs.Update(r.Context(), id, job); err != nil {
		s.fail(w, err)
		return
	}
	s.jsonOK(w, map[string]interface{}{"success": true, "job": job})
}

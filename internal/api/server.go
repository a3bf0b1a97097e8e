// Package api exposes the bearer-gated JSON admin surface: job CRUD,
// run-and-resume, run logs, schedules and diagnostics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/user/ratatosk"
	"github.com/user/ratatosk/internal/engine"
	"github.com/user/ratatosk/internal/jobstore"
	"github.com/user/ratatosk/internal/runlog"
	"github.com/user/ratatosk/pkg/kv"
)

// Syncer runs batches. *engine.Engine satisfies it.
type Syncer interface {
	RunBatch(ctx context.Context, job *jobstore.Job, runID string, batchNumber int) (*engine.BatchResult, error)
	RunToCompletion(ctx context.Context, job *jobstore.Job, batchTimeout time.Duration) (*engine.BatchResult, error)
}

// SheetReader is the slice of the spreadsheet client the connectivity
// diagnostic needs.
type SheetReader interface {
	ReadRange(ctx context.Context, spreadsheetID, rangeA1 string) ([][]interface{}, error)
}

type Server struct {
	adminKey     string
	jobs         *jobstore.Store
	logs         *runlog.Store
	syncer       Syncer
	sheets       SheetReader
	store        kv.Store
	batchTimeout time.Duration
	logger       ratatosk.Logger
}

func NewServer(adminKey string, jobs *jobstore.Store, logs *runlog.Store, syncer Syncer,
	sheets SheetReader, store kv.Store, batchTimeout time.Duration, logger ratatosk.Logger) *Server {
	if batchTimeout <= 0 {
		batchTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = ratatosk.NewDefaultLogger()
	}
	return &Server{
		adminKey:     adminKey,
		jobs:         jobs,
		logs:         logs,
		syncer:       syncer,
		sheets:       sheets,
		store:        store,
		batchTimeout: batchTimeout,
		logger:       logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth", s.authenticate)

	mux.Handle("GET /api/configs", s.withKey(s.listConfigs))
	mux.Handle("POST /api/configs", s.withKey(s.createConfig))
	mux.Handle("PUT /api/configs/{id}", s.withKey(s.updateConfig))
	mux.Handle("DELETE /api/configs/{id}", s.withKey(s.deleteConfig))

	mux.Handle("POST /api/sync", s.withKey(s.syncAll))
	mux.Handle("POST /api/sync/{id}", s.withKey(s.syncOne))

	mux.Handle("GET /api/logs/{jobId}", s.withKey(s.readLogs))
	mux.Handle("DELETE /api/logs/{jobId}", s.withKey(s.clearLogs))

	mux.Handle("GET /api/schedule", s.withKey(s.listSchedules))
	mux.Handle("PUT /api/schedule/{id}", s.withKey(s.updateSchedule))

	mux.Handle("POST /api/sheets/validate", s.withKey(s.validateSheet))

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.healthz)

	return mux
}

// withKey gates a handler behind the configured admin key.
func (s *Server) withKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.keyOK(bearerToken(r)) {
			s.jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	})
}

func (s *Server) keyOK(key string) bool {
	if s.adminKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) == 1
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.keyOK(body.Key) {
		s.jsonError(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.jsonOK(w, map[string]interface{}{"success": true})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if _, err := s.store.Get(r.Context(), "healthz"); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Warn("kv store unreachable", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) jsonOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": message})
}

// fail maps a kinded error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch ratatosk.KindOf(err) {
	case ratatosk.KindConfigInvalid:
		code = http.StatusBadRequest
	case ratatosk.KindNotFound:
		code = http.StatusNotFound
	case ratatosk.KindUnauthorized:
		code = http.StatusUnauthorized
	}
	s.jsonError(w, err.Error(), code)
}

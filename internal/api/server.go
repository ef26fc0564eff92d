package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"referral-sync/internal/models"
	"referral-sync/internal/store"
	"referral-sync/internal/telemetry"
)

// Jobs starts and inspects tier jobs.
type Jobs interface {
	StartTierProcessingAsync(ctx context.Context, orgID string, tier models.Tier, action models.Action, params models.ActionParams) (string, error)
	GetJobStatus(ctx context.Context, jobID string) (models.BatchJob, error)
}

// DeadLetters lists jobs that failed on a worker.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles triggers per organization.
type Limiter interface {
	Allow(ctx context.Context, orgID string) (bool, float64, error)
}

// Server wires HTTP handlers for the trigger API.
type Server struct {
	jobs    Jobs
	dlq     DeadLetters
	limiter Limiter
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(jobs Jobs, dlq DeadLetters, limiter Limiter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		jobs:    jobs,
		dlq:     dlq,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/orgs/{orgID}/tiers/{tier}/sync", s.handleTrigger)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type triggerRequest struct {
	Action string `json:"action"`
	Force  bool   `json:"force"`
}

type triggerResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	tier, err := models.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	action, err := models.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), orgID)
		if err != nil {
			s.log.Error("rate limiter unavailable", zap.String("org_id", orgID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobID, err := s.jobs.StartTierProcessingAsync(r.Context(), orgID, tier, action, models.ActionParams{Force: req.Force})
	if err != nil {
		s.log.Error("trigger failed", zap.String("org_id", orgID), zap.String("tier", string(tier)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{JobID: jobID, Status: models.StatusPending})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.GetJobStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error("load job failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ingestion-scheduler/internal/ingest"
	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/telemetry"
)

// Ingestor is the service behind the HTTP handlers.
type Ingestor interface {
	Submit(ctx context.Context, ids []int64, priority models.Priority) (string, error)
	Status(ctx context.Context, jobID string) (ingest.StatusReport, error)
}

// Limiter caps submissions per tenant key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for submission and status.
type Server struct {
	svc     Ingestor
	limiter Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable submission limits.
func New(svc Ingestor, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{svc: svc, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/ingest", s.handleIngest)
	r.Get("/status/{id}", s.handleStatus)
	return r
}

type ingestRequest struct {
	IDs      []int64 `json:"ids"`
	Priority string  `json:"priority"`
}

type ingestResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ids must be a non-empty array of integers and priority must be HIGH, MEDIUM, or LOW")
		return
	}

	if s.limiter != nil {
		key := fmt.Sprintf("rl:%s", tenantFromRequest(r))
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limit check")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.SubmitRejects.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	jobID, err := s.svc.Submit(r.Context(), req.IDs, models.Priority(req.Priority))
	switch {
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Msg("submit job")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{JobID: jobID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.svc.Status(r.Context(), id)
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		s.log.Error().Err(err).Str("job_id", id).Msg("job status")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

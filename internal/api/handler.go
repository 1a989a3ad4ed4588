// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custom_errors "github-ingest/internal/errors"
	"github-ingest/internal/model"
	"github-ingest/internal/pipeline"
	"github-ingest/internal/progress"
	"github-ingest/internal/syncer"
)

// Pipeline is the job pipeline surface exposed over HTTP.
type Pipeline interface {
	Submit(ctx context.Context, jobType string, payload any, opts ...pipeline.SubmitOption) (*model.Job, error)
	Get(id string) (*model.Job, error)
	List(status model.JobStatus) []*model.Job
	DeadLetters() []*model.Job
	RetryDeadLetters(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	Pause()
	Resume()
	Paused() bool
	Stats() map[model.JobStatus]int
}

// RateLimitSource reports the API client's current quota.
type RateLimitSource interface {
	GetRateLimit(ctx context.Context) (model.RateLimitStatus, error)
}

// Deps are the collaborators the router serves.
type Deps struct {
	Pipeline     Pipeline
	RateLimits   RateLimitSource
	Webhook      http.Handler
	Events       *progress.Broadcaster
	SSEKeepAlive time.Duration
	JWTSecret    string
	JobRetention time.Duration
	Logger       *slog.Logger
}

// Handler is the container for API dependencies.
type Handler struct {
	jobs      Pipeline
	rates     RateLimitSource
	retention time.Duration
	logger    *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(d Deps) http.Handler {
	h := &Handler{
		jobs:      d.Pipeline,
		rates:     d.RateLimits,
		retention: d.JobRetention,
		logger:    d.Logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)

	r.Get("/health", h.healthCheck)
	r.Method(http.MethodPost, "/webhooks/github", d.Webhook)

	// Long-lived progress streams; no request timeout.
	r.Get("/events", progress.SSEHandler(d.Events, d.SSEKeepAlive, d.Logger))
	r.Get("/events/ws", progress.WebSocketHandler(d.Events, d.Logger))

	// API Routes
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(RequireJWT(d.JWTSecret, d.Logger))

		r.Post("/sync", h.triggerFullSync)
		r.Post("/sync/incremental", h.triggerIncrementalSync)

		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/dead-letter", h.listDeadLetters)
		r.Post("/jobs/dead-letter/retry", h.retryDeadLetters)
		r.Post("/jobs/cleanup", h.cleanupJobs)
		r.Get("/jobs/{id}", h.getJob)

		r.Get("/pipeline", h.pipelineStatus)
		r.Post("/pipeline/pause", h.pausePipeline)
		r.Post("/pipeline/resume", h.resumePipeline)

		r.Get("/rate-limit", h.getRateLimit)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fullSyncRequest struct {
	syncer.FullSyncPayload
	Priority model.Priority `json:"priority,omitempty"`
}

type incrementalSyncRequest struct {
	syncer.IncrementalSyncPayload
	Priority model.Priority `json:"priority,omitempty"`
}

// triggerFullSync queues a full sync job.
// POST /v1/sync
func (h *Handler) triggerFullSync(w http.ResponseWriter, r *http.Request) {
	var req fullSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.submit(w, r, syncer.JobSyncFull, req.FullSyncPayload, req.Priority)
}

// triggerIncrementalSync queues an incremental sync job.
// POST /v1/sync/incremental
func (h *Handler) triggerIncrementalSync(w http.ResponseWriter, r *http.Request) {
	var req incrementalSyncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.submit(w, r, syncer.JobSyncIncremental, req.IncrementalSyncPayload, req.Priority)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, jobType string, payload any, priority model.Priority) {
	var opts []pipeline.SubmitOption
	if priority != "" {
		opts = append(opts, pipeline.WithPriority(priority))
	}
	job, err := h.jobs.Submit(r.Context(), jobType, payload, opts...)
	switch {
	case custom_errors.IsValidation(err), errors.Is(err, custom_errors.ErrUnknownJobType):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, custom_errors.ErrPipelineStopped):
		respondWithError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
	case err != nil:
		h.logger.Error("Failed to submit job", "type", jobType, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	default:
		h.logger.Info("Job submitted over API", "job_id", job.ID, "type", jobType, "subject", SubjectFromContext(r.Context()))
		respondWithJSON(w, http.StatusAccepted, job)
	}
}

// listJobs returns known jobs, optionally filtered by ?status=.
// GET /v1/jobs
func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	status := model.JobStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.JobQueued, model.JobProcessing, model.JobCompleted, model.JobFailed, model.JobRetrying:
	default:
		respondWithError(w, http.StatusBadRequest, "Invalid 'status' parameter.")
		return
	}
	respondWithJSON(w, http.StatusOK, h.jobs.List(status))
}

// getJob returns one job.
// GET /v1/jobs/{id}
func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, custom_errors.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error("Failed to get job", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, job)
}

// GET /v1/jobs/dead-letter
func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.jobs.DeadLetters())
}

// POST /v1/jobs/dead-letter/retry
func (h *Handler) retryDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.jobs.RetryDeadLetters(r.Context())
	if err != nil {
		if errors.Is(err, custom_errors.ErrPipelineStopped) {
			respondWithError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
			return
		}
		h.logger.Error("Failed to retry dead-letter queue", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"resubmitted": n})
}

// cleanupJobs purges completed jobs older than ?olderThan= (a Go duration),
// defaulting to the configured retention.
// POST /v1/jobs/cleanup
func (h *Handler) cleanupJobs(w http.ResponseWriter, r *http.Request) {
	olderThan := h.retention
	if raw := r.URL.Query().Get("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid 'olderThan' parameter. Must be a non-negative duration such as 24h.")
			return
		}
		olderThan = d
	}
	n, err := h.jobs.Cleanup(r.Context(), olderThan)
	if err != nil {
		h.logger.Error("Failed to clean up jobs", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type pipelineState struct {
	Paused bool                    `json:"paused"`
	Jobs   map[model.JobStatus]int `json:"jobs"`
}

// GET /v1/pipeline
func (h *Handler) pipelineStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, pipelineState{Paused: h.jobs.Paused(), Jobs: h.jobs.Stats()})
}

// POST /v1/pipeline/pause
func (h *Handler) pausePipeline(w http.ResponseWriter, r *http.Request) {
	h.jobs.Pause()
	h.pipelineStatus(w, r)
}

// POST /v1/pipeline/resume
func (h *Handler) resumePipeline(w http.ResponseWriter, r *http.Request) {
	h.jobs.Resume()
	h.pipelineStatus(w, r)
}

// GET /v1/rate-limit
func (h *Handler) getRateLimit(w http.ResponseWriter, r *http.Request) {
	status, err := h.rates.GetRateLimit(r.Context())
	if err != nil {
		if custom_errors.IsAuth(err) {
			respondWithError(w, http.StatusBadGateway, "upstream rejected credentials")
			return
		}
		h.logger.Error("Failed to get rate limit", "error", err)
		respondWithError(w, http.StatusBadGateway, "could not reach upstream")
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// decodeBody decodes an optional JSON body into v. It writes a 400 and
// reports false when the body is malformed.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondWithError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// Package api serves the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/app"
	"github.com/sells-group/lead-dispatch/internal/dispatch"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/sequence"
	"github.com/sells-group/lead-dispatch/internal/store"
)

// Service is the application surface the API exposes. *app.Service
// implements it.
type Service interface {
	EnqueueRun(ctx context.Context, source string, leads []model.Lead) (model.RunResult, error)
	Enroll(ctx context.Context, leadID, sequenceName string) (*model.Enrollment, error)
	Pause(ctx context.Context, leadID, reason string) (*model.Enrollment, error)
	Resume(ctx context.Context, leadID string) (*model.Enrollment, error)
	RunSweepOnce(ctx context.Context) (sequence.SweepResult, error)
	Dispatch(ctx context.Context, jobs []model.SendJob) dispatch.Report
	PendingJobs(ctx context.Context, jobs []model.SendJob) ([]model.SendJob, error)
	GetRun(ctx context.Context, runID string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.PipelineRun, error)
	HandleBounce(ctx context.Context, b app.Bounce) (app.BounceOutcome, error)
	RecordEngagement(ctx context.Context, ev model.EngagementEvent) error
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
}

const defaultMaxBody = 10 << 20

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	h := &handlers{svc: svc, maxBody: opts.MaxBodyBytes}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.createRun)
		r.Get("/", h.listRuns)
		r.Get("/{id}", h.getRun)
	})
	r.Post("/enrollments", h.enroll)
	r.Post("/leads/{id}/pause", h.pause)
	r.Post("/leads/{id}/resume", h.resume)
	r.Post("/sweep", h.sweep)
	r.Post("/dispatch", h.dispatch)
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/bounce", h.bounce)
		r.Post("/engagement", h.engagement)
	})
	return r
}

type handlers struct {
	svc     Service
	maxBody int64
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var ve *resilience.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sequence.ErrAlreadyEnrolled), errors.Is(err, sequence.ErrNoEnrollment):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRunRequest struct {
	Source string       `json:"source"`
	Leads  []model.Lead `json:"leads"`
}

func (h *handlers) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Leads) == 0 {
		respondError(w, http.StatusBadRequest, "leads are required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	res, err := h.svc.EnqueueRun(r.Context(), req.Source, req.Leads)
	if err != nil {
		zap.L().Error("api: run failed", zap.String("run_id", res.RunID), zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, map[string]any{"error": "run failed", "result": res})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status: model.RunStatus(q.Get("status")),
		Source: q.Get("source"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	runs, err := h.svc.ListRuns(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.PipelineRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid")
	}
	return n, nil
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

type enrollRequest struct {
	LeadID   string `json:"lead_id"`
	Sequence string `json:"sequence"`
}

func (h *handlers) enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.LeadID == "" {
		respondError(w, http.StatusBadRequest, "lead_id is required")
		return
	}
	enr, err := h.svc.Enroll(r.Context(), req.LeadID, req.Sequence)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, enr)
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) pause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	enr, err := h.svc.Pause(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, enr)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	enr, err := h.svc.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, enr)
}

func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.RunSweepOnce(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// dispatchRequest carries jobs to send. Jobs already in the send log are
// skipped unless IncludeSent is set.
type dispatchRequest struct {
	Jobs        []model.SendJob `json:"jobs"`
	IncludeSent bool            `json:"include_sent"`
}

type dispatchResponse struct {
	dispatch.Report
	Skipped int `json:"skipped"`
}

func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	jobs := req.Jobs
	if !req.IncludeSent {
		pending, err := h.svc.PendingJobs(r.Context(), jobs)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		jobs = pending
	}
	rep := h.svc.Dispatch(r.Context(), jobs)
	respondJSON(w, http.StatusOK, dispatchResponse{Report: rep, Skipped: len(req.Jobs) - len(jobs)})
}

func (h *handlers) bounce(w http.ResponseWriter, r *http.Request) {
	var req app.Bounce
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.HandleBounce(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *handlers) engagement(w http.ResponseWriter, r *http.Request) {
	var req model.EngagementEvent
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.RecordEngagement(r.Context(), req); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Package api provides HTTP handlers for the promoter API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/api/middleware"
	"github.com/artpar/promoter/internal/shell/approval"
	"github.com/artpar/promoter/internal/shell/store"
	"github.com/artpar/promoter/internal/shell/workers"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// =============================================================================
// Dependencies
// =============================================================================

// Dispatcher starts and aborts deploys. *workers.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(run *domain.PipelineRun) error
	Cancel(runID string) bool
}

// Approver records approvals. *approval.Broker implements it.
type Approver interface {
	Approve(runID string, target domain.Target, approver string) (approval.Record, error)
}

// Readiness reports the health of the dependencies. *workers.Prober
// implements it.
type Readiness interface {
	Results() []workers.ProbeResult
	Ready() bool
}

// Config holds the handler dependencies. Dispatcher, Approver and Readiness
// may be nil.
type Config struct {
	Store      store.Store
	Dispatcher Dispatcher
	Approver   Approver
	Readiness  Readiness
	Token      string
	Logger     *slog.Logger
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	store      store.Store
	dispatcher Dispatcher
	approver   Approver
	readiness  Readiness
	auth       *middleware.AuthMiddleware
	logger     *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "api")
	return &Handler{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		approver:   cfg.Approver,
		readiness:  cfg.Readiness,
		auth:       middleware.NewAuthMiddleware(middleware.AuthConfig{Token: cfg.Token, Logger: logger}),
		logger:     logger,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.auth.Handler)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.handleCreateRun)
			r.Get("/", h.handleListRuns)
			r.Get("/{id}", h.handleGetRun)
			r.Post("/{id}/build", h.handleRecordBuild)
			r.Post("/{id}/test", h.handleRecordTest)
			r.Post("/{id}/approve", h.handleApprove)
			r.Post("/{id}/cancel", h.handleCancel)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := chimw.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok"}
	ready := true

	if h.readiness != nil {
		for _, res := range h.readiness.Results() {
			if res.Healthy {
				checks[res.Name] = "ok"
				continue
			}
			checks[res.Name] = "failed: " + res.Error
			ready = false
		}
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Run Handlers
// =============================================================================

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	run, err := domain.NewPipelineRun(req.CommitSHA, req.Branch)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	if err := h.store.CreateRun(r.Context(), run); err != nil {
		h.logger.Error("failed to create run", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create run", "internal_error")
		return
	}

	h.logger.Info("run registered", "run_id", run.ID, "commit", run.CommitSHA, "branch", run.Branch)
	h.writeJSON(w, http.StatusCreated, runToResponse(run))
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, runToResponse(run))
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	q := r.URL.Query()

	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts.Branch = q.Get("branch")
	opts.Status = domain.RunStatus(q.Get("status"))
	opts = opts.Normalize()

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list runs", "internal_error")
		return
	}

	resp := ListRunsResponse{
		Runs:   make([]RunResponse, 0, len(runs)),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range runs {
		resp.Runs = append(resp.Runs, runToResponse(&runs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRecordBuild(w http.ResponseWriter, r *http.Request) {
	var req BuildResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	status, err := domain.ParseStageStatus(req.Status)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if err := run.RecordBuild(req.Image, status); err != nil {
		h.writeStageError(w, err)
		return
	}
	if !h.saveRun(w, r, run) {
		return
	}

	h.logger.Info("build recorded", "run_id", run.ID, "status", status, "image", run.Image.String())
	h.writeJSON(w, http.StatusOK, runToResponse(run))
}

func (h *Handler) handleRecordTest(w http.ResponseWriter, r *http.Request) {
	var req TestResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	status, err := domain.ParseStageStatus(req.Status)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if err := run.RecordTest(status); err != nil {
		h.writeStageError(w, err)
		return
	}
	if !h.saveRun(w, r, run) {
		return
	}

	h.logger.Info("test recorded", "run_id", run.ID, "status", status)

	// The dispatcher owns run from here on.
	resp := runToResponse(run)
	if run.ReadyToDeploy() && h.dispatcher != nil {
		if err := h.dispatcher.Dispatch(run); err != nil {
			// The next dispatcher scan picks the run up.
			h.logger.Info("run queued for dispatch", "run_id", resp.ID, "reason", err)
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	if h.approver == nil {
		h.writeError(w, http.StatusNotImplemented, "approvals are not accepted by this server", "not_supported")
		return
	}

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	target := domain.TargetKubernetes
	if req.Target != "" {
		target = domain.Target(req.Target)
	}
	if !target.IsValid() {
		h.writeError(w, http.StatusBadRequest, "unknown target "+req.Target, "validation_error")
		return
	}
	approver := req.Approver
	if approver == "" {
		approver = middleware.CallerFrom(r.Context()).User
	}

	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if res, err := run.Target(target); err == nil && res.State.IsTerminal() {
		h.writeError(w, http.StatusConflict, "target already finished: "+string(res.State), "target_finished")
		return
	}

	rec, err := h.approver.Approve(run.ID, target, approver)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	h.writeJSON(w, http.StatusAccepted, ApprovalResponse{
		RunID:      rec.RunID,
		Target:     rec.Target,
		Approver:   rec.Approver,
		ApprovedAt: rec.ApprovedAt,
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}
	if h.dispatcher == nil || !h.dispatcher.Cancel(run.ID) {
		h.writeError(w, http.StatusConflict, "run is not deploying", "run_not_active")
		return
	}
	h.writeJSON(w, http.StatusAccepted, CancelResponse{RunID: run.ID, Cancelled: true})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*domain.PipelineRun, bool) {
	id := chi.URLParam(r, "id")

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "run not found", "run_not_found")
			return nil, false
		}
		h.logger.Error("failed to get run", "run_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get run", "internal_error")
		return nil, false
	}
	return run, true
}

func (h *Handler) saveRun(w http.ResponseWriter, r *http.Request, run *domain.PipelineRun) bool {
	if err := h.store.UpdateRun(r.Context(), run); err != nil {
		h.logger.Error("failed to update run", "run_id", run.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to update run", "internal_error")
		return false
	}
	return true
}

func (h *Handler) writeStageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrStageOutOfOrder), errors.Is(err, domain.ErrStageAlreadyFinal):
		h.writeError(w, http.StatusConflict, err.Error(), "stage_conflict")
	default:
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func runToResponse(run *domain.PipelineRun) RunResponse {
	resp := RunResponse{
		ID:            run.ID,
		CommitSHA:     run.CommitSHA,
		Branch:        run.Branch,
		Status:        run.Status(),
		Build:         StageResponse{Status: run.Build.Status, FinishedAt: run.Build.FinishedAt},
		Test:          StageResponse{Status: run.Test.Status, FinishedAt: run.Test.FinishedAt},
		Targets:       make([]TargetResponse, 0, len(domain.AllTargets)),
		DeployStarted: run.Started,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
	if !run.Image.IsZero() {
		resp.Image = run.Image.String()
	}
	for _, t := range domain.AllTargets {
		res, ok := run.Targets[t]
		if !ok {
			continue
		}
		resp.Targets = append(resp.Targets, TargetResponse{
			Target:         res.Target,
			State:          res.State,
			Image:          res.Image,
			EnvironmentURL: res.EnvironmentURL,
			Attempts:       res.Attempts,
			Message:        res.Message,
			ApprovedBy:     res.ApprovedBy,
			StartedAt:      res.StartedAt,
			FinishedAt:     res.FinishedAt,
		})
	}
	return resp
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

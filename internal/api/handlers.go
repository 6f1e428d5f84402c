package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Harvey-AU/crawl-coordinator/internal/auth"
	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

const maxBodyBytes = 4 << 20

// CoordinatorService is the part of the coordinator the HTTP layer drives
type CoordinatorService interface {
	Register(ctx context.Context, reg coordinator.Registration) (*db.Worker, error)
	Heartbeat(ctx context.Context, identifier string, systemInfo json.RawMessage) (*db.Worker, error)
	Release(ctx context.Context, identifier string) (*db.Worker, error)
	PullTask(ctx context.Context, taskType, identifier string) (*coordinator.Task, error)
	MarkProcessing(ctx context.Context, siteID, identifier string) (*db.Site, error)
	Finalize(ctx context.Context, report coordinator.Report) (*coordinator.FinalizeResult, error)
	Intake(ctx context.Context, req coordinator.IntakeRequest) (*coordinator.IntakeResult, error)
	RemoveSite(ctx context.Context, siteID string) error
}

// Inspector serves read-only views and catalog edits. *db.DB satisfies it.
type Inspector interface {
	ListSites(ctx context.Context, filter db.SiteFilter) ([]db.Site, error)
	GetSite(ctx context.Context, id string) (*db.Site, error)
	ListWorkers(ctx context.Context) ([]db.Worker, error)
	ListTaskTypes(ctx context.Context) ([]db.TaskType, error)
	SetTaskTypeActive(ctx context.Context, slug string, active bool) error
	SetTaskTypeCallback(ctx context.Context, slug string, callbackURL *string) error
	CheckHealth(ctx context.Context) db.HealthCheck
}

// ReconcilerTrigger requests an out-of-band reconciler sweep
type ReconcilerTrigger interface {
	Trigger()
}

// Handler holds dependencies for API handlers
type Handler struct {
	Coordinator CoordinatorService
	Store       Inspector
	Reconciler  ReconcilerTrigger
	// Auth validates worker and operator tokens; nil leaves the API open
	Auth auth.AuthClient
}

// NewHandler creates a new API handler with dependencies
func NewHandler(coord CoordinatorService, store Inspector, reconciler ReconcilerTrigger, authClient auth.AuthClient) *Handler {
	return &Handler{
		Coordinator: coord,
		Store:       store,
		Reconciler:  reconciler,
		Auth:        authClient,
	}
}

// protect wraps worker routes in token auth when it is configured
func (h *Handler) protect(fn http.HandlerFunc) http.Handler {
	if h.Auth == nil {
		return fn
	}
	return auth.Middleware(h.Auth)(fn)
}

// operator wraps operator routes in token auth plus the operator role check
func (h *Handler) operator(fn http.HandlerFunc) http.Handler {
	if h.Auth == nil {
		return fn
	}
	return auth.Middleware(h.Auth)(auth.RequireOperator(fn))
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Worker protocol
	mux.Handle("/v1/workers/register", h.protect(h.RegisterWorker))
	mux.Handle("/v1/workers/heartbeat", h.protect(h.WorkerHeartbeat))
	mux.Handle("/v1/workers/release", h.protect(h.ReleaseWorker))
	mux.Handle("/v1/workers/tasks/{task_type}", h.protect(h.PullTask))
	mux.Handle("/v1/workers/task-started", h.protect(h.TaskStarted))
	mux.Handle("/v1/workers/task-update", h.protect(h.TaskUpdate))

	// Fixed-type pull aliases kept for older workers
	mux.Handle("/v1/worker/get-crawl-task", h.protect(h.pullAlias(db.TaskTypeCrawl)))
	mux.Handle("/v1/worker/get-existence-check-task", h.protect(h.pullAlias(db.TaskTypeCheckExistence)))

	// Operator endpoints
	mux.Handle("/v1/sites", h.operator(h.SitesHandler))
	mux.Handle("/v1/sites/{id}", h.operator(h.SiteHandler))
	mux.Handle("/v1/workers", h.operator(h.ListWorkers))
	mux.Handle("/v1/task-types", h.operator(h.ListTaskTypes))
	mux.Handle("/v1/task-types/{slug}", h.operator(h.UpdateTaskType))
	mux.Handle("/v1/reconciler/run", h.operator(h.RunReconciler))
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "crawl-coordinator", Version)
}

// DatabaseHealthCheck reports connectivity, schema presence and queue depth
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	// Guard against nil DB to prevent panic
	if h.Store == nil {
		WriteUnhealthy(w, r, "postgresql", fmt.Errorf("database connection not configured"))
		return
	}

	health := h.Store.CheckHealth(r.Context())
	if !health.Healthy() {
		reason := health.Error
		if reason == "" && len(health.MissingTables) > 0 {
			reason = fmt.Sprintf("missing tables: %v", health.MissingTables)
		}
		WriteUnhealthy(w, r, "postgresql", errors.New(reason))
		return
	}

	WriteJSON(w, r, DatabaseHealthResponse{
		Status:        "healthy",
		Service:       "postgresql",
		LatencyMS:     health.Latency.Milliseconds(),
		QueueDepth:    health.QueueDepth,
		OnlineWorkers: health.OnlineWorkers,
	}, http.StatusOK)
}

// RunReconciler asks the reconciler for an immediate sweep
func (h *Handler) RunReconciler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}
	if h.Reconciler == nil {
		ServiceUnavailable(w, r, "Reconciler is not running")
		return
	}

	h.Reconciler.Trigger()
	logger := loggerWithRequest(r)
	logger.Info().Msg("Reconciler sweep requested")
	WriteAccepted(w, r, nil, "Reconciler sweep scheduled")
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields and
// trailing data. It writes the 400 itself and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			WriteErrorMessage(w, r, "Request body too large", http.StatusRequestEntityTooLarge, ErrCodeBadRequest)
		case errors.Is(err, io.EOF):
			BadRequest(w, r, "Request body is required")
		default:
			BadRequest(w, r, "Invalid JSON request body: "+err.Error())
		}
		return false
	}
	if decoder.More() {
		BadRequest(w, r, "Request body must contain a single JSON object")
		return false
	}
	return true
}

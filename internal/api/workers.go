package api

import (
	"encoding/json"
	"net/http"

	"github.com/Harvey-AU/crawl-coordinator/internal/auth"
	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
)

// RegisterWorkerRequest is the body of POST /v1/workers/register
type RegisterWorkerRequest struct {
	WorkerIdentifier string                     `json:"worker_identifier"`
	Name             string                     `json:"name,omitempty"`
	TransportInfo    *coordinator.TransportInfo `json:"transport_info,omitempty"`
	SystemInfo       json.RawMessage            `json:"system_info,omitempty"`
}

// HeartbeatRequest is the body of POST /v1/workers/heartbeat
type HeartbeatRequest struct {
	WorkerIdentifier string          `json:"worker_identifier"`
	SystemInfo       json.RawMessage `json:"system_info,omitempty"`
}

// WorkerRequest carries just the caller's identity
type WorkerRequest struct {
	WorkerIdentifier string `json:"worker_identifier"`
}

// TaskStartedRequest is the body of POST /v1/workers/task-started
type TaskStartedRequest struct {
	WorkerIdentifier string `json:"worker_identifier"`
	SiteID           string `json:"site_id"`
}

// TaskUpdateRequest is the body of POST /v1/workers/task-update. Crawl
// workers send crawl_outcome and existence checkers send existence_result;
// outcome is accepted for either.
type TaskUpdateRequest struct {
	WorkerIdentifier string          `json:"worker_identifier"`
	SiteID           string          `json:"site_id"`
	TaskType         string          `json:"task_type"`
	CrawlOutcome     string          `json:"crawl_outcome,omitempty"`
	ExistenceResult  string          `json:"existence_result,omitempty"`
	Outcome          string          `json:"outcome,omitempty"`
	Message          string          `json:"message,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// resolveOutcome picks the single outcome the worker reported
func (req *TaskUpdateRequest) resolveOutcome() (string, error) {
	var outcome string
	for _, candidate := range []string{req.Outcome, req.CrawlOutcome, req.ExistenceResult} {
		if candidate == "" {
			continue
		}
		if outcome != "" && outcome != candidate {
			return "", coordinator.NewValidationError("outcome", "conflicting outcome fields")
		}
		outcome = candidate
	}
	return outcome, nil
}

// UpdateResult reports whether a worker call changed anything
type UpdateResult struct {
	Applied bool      `json:"applied"`
	Site    *SiteView `json:"site,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// authorised checks the body's worker identifier against the bearer token
func authorised(w http.ResponseWriter, r *http.Request, identifier string) bool {
	if err := auth.AuthorizeWorker(r.Context(), identifier); err != nil {
		Forbidden(w, r, "Token does not belong to worker "+identifier)
		return false
	}
	return true
}

// RegisterWorker handles POST /v1/workers/register
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req RegisterWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !authorised(w, r, req.WorkerIdentifier) {
		return
	}

	worker, err := h.Coordinator.Register(r.Context(), coordinator.Registration{
		Identifier: req.WorkerIdentifier,
		Name:       req.Name,
		Transport:  req.TransportInfo,
		SystemInfo: req.SystemInfo,
	})
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	WriteSuccess(w, r, workerView(worker), "Worker registered")
}

// WorkerHeartbeat handles POST /v1/workers/heartbeat
func (h *Handler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !authorised(w, r, req.WorkerIdentifier) {
		return
	}

	worker, err := h.Coordinator.Heartbeat(r.Context(), req.WorkerIdentifier, req.SystemInfo)
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	WriteSuccess(w, r, workerView(worker), "")
}

// ReleaseWorker handles POST /v1/workers/release. In-flight Sites go back to
// the queue and the worker is left idle.
func (h *Handler) ReleaseWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req WorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !authorised(w, r, req.WorkerIdentifier) {
		return
	}

	worker, err := h.Coordinator.Release(r.Context(), req.WorkerIdentifier)
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	WriteSuccess(w, r, workerView(worker), "Worker released")
}

// PullTask handles POST /v1/workers/tasks/{task_type}. The response data is
// a list holding at most one task.
func (h *Handler) PullTask(w http.ResponseWriter, r *http.Request) {
	h.pull(w, r, r.PathValue("task_type"))
}

func (h *Handler) pullAlias(taskType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.pull(w, r, taskType)
	}
}

func (h *Handler) pull(w http.ResponseWriter, r *http.Request, taskType string) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req WorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !authorised(w, r, req.WorkerIdentifier) {
		return
	}

	task, err := h.Coordinator.PullTask(r.Context(), taskType, req.WorkerIdentifier)
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	tasks := []*coordinator.Task{}
	message := "No task available"
	if task != nil {
		tasks = append(tasks, task)
		message = ""
	}
	WriteSuccess(w, r, tasks, message)
}

// TaskStarted handles POST /v1/workers/task-started
func (h *Handler) TaskStarted(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req TaskStartedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !authorised(w, r, req.WorkerIdentifier) {
		return
	}

	site, err := h.Coordinator.MarkProcessing(r.Context(), req.SiteID, req.WorkerIdentifier)
	if err != nil {
		if isConflict(err) {
			WriteSuccess(w, r, UpdateResult{Reason: err.Error()}, "")
			return
		}
		WriteCoordinatorError(w, r, err)
		return
	}

	view := siteView(site)
	WriteSuccess(w, r, UpdateResult{Applied: true, Site: &view}, "")
}

// TaskUpdate handles POST /v1/workers/task-update. A duplicate or stale
// report answers 200 with applied false.
func (h *Handler) TaskUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w, r)
		return
	}

	var req TaskUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !authorised(w, r, req.WorkerIdentifier) {
		return
	}

	outcome, err := req.resolveOutcome()
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	result, err := h.Coordinator.Finalize(r.Context(), coordinator.Report{
		WorkerIdentifier: req.WorkerIdentifier,
		SiteID:           req.SiteID,
		TaskType:         req.TaskType,
		Outcome:          outcome,
		Message:          req.Message,
		Details:          req.Details,
	})
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	response := UpdateResult{Applied: result.Applied, Reason: result.Reason}
	if result.Site != nil {
		view := siteView(result.Site)
		response.Site = &view
	}
	WriteSuccess(w, r, response, "")
}

// ListWorkers handles GET /v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	workers, err := h.Store.ListWorkers(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	views := make([]WorkerView, 0, len(workers))
	for i := range workers {
		views = append(views, workerView(&workers[i]))
	}
	WriteSuccess(w, r, views, "")
}

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/util"
)

// UpdateTaskTypeRequest is the body of PATCH /v1/task-types/{slug}. A JSON
// null callback_url clears the callback; an absent one leaves it alone.
type UpdateTaskTypeRequest struct {
	IsActive    *bool           `json:"is_active,omitempty"`
	CallbackURL json.RawMessage `json:"callback_url,omitempty"`
}

// ListTaskTypes handles GET /v1/task-types
func (h *Handler) ListTaskTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	types, err := h.Store.ListTaskTypes(r.Context())
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	views := make([]TaskTypeView, 0, len(types))
	for i := range types {
		views = append(views, taskTypeView(&types[i]))
	}
	WriteSuccess(w, r, views, "")
}

// UpdateTaskType handles PATCH /v1/task-types/{slug}
func (h *Handler) UpdateTaskType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		MethodNotAllowed(w, r)
		return
	}
	slug := r.PathValue("slug")

	var req UpdateTaskTypeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		setCallback bool
		callback    *string
	)
	if len(req.CallbackURL) > 0 {
		setCallback = true
		if !bytes.Equal(bytes.TrimSpace(req.CallbackURL), []byte("null")) {
			var raw string
			if err := json.Unmarshal(req.CallbackURL, &raw); err != nil {
				WriteValidationError(w, r, coordinator.NewValidationError("callback_url", "must be a string or null"))
				return
			}
			normalised, err := util.NormaliseCallbackURL(raw)
			if err != nil {
				WriteValidationError(w, r, coordinator.NewValidationError("callback_url", err.Error()))
				return
			}
			callback = &normalised
		}
	}
	if req.IsActive == nil && !setCallback {
		WriteValidationError(w, r, coordinator.NewValidationError("body", "nothing to update"))
		return
	}

	ctx := r.Context()
	if req.IsActive != nil {
		if err := h.Store.SetTaskTypeActive(ctx, slug, *req.IsActive); err != nil {
			writeTaskTypeError(w, r, err)
			return
		}
	}
	if setCallback {
		if err := h.Store.SetTaskTypeCallback(ctx, slug, callback); err != nil {
			writeTaskTypeError(w, r, err)
			return
		}
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Str("task_type", slug).
		Interface("is_active", req.IsActive).
		Bool("callback_changed", setCallback).
		Msg("Task type updated")

	WriteSuccess(w, r, map[string]string{"slug": slug}, "Task type updated")
}

func writeTaskTypeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrNotFound) {
		NotFound(w, r, "Task type not found")
		return
	}
	DatabaseError(w, r, err)
}

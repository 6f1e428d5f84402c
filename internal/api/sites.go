package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Harvey-AU/crawl-coordinator/internal/coordinator"
	"github.com/Harvey-AU/crawl-coordinator/internal/db"
)

// CreateSitesRequest is the body of POST /v1/sites
type CreateSitesRequest struct {
	URLs       []string        `json:"urls"`
	TaskType   string          `json:"task_type"`
	Priority   string          `json:"priority,omitempty"`
	MaxDepth   *int            `json:"max_depth,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// SitesHandler routes /v1/sites by method
func (h *Handler) SitesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createSites(w, r)
	case http.MethodGet:
		h.listSites(w, r)
	default:
		MethodNotAllowed(w, r)
	}
}

// SiteHandler routes /v1/sites/{id} by method
func (h *Handler) SiteHandler(w http.ResponseWriter, r *http.Request) {
	siteID := r.PathValue("id")
	if siteID == "" {
		BadRequest(w, r, "Site ID is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getSite(w, r, siteID)
	case http.MethodDelete:
		h.deleteSite(w, r, siteID)
	default:
		MethodNotAllowed(w, r)
	}
}

// createSites queues a batch of URLs. Per-URL problems are reported in the
// result rather than failing the request.
func (h *Handler) createSites(w http.ResponseWriter, r *http.Request) {
	var req CreateSitesRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.Coordinator.Intake(r.Context(), coordinator.IntakeRequest{
		URLs:       req.URLs,
		TaskType:   req.TaskType,
		Priority:   req.Priority,
		MaxDepth:   req.MaxDepth,
		Parameters: req.Parameters,
	})
	if err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().
		Str("task_type", req.TaskType).
		Int("urls", len(req.URLs)).
		Int("assigned", result.Assigned).
		Int("queued", result.Queued).
		Msg("Sites submitted")

	WriteAccepted(w, r, result, "Sites accepted")
}

func (h *Handler) listSites(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := db.SiteFilter{TaskType: query.Get("task_type")}
	v := &coordinator.ValidationError{}

	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := db.SiteStatus(strings.TrimSpace(part))
			if !status.Valid() {
				v.Add("status", "unknown site status "+string(status))
				continue
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > db.MaxSiteListLimit {
			v.Add("limit", fmt.Sprintf("must be between 1 and %d", db.MaxSiteListLimit))
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			v.Add("offset", "must be zero or more")
		}
		filter.Offset = offset
	}
	if v.HasErrors() {
		WriteValidationError(w, r, v)
		return
	}

	sites, err := h.Store.ListSites(r.Context(), filter)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	views := make([]SiteView, 0, len(sites))
	for i := range sites {
		views = append(views, siteView(&sites[i]))
	}
	WritePage(w, r, views, effectiveLimit(filter.Limit), filter.Offset, len(views))
}

func (h *Handler) getSite(w http.ResponseWriter, r *http.Request, siteID string) {
	site, err := h.Store.GetSite(r.Context(), siteID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			NotFound(w, r, "Site not found")
			return
		}
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, siteView(site), "")
}

func (h *Handler) deleteSite(w http.ResponseWriter, r *http.Request, siteID string) {
	if err := h.Coordinator.RemoveSite(r.Context(), siteID); err != nil {
		WriteCoordinatorError(w, r, err)
		return
	}

	logger := loggerWithRequest(r)
	logger.Info().Str("site_id", siteID).Msg("Site deleted")
	WriteNoContent(w, r)
}

// effectiveLimit mirrors the store's default page size
func effectiveLimit(limit int) int {
	if limit <= 0 {
		return db.DefaultSiteListLimit
	}
	return limit
}

package api

import (
	"encoding/json"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
)

// SiteView is the JSON shape of a Site
type SiteView struct {
	ID                   string          `json:"id"`
	URL                  string          `json:"url"`
	Status               db.SiteStatus   `json:"status"`
	Priority             db.Priority     `json:"priority"`
	TaskType             string          `json:"task_type"`
	AssignedWorkerID     *string         `json:"assigned_worker_id"`
	MaxDepth             *int            `json:"max_depth,omitempty"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	ExistenceStatus      *string         `json:"existence_status,omitempty"`
	LastExistenceCheckAt *time.Time      `json:"last_existence_check_at,omitempty"`
	DispatchID           *string         `json:"dispatch_id,omitempty"`
	LastSubmittedAt      *time.Time      `json:"last_submitted_at,omitempty"`
	LastResponse         *string         `json:"last_response,omitempty"`
	LastActivityAt       *time.Time      `json:"last_activity_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func siteView(s *db.Site) SiteView {
	return SiteView{
		ID:                   s.ID,
		URL:                  s.URL,
		Status:               s.Status,
		Priority:             s.Priority,
		TaskType:             s.TaskType,
		AssignedWorkerID:     s.AssignedWorkerID,
		MaxDepth:             s.MaxDepth,
		Parameters:           s.Parameters,
		ExistenceStatus:      s.ExistenceStatus,
		LastExistenceCheckAt: s.LastExistenceCheckAt,
		DispatchID:           s.DispatchID,
		LastSubmittedAt:      s.LastSubmittedAt,
		LastResponse:         s.LastResponse,
		LastActivityAt:       s.LastActivityAt,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

// WorkerView is the JSON shape of a crawler worker
type WorkerView struct {
	ID              string          `json:"id"`
	Identifier      string          `json:"worker_identifier"`
	Name            string          `json:"name"`
	Status          db.WorkerStatus `json:"status"`
	CurrentSiteID   *string         `json:"current_site_id"`
	Endpoint        string          `json:"endpoint,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	SystemInfo      json.RawMessage `json:"system_info,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func workerView(w *db.Worker) WorkerView {
	return WorkerView{
		ID:              w.ID,
		Identifier:      w.Identifier,
		Name:            w.Name,
		Status:          w.Status,
		CurrentSiteID:   w.CurrentSiteID,
		Endpoint:        w.Endpoint(),
		LastHeartbeatAt: w.LastHeartbeatAt,
		SystemInfo:      w.SystemInfo,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
}

// TaskTypeView is the JSON shape of a task type
type TaskTypeView struct {
	Slug           string          `json:"slug"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	IsActive       bool            `json:"is_active"`
	IsTerminal     bool            `json:"is_terminal"`
	CallbackURL    *string         `json:"callback_url,omitempty"`
	RequiredFields json.RawMessage `json:"required_fields,omitempty"`
}

func taskTypeView(tt *db.TaskType) TaskTypeView {
	return TaskTypeView{
		Slug:           tt.Slug,
		Name:           tt.Name,
		Description:    tt.Description,
		IsActive:       tt.IsActive,
		IsTerminal:     tt.IsTerminal,
		CallbackURL:    tt.CallbackURL,
		RequiredFields: tt.RequiredFields,
	}
}

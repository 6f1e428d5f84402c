package notifications

import (
	"encoding/json"
	"time"
)

// Completion is the payload handed to delivery channels when a Site's task finishes
type Completion struct {
	SiteID           string          `json:"site_id"`
	URL              string          `json:"url"`
	TaskType         string          `json:"task_type"`
	Status           string          `json:"status"`
	Outcome          string          `json:"outcome"`
	Message          string          `json:"message,omitempty"`
	Details          json.RawMessage `json:"details,omitempty"`
	ExistenceStatus  string          `json:"existence_status,omitempty"`
	WorkerIdentifier string          `json:"worker_identifier"`
	FinishedAt       time.Time       `json:"finished_at"`

	// CallbackURL overrides the callback channel's default endpoint
	CallbackURL string `json:"-"`
}

// Succeeded reports whether the outcome is a positive one
func (c *Completion) Succeeded() bool {
	switch c.Outcome {
	case "completed_successfully", "exists":
		return true
	}
	return false
}

// EventType distinguishes Site and worker change events
type EventType string

const (
	EventSiteChanged   EventType = "site.changed"
	EventWorkerChanged EventType = "worker.changed"
)

// ChangeEvent is published once per committed status transition
type ChangeEvent struct {
	Type           EventType `json:"type"`
	SiteID         string    `json:"site_id,omitempty"`
	WorkerID       string    `json:"worker_id,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	At             time.Time `json:"at"`
}

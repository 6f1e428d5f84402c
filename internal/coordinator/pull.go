package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Task is what a worker receives for a submitted Site
type Task struct {
	ID          string          `json:"id"`
	URL         string          `json:"url"`
	Priority    db.Priority     `json:"priority"`
	TaskType    string          `json:"task_type"`
	MaxDepth    *int            `json:"max_depth,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	DispatchID  string          `json:"dispatch_id"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

func (c *Coordinator) taskFor(site *db.Site) *Task {
	t := &Task{
		ID:         site.ID,
		URL:        site.URL,
		Priority:   site.Priority,
		TaskType:   site.TaskType,
		MaxDepth:   site.MaxDepth,
		Parameters: site.Parameters,
		DispatchID: derefString(site.DispatchID),
	}
	if c.cfg.PublicBaseURL != "" {
		t.CallbackURL = strings.TrimRight(c.cfg.PublicBaseURL, "/") + "/v1/workers/task-update"
	}
	return t
}

// PullTask hands the worker its next Site of the given type: first its own
// backlog, then the shared queue. Returns nil when nothing is available,
// including for offline workers and workers with a task already in flight.
func (c *Coordinator) PullTask(ctx context.Context, taskType, identifier string) (*Task, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.pull_task",
		attribute.String("task_type", taskType),
		attribute.String("worker_identifier", identifier),
	)
	defer span.End()

	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	tt, err := c.taskType(ctx, taskType, "task_type")
	if err != nil {
		return nil, err
	}
	if !tt.IsActive {
		observability.RecordPull(ctx, taskType, "inactive")
		return nil, nil
	}

	var (
		buf    eventBuffer
		site   *db.Site
		result string
	)

	err = c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()
		site = nil
		result = "empty"

		w, err := lockWorker(ctx, tx, identifier)
		if err != nil {
			return err
		}
		if w.Status == db.WorkerOffline {
			result = "offline"
			return nil
		}

		opts := db.SelectOptions{TaskType: tt.Slug, WorkerID: w.ID}

		if w.CurrentSiteID != nil {
			current, err := db.GetSiteForUpdate(ctx, tx, *w.CurrentSiteID)
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return err
			}

			if current == nil || !current.BoundTo(w.ID) {
				reportViolation(ctx, &InvariantViolation{
					WorkerID: w.ID,
					SiteID:   *w.CurrentSiteID,
					Detail:   "current site is not bound to the worker",
				})
				if err := releaseTx(ctx, tx, w, &buf); err != nil {
					return err
				}
			} else {
				if current.Status != db.SitePendingSubmission || current.TaskType != tt.Slug {
					result = "busy"
					return nil
				}
				opts.OnlySiteID = current.ID
			}
		}

		site, err = db.SelectEligible(ctx, tx, opts)
		if err != nil {
			return err
		}
		if site == nil {
			return nil
		}
		buf.site(site)

		if !w.Holds(site.ID) {
			previous := w.Status
			w.Occupy(site.ID)
			if err := db.UpdateWorkerState(ctx, tx, w); err != nil {
				return err
			}
			buf.worker(w, previous)
		}

		result = "claimed"
		return nil
	})
	if err != nil {
		observability.RecordPull(ctx, taskType, "error")
		return nil, err
	}

	observability.RecordPull(ctx, taskType, result)
	c.publish(ctx, &buf)

	if site == nil {
		return nil, nil
	}

	log.Info().
		Str("site_id", site.ID).
		Str("worker_identifier", identifier).
		Str("task_type", site.TaskType).
		Str("dispatch_id", derefString(site.DispatchID)).
		Msg("Task pulled by worker")

	return c.taskFor(site), nil
}

// MarkProcessing records that the worker has started its submitted Site.
// Anything other than a submitted Site bound to the worker is a Conflict.
func (c *Coordinator) MarkProcessing(ctx context.Context, siteID, identifier string) (*db.Site, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	if siteID == "" {
		return nil, NewValidationError("site_id", "is required")
	}

	var (
		buf  eventBuffer
		site *db.Site
	)

	err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()

		w, err := lockWorker(ctx, tx, identifier)
		if err != nil {
			return err
		}
		site, err = db.GetSiteForUpdate(ctx, tx, siteID)
		if err != nil {
			return notFound(err, "site", siteID)
		}

		if !site.BoundTo(w.ID) || site.Status != db.SiteSubmitted {
			return fmt.Errorf("site %s is %s, not submitted to worker %s: %w", siteID, site.Status, identifier, ErrConflict)
		}

		if err := site.TransitionTo(db.SiteProcessing); err != nil {
			return err
		}
		site.Note("worker started processing", time.Now().UTC())
		if err := db.UpdateSite(ctx, tx, site); err != nil {
			return err
		}
		buf.site(site)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &buf)
	return site, nil
}

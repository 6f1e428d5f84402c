package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Report is a worker's completion report for one Site
type Report struct {
	WorkerIdentifier string
	SiteID           string
	TaskType         string
	Outcome          string
	Message          string
	Details          json.RawMessage
}

// FinalizeResult tells the caller whether the report changed anything
type FinalizeResult struct {
	Applied bool
	Site    *db.Site
	// Reason explains a report that was not applied
	Reason string
}

func (r *Report) validate() error {
	v := &ValidationError{}
	if !identifierPattern.MatchString(r.WorkerIdentifier) {
		v.Add("worker_identifier", identifierRule)
	}
	if r.SiteID == "" {
		v.Add("site_id", "is required")
	}
	if r.TaskType == "" {
		v.Add("task_type", "is required")
	}
	if r.Outcome == "" {
		v.Add("outcome", "is required")
	}
	if len(r.Details) > 0 && !json.Valid(r.Details) {
		v.Add("details", "must be valid JSON")
	}
	return v.OrNil()
}

// Finalize applies a completion report. The Site moves to its outcome status
// and is unbound, and the worker is released if the Site is its current one.
// Duplicate or stale reports are not errors: they return Applied false and
// change nothing.
func (c *Coordinator) Finalize(ctx context.Context, report Report) (*FinalizeResult, error) {
	ctx, span := observability.StartSpan(ctx, "coordinator.finalize",
		attribute.String("site_id", report.SiteID),
		attribute.String("worker_identifier", report.WorkerIdentifier),
	)
	defer span.End()

	if err := report.validate(); err != nil {
		return nil, err
	}
	tt, err := c.taskType(ctx, report.TaskType, "task_type")
	if err != nil {
		return nil, err
	}
	next, ok := outcomeStatus(tt, report.Outcome)
	if !ok {
		return nil, NewValidationError("outcome", "must be one of "+allowedOutcomes(tt))
	}

	var (
		buf       eventBuffer
		result    *FinalizeResult
		worker    *db.Worker
		violation *InvariantViolation
	)

	err = c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()
		violation = nil

		w, err := lockWorker(ctx, tx, report.WorkerIdentifier)
		if err != nil {
			return err
		}
		worker = w

		site, err := db.GetSiteForUpdate(ctx, tx, report.SiteID)
		if err != nil {
			return notFound(err, "site", report.SiteID)
		}
		if site.TaskType != tt.Slug {
			return NewValidationError("task_type", fmt.Sprintf("site %s has task type %s", site.ID, site.TaskType))
		}

		inFlight := site.Status == db.SiteSubmitted || site.Status == db.SiteProcessing
		bound := inFlight && site.BoundTo(w.ID)
		holds := w.Holds(site.ID)

		switch {
		case !bound && !holds:
			return fmt.Errorf("site %s is %s and not held by worker %s: %w",
				site.ID, site.Status, report.WorkerIdentifier, ErrConflict)

		case holds && !bound:
			violation = &InvariantViolation{
				WorkerID: w.ID,
				SiteID:   site.ID,
				Detail:   fmt.Sprintf("worker holds site but site is %s", site.Status),
			}
			if site.Status.Terminal() {
				// Already finalized; only the worker side needs repair
				if err := releaseTx(ctx, tx, w, &buf); err != nil {
					return err
				}
				result = &FinalizeResult{Site: site, Reason: "site already finalized, worker released"}
				return nil
			}
			if !inFlight {
				if err := site.TransitionTo(db.SiteSubmitted); err != nil {
					return err
				}
				buf.site(site)
			}
			site.Bind(w.ID)

		case bound && !holds:
			log.Warn().
				Str("site_id", site.ID).
				Str("worker_id", w.ID).
				Msg("Report for a site that is not the worker's current site, worker left as is")
		}

		now := time.Now().UTC()
		if err := site.TransitionTo(next); err != nil {
			return err
		}
		site.Unbind()
		if !tt.IsTerminal {
			existence := report.Outcome
			site.ExistenceStatus = &existence
			site.LastExistenceCheckAt = &now
		}
		message := report.Message
		if message == "" {
			message = tt.Slug + " outcome: " + report.Outcome
		}
		site.Note(message, now)
		if err := db.UpdateSite(ctx, tx, site); err != nil {
			return err
		}
		buf.site(site)

		if holds {
			if err := releaseTx(ctx, tx, w, &buf); err != nil {
				return err
			}
		}

		result = &FinalizeResult{Applied: true, Site: site}
		return nil
	})

	if violation != nil && err == nil {
		reportViolation(ctx, violation)
	}

	if isConflict(err) {
		observability.RecordFinalize(ctx, "noop")
		log.Info().
			Err(err).
			Str("site_id", report.SiteID).
			Str("worker_identifier", report.WorkerIdentifier).
			Msg("Ignoring duplicate or stale task report")
		return &FinalizeResult{Reason: err.Error()}, nil
	}
	if err != nil {
		observability.RecordFinalize(ctx, "error")
		return nil, err
	}

	c.publish(ctx, &buf)

	if !result.Applied {
		observability.RecordFinalize(ctx, "repaired")
		return result, nil
	}
	observability.RecordFinalize(ctx, "applied")

	c.notifyCompletion(result.Site, tt, worker, report)

	log.Info().
		Str("site_id", result.Site.ID).
		Str("worker_identifier", report.WorkerIdentifier).
		Str("task_type", tt.Slug).
		Str("outcome", report.Outcome).
		Str("status", string(result.Site.Status)).
		Msg("Task finalized")

	return result, nil
}

func (c *Coordinator) notifyCompletion(site *db.Site, tt *db.TaskType, w *db.Worker, report Report) {
	if c.notifier == nil {
		return
	}

	completion := notifications.Completion{
		SiteID:           site.ID,
		URL:              site.URL,
		TaskType:         tt.Slug,
		Status:           string(site.Status),
		Outcome:          report.Outcome,
		Message:          report.Message,
		Details:          report.Details,
		ExistenceStatus:  derefString(site.ExistenceStatus),
		WorkerIdentifier: w.Identifier,
		FinishedAt:       time.Now().UTC(),
		CallbackURL:      derefString(tt.CallbackURL),
	}

	if !c.notifier.Enqueue(completion) {
		log.Debug().
			Str("site_id", site.ID).
			Msg("Completion notification not queued")
	}
}

package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IntakeOutcome describes what happened to one submitted URL
type IntakeOutcome string

const (
	IntakeCreated       IntakeOutcome = "created"
	IntakeRequeued      IntakeOutcome = "requeued"
	IntakeSkippedActive IntakeOutcome = "skipped_active"
	IntakeInvalid       IntakeOutcome = "invalid"
	IntakeDuplicate     IntakeOutcome = "duplicate"
)

// IntakeRequest submits URLs for one task type
type IntakeRequest struct {
	URLs       []string
	TaskType   string
	Priority   string
	MaxDepth   *int
	Parameters json.RawMessage
}

// IntakeItem is the per-URL result of an intake
type IntakeItem struct {
	URL      string        `json:"url"`
	SiteURL  string        `json:"site_url,omitempty"`
	Outcome  IntakeOutcome `json:"outcome"`
	SiteID   string        `json:"site_id,omitempty"`
	Status   db.SiteStatus `json:"status,omitempty"`
	WorkerID string        `json:"worker_id,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// IntakeResult lists per-URL outcomes in request order
type IntakeResult struct {
	Items    []IntakeItem `json:"items"`
	Assigned int          `json:"assigned"`
	Queued   int          `json:"queued"`
}

func (r *IntakeRequest) validate(maxURLs int) (db.Priority, error) {
	v := &ValidationError{}

	if len(r.URLs) == 0 {
		v.Add("urls", "at least one url is required")
	} else if len(r.URLs) > maxURLs {
		v.Add("urls", fmt.Sprintf("at most %d urls per request", maxURLs))
	}

	priority, ok := db.ParsePriority(r.Priority)
	if !ok {
		v.Add("priority", "must be one of urgent, normal, low")
	}

	if r.MaxDepth != nil && *r.MaxDepth < 0 {
		v.Add("max_depth", "must not be negative")
	}

	if len(r.Parameters) > 0 && string(r.Parameters) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(r.Parameters, &obj); err != nil {
			v.Add("parameters", "must be a JSON object")
		}
	}

	return priority, v.OrNil()
}

// Intake creates Sites for new URLs, re-queues finished ones and assigns the
// batch to free workers in the same transaction. A Site still queued without a
// worker takes the new task type, priority and parameters. Invalid and duplicate URLs are
// reported per item and do not fail the request.
func (c *Coordinator) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	priority, err := req.validate(c.cfg.MaxIntakeURLs)
	if err != nil {
		return nil, err
	}
	tt, err := c.activeTaskType(ctx, req.TaskType, "task_type")
	if err != nil {
		return nil, err
	}

	var maxDepth *int
	if req.MaxDepth != nil && tt.Slug == db.TaskTypeCrawl {
		depth := *req.MaxDepth
		maxDepth = &depth
	}
	params := req.Parameters
	if string(params) == "null" {
		params = nil
	}

	items := make([]IntakeItem, len(req.URLs))
	index := make(map[string]int, len(req.URLs))
	for i, raw := range req.URLs {
		items[i].URL = raw
		siteURL := util.NormaliseSiteURL(raw)
		if err := util.ValidateSiteURL(siteURL); err != nil {
			items[i].Outcome = IntakeInvalid
			items[i].Error = err.Error()
			continue
		}
		items[i].SiteURL = siteURL
		if _, dup := index[siteURL]; dup {
			items[i].Outcome = IntakeDuplicate
			continue
		}
		index[siteURL] = i
	}

	// Existing rows are locked in URL order so overlapping intakes cannot deadlock
	urls := make([]string, 0, len(index))
	for u := range index {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	var (
		buf         eventBuffer
		assignments []Assignment
	)

	run := func(tx *sql.Tx) error {
		buf.reset()
		assignments = nil
		now := time.Now().UTC()

		var batch []*db.Site
		for _, u := range urls {
			item := &items[index[u]]

			site, err := db.GetSiteByURLForUpdate(ctx, tx, u)
			switch {
			case errors.Is(err, db.ErrNotFound):
				site = &db.Site{
					ID:         uuid.NewString(),
					URL:        u,
					Status:     db.SiteNew,
					Priority:   priority,
					TaskType:   tt.Slug,
					MaxDepth:   maxDepth,
					Parameters: params,
				}
				site.Note("created", now)
				if err := db.InsertSite(ctx, tx, site); err != nil {
					return err
				}
				item.Outcome = IntakeCreated
			case err != nil:
				return err
			case site.Status.Terminal():
				if err := site.TransitionTo(db.SitePendingAssignment); err != nil {
					return err
				}
				site.Unbind()
				site.Priority = priority
				site.TaskType = tt.Slug
				site.MaxDepth = maxDepth
				if len(params) > 0 {
					site.Parameters = params
				}
				site.Note("requeued by intake", now)
				if err := db.UpdateSite(ctx, tx, site); err != nil {
					return err
				}
				buf.site(site)
				item.Outcome = IntakeRequeued
			case site.Status == db.SitePendingAssignment && site.AssignedWorkerID == nil:
				// Queued and unbound, so the new request replaces the old one in place
				site.Priority = priority
				site.TaskType = tt.Slug
				site.MaxDepth = maxDepth
				if len(params) > 0 {
					site.Parameters = params
				}
				site.Note("retargeted by intake", now)
				if err := db.UpdateSite(ctx, tx, site); err != nil {
					return err
				}
				item.Outcome = IntakeRequeued
			default:
				item.Outcome = IntakeSkippedActive
				item.SiteID = site.ID
				item.Status = site.Status
				item.WorkerID = derefString(site.AssignedWorkerID)
				continue
			}

			item.SiteID = site.ID
			batch = append(batch, site)
		}

		if len(batch) == 0 {
			return nil
		}

		workers, err := db.LockFreeWorkers(ctx, tx, len(batch))
		if err != nil {
			return err
		}
		assignments, err = c.assignTx(ctx, tx, batch, workers, &buf)
		return err
	}

	// A concurrent intake can insert the same URL first; the retry then finds the row
	err = c.store.ExecuteWithRetry(ctx, run)
	if err != nil && db.IsUniqueViolation(err) {
		err = c.store.ExecuteWithRetry(ctx, run)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to intake sites: %w", err)
	}

	c.publish(ctx, &buf)

	result := &IntakeResult{Items: items}
	bySite := make(map[string]Assignment, len(assignments))
	for _, a := range assignments {
		bySite[a.SiteID] = a
		if a.Queued {
			result.Queued++
		} else {
			result.Assigned++
		}
	}
	for i := range result.Items {
		item := &result.Items[i]
		if a, ok := bySite[item.SiteID]; ok && item.Outcome != IntakeSkippedActive {
			item.Status = a.Status
			item.WorkerID = a.WorkerID
		}
	}

	c.afterAssign(ctx, assignments)

	log.Info().
		Str("task_type", tt.Slug).
		Int("urls", len(req.URLs)).
		Int("assigned", result.Assigned).
		Int("queued", result.Queued).
		Msg("Sites received")

	return result, nil
}

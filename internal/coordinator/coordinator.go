// Package coordinator matches queued Sites to crawler workers and keeps the
// Site/worker binding consistent across assignment, pull, completion and
// worker loss.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
)

// Store runs coordinator transactions. *db.DbQueue satisfies it.
type Store interface {
	ExecuteWithRetry(ctx context.Context, fn func(*sql.Tx) error) error
	DB() *sql.DB
}

// TaskTypeCatalog resolves task type slugs. *db.DB satisfies it.
type TaskTypeCatalog interface {
	GetTaskType(ctx context.Context, slug string) (*db.TaskType, error)
}

// DispatchMode selects how assigned Sites reach workers
type DispatchMode string

const (
	// DispatchPull leaves assigned Sites for the worker to pull
	DispatchPull DispatchMode = "pull"
	// DispatchPush POSTs each assignment to the worker's endpoint after commit
	DispatchPush DispatchMode = "push"
)

// Config holds coordinator behaviour settings
type Config struct {
	DispatchMode DispatchMode
	// HeartbeatTimeout after which an online worker is reaped; 0 disables reaping
	HeartbeatTimeout time.Duration
	// PublicBaseURL is advertised to workers as the task-update callback base
	PublicBaseURL string
	// SweepBatchSize bounds the Sites assigned per reconciler transaction
	SweepBatchSize int
	// MaxIntakeURLs bounds a single intake request
	MaxIntakeURLs int
}

// DefaultConfig returns pull mode with a five minute heartbeat timeout
func DefaultConfig() Config {
	return Config{
		DispatchMode:     DispatchPull,
		HeartbeatTimeout: 5 * time.Minute,
		SweepBatchSize:   100,
		MaxIntakeURLs:    1000,
	}
}

// Coordinator owns every write that establishes or breaks a Site/worker binding
type Coordinator struct {
	store      Store
	catalog    TaskTypeCatalog
	events     EventPublisher
	notifier   CompletionNotifier
	dispatcher *Dispatcher
	cfg        Config
}

// Option customises a Coordinator
type Option func(*Coordinator)

// WithEvents sets the change event publisher
func WithEvents(p EventPublisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithNotifier sets the completion notifier
func WithNotifier(n CompletionNotifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithDispatcher sets the push dispatcher used in push mode
func WithDispatcher(d *Dispatcher) Option {
	return func(c *Coordinator) { c.dispatcher = d }
}

// New creates a coordinator
func New(store Store, catalog TaskTypeCatalog, cfg Config, opts ...Option) *Coordinator {
	if store == nil {
		panic("coordinator store is required")
	}
	if catalog == nil {
		panic("task type catalog is required")
	}

	defaults := DefaultConfig()
	if cfg.DispatchMode == "" {
		cfg.DispatchMode = defaults.DispatchMode
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}
	if cfg.MaxIntakeURLs <= 0 {
		cfg.MaxIntakeURLs = defaults.MaxIntakeURLs
	}

	c := &Coordinator{
		store:   store,
		catalog: catalog,
		events:  notifications.LogBroadcaster{},
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.DispatchMode == DispatchPush && c.dispatcher == nil {
		c.dispatcher = NewDispatcher(DispatcherConfig{})
	}
	return c
}

// Config returns the effective settings
func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) pushMode() bool {
	return c.cfg.DispatchMode == DispatchPush
}

// Assignment is the result of trying to place one Site with a worker
type Assignment struct {
	SiteID   string
	WorkerID string
	Status   db.SiteStatus
	// Queued is true when no free worker was available
	Queued bool
	// Backlog is true when the worker already had a current Site
	Backlog bool

	endpoint string
}

// AssignOrQueue binds a new or queued Site to the longest-idle free worker, or
// queues it when every worker is busy. A Site in any other state is a Conflict.
// The Site's own task type decides eligibility; a Site whose type is inactive
// is queued. Intake assigns inside its own transaction through the same path,
// so this and AssignBatch are the entry points for operators and tools that
// hold Site IDs rather than URLs.
func (c *Coordinator) AssignOrQueue(ctx context.Context, siteID string) (*Assignment, error) {
	assignments, err := c.AssignBatch(ctx, []string{siteID})
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, fmt.Errorf("site %s is not awaiting assignment: %w", siteID, ErrConflict)
	}
	return &assignments[0], nil
}

// AssignBatch assigns several Sites in one transaction: urgent before normal
// before low, round-robin across the free workers. Sites that are not new or
// pending_assignment are left alone and omitted from the result. Sites of an
// inactive or unknown task type are queued rather than bound, since no worker
// could pull them.
func (c *Coordinator) AssignBatch(ctx context.Context, siteIDs []string) ([]Assignment, error) {
	ids := append([]string(nil), siteIDs...)
	sort.Strings(ids)

	var (
		buf         eventBuffer
		assignments []Assignment
	)

	err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()
		assignments = nil

		var sites []*db.Site
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true

			site, err := db.GetSiteForUpdate(ctx, tx, id)
			if err != nil {
				return notFound(err, "site", id)
			}
			if site.Status != db.SiteNew && site.Status != db.SitePendingAssignment {
				continue
			}
			if site.AssignedWorkerID != nil {
				continue
			}
			sites = append(sites, site)
		}
		if len(sites) == 0 {
			return nil
		}

		ready, held, err := c.splitByActiveType(ctx, sites)
		if err != nil {
			return err
		}

		if len(ready) > 0 {
			workers, err := db.LockFreeWorkers(ctx, tx, len(ready))
			if err != nil {
				return err
			}
			assignments, err = c.assignTx(ctx, tx, ready, workers, &buf)
			if err != nil {
				return err
			}
		}
		if len(held) > 0 {
			queued, err := c.assignTx(ctx, tx, held, nil, &buf)
			if err != nil {
				return err
			}
			assignments = append(assignments, queued...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &buf)
	c.afterAssign(ctx, assignments)
	return assignments, nil
}

// splitByActiveType separates Sites a worker could pull from those whose task
// type is inactive or no longer in the catalog
func (c *Coordinator) splitByActiveType(ctx context.Context, sites []*db.Site) (ready, held []*db.Site, err error) {
	active := make(map[string]bool)
	for _, site := range sites {
		ok, seen := active[site.TaskType]
		if !seen {
			tt, err := c.catalog.GetTaskType(ctx, site.TaskType)
			switch {
			case errors.Is(err, db.ErrNotFound):
			case err != nil:
				return nil, nil, fmt.Errorf("failed to load task type %s: %w", site.TaskType, err)
			default:
				ok = tt.IsActive
			}
			active[site.TaskType] = ok
		}
		if ok {
			ready = append(ready, site)
		} else {
			held = append(held, site)
		}
	}
	return ready, held, nil
}

// AssignPending runs one reconciler pass: queued Sites in priority order go to
// free workers one each, stopping when either runs out. Returns the number of
// Sites assigned.
func (c *Coordinator) AssignPending(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var (
			buf         eventBuffer
			assignments []Assignment
			drained     bool
		)

		err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
			buf.reset()
			assignments = nil
			drained = false

			workers, err := db.LockFreeWorkers(ctx, tx, c.cfg.SweepBatchSize)
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				drained = true
				return nil
			}

			pending, err := db.LockPendingSites(ctx, tx, len(workers))
			if err != nil {
				return err
			}
			if len(pending) < len(workers) {
				drained = true
			}
			if len(pending) == 0 {
				return nil
			}

			sites := make([]*db.Site, len(pending))
			for i := range pending {
				sites[i] = &pending[i]
			}
			assignments, err = c.assignTx(ctx, tx, sites, workers, &buf)
			return err
		})
		if err != nil {
			return total, err
		}

		c.publish(ctx, &buf)
		c.afterAssign(ctx, assignments)
		for _, a := range assignments {
			if !a.Queued {
				total++
			}
		}

		if drained || len(assignments) == 0 {
			return total, nil
		}
	}
}

// assignTx binds sites to workers inside tx. Sites are ordered by priority
// then age and handed out round-robin. In push mode each worker receives at
// most one Site and the rest are queued.
func (c *Coordinator) assignTx(ctx context.Context, tx *sql.Tx, sites []*db.Site, workers []db.Worker, buf *eventBuffer) ([]Assignment, error) {
	sort.SliceStable(sites, func(i, j int) bool {
		ri, rj := db.PriorityRank(sites[i].Priority), db.PriorityRank(sites[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return sites[i].CreatedAt.Before(sites[j].CreatedAt)
	})

	now := time.Now().UTC()
	assignments := make([]Assignment, 0, len(sites))

	for i, site := range sites {
		if len(workers) == 0 || (c.pushMode() && i >= len(workers)) {
			if site.Status != db.SitePendingAssignment {
				if err := site.TransitionTo(db.SitePendingAssignment); err != nil {
					return nil, err
				}
				site.Unbind()
				site.Note("no free worker, queued", now)
				if err := db.UpdateSite(ctx, tx, site); err != nil {
					return nil, err
				}
				buf.site(site)
			}
			assignments = append(assignments, Assignment{SiteID: site.ID, Status: site.Status, Queued: true})
			observability.RecordAssignment(ctx, "queued")
			continue
		}

		w := &workers[i%len(workers)]
		backlog := w.CurrentSiteID != nil

		if err := site.TransitionTo(db.SitePendingSubmission); err != nil {
			return nil, err
		}
		site.Bind(w.ID)
		site.Note("assigned to worker "+w.Identifier, now)
		if err := db.UpdateSite(ctx, tx, site); err != nil {
			return nil, err
		}
		buf.site(site)

		if !backlog {
			previous := w.Status
			w.Occupy(site.ID)
			if err := db.UpdateWorkerState(ctx, tx, w); err != nil {
				return nil, err
			}
			buf.worker(w, previous)
		}

		assignments = append(assignments, Assignment{
			SiteID:   site.ID,
			WorkerID: w.ID,
			Status:   site.Status,
			Backlog:  backlog,
			endpoint: w.Endpoint(),
		})
		observability.RecordAssignment(ctx, "assigned")

		log.Debug().
			Str("site_id", site.ID).
			Str("worker_id", w.ID).
			Str("worker_identifier", w.Identifier).
			Bool("backlog", backlog).
			Msg("Assigned site to worker")
	}

	return assignments, nil
}

// afterAssign pushes fresh assignments to workers in push mode
func (c *Coordinator) afterAssign(ctx context.Context, assignments []Assignment) {
	if !c.pushMode() || c.dispatcher == nil {
		return
	}
	c.dispatchAll(ctx, assignments)
}

// releaseTx frees a worker inside tx. It is a no-op for an already idle worker.
func releaseTx(ctx context.Context, tx *sql.Tx, w *db.Worker, buf *eventBuffer) error {
	if w.Status == db.WorkerOnlineIdle && w.CurrentSiteID == nil {
		return nil
	}
	previous := w.Status
	w.Release()
	if err := db.UpdateWorkerState(ctx, tx, w); err != nil {
		return err
	}
	buf.worker(w, previous)
	return nil
}

// lockWorker takes the worker advisory lock then the row lock, resolving the
// worker by identifier
func lockWorker(ctx context.Context, tx *sql.Tx, identifier string) (*db.Worker, error) {
	w, err := db.GetWorkerByIdentifier(ctx, tx, identifier)
	if err != nil {
		return nil, notFound(err, "worker", identifier)
	}
	if err := db.LockWorker(ctx, tx, w.ID); err != nil {
		return nil, err
	}
	w, err = db.GetWorkerForUpdate(ctx, tx, w.ID)
	if err != nil {
		return nil, notFound(err, "worker", identifier)
	}
	return w, nil
}

// reportViolation logs a binding disagreement loudly and sends it to Sentry
func reportViolation(ctx context.Context, v *InvariantViolation) {
	log.Error().
		Err(v).
		Str("worker_id", v.WorkerID).
		Str("site_id", v.SiteID).
		Msg("Site and worker disagree about their binding, trusting the worker")

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(v)
		return
	}
	sentry.CaptureException(v)
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

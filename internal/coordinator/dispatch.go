package coordinator

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig bounds push delivery to workers
type DispatcherConfig struct {
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	Concurrency    int
	Client         *http.Client
}

// Dispatcher POSTs assigned tasks to worker endpoints
type Dispatcher struct {
	client         *http.Client
	maxAttempts    int
	initialBackoff time.Duration
	concurrency    int
}

// NewDispatcher creates a push dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: observability.WrapTransport(nil),
		}
	}
	return &Dispatcher{
		client:         client,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		concurrency:    cfg.Concurrency,
	}
}

// Send delivers a task to the worker's /tasks endpoint. Any 2xx response is an
// acknowledgement; 4xx responses other than 408 and 429 are not retried.
func (d *Dispatcher) Send(ctx context.Context, endpoint string, task *Task) error {
	if endpoint == "" {
		return &TransportError{Endpoint: "(none)", Err: fmt.Errorf("worker has no transport info")}
	}
	target := strings.TrimRight(endpoint, "/") + "/tasks"

	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	backoff := d.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		retry, err := d.post(ctx, target, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == d.maxAttempts {
			break
		}

		log.Debug().
			Err(err).
			Str("endpoint", target).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Task dispatch failed, retrying")

		select {
		case <-ctx.Done():
			return &TransportError{Endpoint: target, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return &TransportError{Endpoint: target, Err: lastErr}
}

func (d *Dispatcher) post(ctx context.Context, target string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 ||
		resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("worker responded %d", resp.StatusCode)
}

// dispatchAll pushes each fresh current-Site assignment to its worker.
// Backlog Sites wait for the worker to pull them.
func (c *Coordinator) dispatchAll(ctx context.Context, assignments []Assignment) {
	var g errgroup.Group
	g.SetLimit(c.dispatcher.concurrency)

	for _, a := range assignments {
		if a.Queued || a.Backlog {
			continue
		}
		g.Go(func() error {
			if err := c.dispatchOne(ctx, a); err != nil {
				log.Error().
					Err(err).
					Str("site_id", a.SiteID).
					Str("worker_id", a.WorkerID).
					Msg("Failed to record dispatch result")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// dispatchOne sends one assignment and records the acknowledgement or the
// transport failure. The Site is only touched if it is still the worker's
// pending_submission Site.
func (c *Coordinator) dispatchOne(ctx context.Context, a Assignment) error {
	site, err := db.GetSite(ctx, c.store.DB(), a.SiteID)
	if err != nil {
		return notFound(err, "site", a.SiteID)
	}

	dispatchID := uuid.NewString()
	site.DispatchID = &dispatchID
	sendErr := c.dispatcher.Send(ctx, a.endpoint, c.taskFor(site))

	var buf eventBuffer
	err = c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()

		w, err := db.GetWorker(ctx, tx, a.WorkerID)
		if err != nil {
			return notFound(err, "worker", a.WorkerID)
		}
		if err := db.LockWorker(ctx, tx, w.ID); err != nil {
			return err
		}
		if w, err = db.GetWorkerForUpdate(ctx, tx, a.WorkerID); err != nil {
			return notFound(err, "worker", a.WorkerID)
		}
		current, err := db.GetSiteForUpdate(ctx, tx, a.SiteID)
		if err != nil {
			return notFound(err, "site", a.SiteID)
		}
		if current.Status != db.SitePendingSubmission || !current.BoundTo(w.ID) {
			return fmt.Errorf("site %s moved on before dispatch result: %w", a.SiteID, ErrConflict)
		}

		now := time.Now().UTC()
		if sendErr == nil {
			if err := current.TransitionTo(db.SiteSubmitted); err != nil {
				return err
			}
			current.DispatchID = &dispatchID
			current.LastSubmittedAt = &now
			current.Note("dispatched to worker", now)
		} else {
			if err := current.TransitionTo(db.SiteFailedSubmission); err != nil {
				return err
			}
			current.Unbind()
			current.Note(sendErr.Error(), now)
		}
		if err := db.UpdateSite(ctx, tx, current); err != nil {
			return err
		}
		buf.site(current)

		if sendErr != nil && w.Holds(current.ID) {
			return releaseTx(ctx, tx, w, &buf)
		}
		return nil
	})
	if isConflict(err) {
		log.Debug().Err(err).Str("site_id", a.SiteID).Msg("Dispatch result discarded")
		return nil
	}
	if err != nil {
		return err
	}

	c.publish(ctx, &buf)

	if sendErr != nil {
		observability.RecordAssignment(ctx, "dispatch_failed")
		log.Warn().
			Err(sendErr).
			Str("site_id", a.SiteID).
			Str("worker_id", a.WorkerID).
			Msg("Task dispatch failed, site marked failed_submission")
	} else {
		observability.RecordAssignment(ctx, "dispatched")
	}
	return nil
}

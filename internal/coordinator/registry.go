package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,255}$`)

var validProtocols = map[string]bool{"http": true, "https": true, "ws": true, "wss": true}

// TransportInfo is how the coordinator reaches a worker in push mode
type TransportInfo struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// Registration is the body of a worker registration
type Registration struct {
	Identifier string
	Name       string
	Transport  *TransportInfo
	SystemInfo json.RawMessage
}

const identifierRule = "must be 1-255 characters of letters, digits, '.', '_', ':' or '-'"

// ValidateIdentifier checks a worker identifier
func ValidateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) {
		return NewValidationError("worker_identifier", identifierRule)
	}
	return nil
}

func validateSystemInfo(v *ValidationError, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		v.Add("system_info", "must be a JSON object")
	}
}

func (r *Registration) validate() error {
	v := &ValidationError{}
	if !identifierPattern.MatchString(r.Identifier) {
		v.Add("worker_identifier", identifierRule)
	}
	if len(r.Name) > 255 {
		v.Add("name", "must be at most 255 characters")
	}
	if t := r.Transport; t != nil {
		if t.Protocol != "" && !validProtocols[strings.ToLower(t.Protocol)] {
			v.Add("transport_info.protocol", "must be one of http, https, ws, wss")
		}
		if t.Port != 0 && (t.Port < 1 || t.Port > 65535) {
			v.Add("transport_info.port", "must be between 1 and 65535")
		}
		if len(t.Host) > 255 {
			v.Add("transport_info.host", "must be at most 255 characters")
		}
	}
	validateSystemInfo(v, r.SystemInfo)
	return v.OrNil()
}

// Register upserts a worker by identifier and marks it online_idle. A worker
// that re-registers has lost any in-memory task, so Sites still bound to it
// go back to the queue.
func (c *Coordinator) Register(ctx context.Context, reg Registration) (*db.Worker, error) {
	if err := reg.validate(); err != nil {
		return nil, err
	}

	candidate := &db.Worker{
		Identifier: reg.Identifier,
		Name:       strings.TrimSpace(reg.Name),
		SystemInfo: reg.SystemInfo,
	}
	if candidate.Name == "" {
		candidate.Name = reg.Identifier
	}
	if string(candidate.SystemInfo) == "null" {
		candidate.SystemInfo = nil
	}
	if t := reg.Transport; t != nil {
		if t.Host != "" {
			host := t.Host
			candidate.Host = &host
		}
		if t.Port != 0 {
			port := t.Port
			candidate.Port = &port
		}
		candidate.Protocol = strings.ToLower(t.Protocol)
	}

	var (
		buf   eventBuffer
		saved *db.Worker
	)

	err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()
		candidate.ID = uuid.NewString()
		previous := db.WorkerOffline

		existing, err := lockWorker(ctx, tx, reg.Identifier)
		var nf *NotFoundError
		switch {
		case errors.As(err, &nf):
		case err != nil:
			return err
		default:
			candidate.ID = existing.ID
			previous = existing.Status
			if _, err := requeueWorkerSites(ctx, tx, existing.ID, "worker re-registered", &buf); err != nil {
				return err
			}
		}

		saved, err = db.UpsertWorker(ctx, tx, candidate)
		if err != nil {
			return err
		}
		buf.worker(saved, previous)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &buf)

	log.Info().
		Str("worker_id", saved.ID).
		Str("worker_identifier", saved.Identifier).
		Str("endpoint", saved.Endpoint()).
		Msg("Worker registered")

	return saved, nil
}

// Heartbeat refreshes liveness and merges system info. An offline worker
// comes back online_idle.
func (c *Coordinator) Heartbeat(ctx context.Context, identifier string, systemInfo json.RawMessage) (*db.Worker, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	v := &ValidationError{}
	validateSystemInfo(v, systemInfo)
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	if string(systemInfo) == "null" {
		systemInfo = nil
	}

	var buf eventBuffer
	w, previous, err := db.TouchHeartbeat(ctx, c.store.DB(), identifier, systemInfo)
	if err != nil {
		return nil, notFound(err, "worker", identifier)
	}
	buf.worker(w, previous)
	c.publish(ctx, &buf)

	if previous == db.WorkerOffline {
		log.Info().
			Str("worker_id", w.ID).
			Str("worker_identifier", identifier).
			Msg("Worker back online")
	}
	return w, nil
}

// Release frees a worker and returns any Sites still bound to it to the
// queue. Releasing an idle worker is a no-op.
func (c *Coordinator) Release(ctx context.Context, identifier string) (*db.Worker, error) {
	var (
		buf eventBuffer
		w   *db.Worker
	)

	err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()

		var err error
		w, err = lockWorker(ctx, tx, identifier)
		if err != nil {
			return err
		}
		if _, err := requeueWorkerSites(ctx, tx, w.ID, "worker released", &buf); err != nil {
			return err
		}
		if w.Status == db.WorkerOffline {
			return nil
		}
		return releaseTx(ctx, tx, w, &buf)
	})
	if err != nil {
		return nil, err
	}

	c.publish(ctx, &buf)
	return w, nil
}

// ReapStaleWorkers marks workers whose heartbeat is older than the configured
// timeout offline and requeues their Sites. Returns the number of workers reaped.
func (c *Coordinator) ReapStaleWorkers(ctx context.Context) (int, error) {
	if c.cfg.HeartbeatTimeout <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-c.cfg.HeartbeatTimeout)

	var (
		buf    eventBuffer
		reaped []db.Worker
	)

	err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()
		reaped = nil

		stale, err := db.LockStaleWorkers(ctx, tx, cutoff)
		if err != nil {
			return err
		}

		for i := range stale {
			w := &stale[i]
			locked, err := db.TryLockWorker(ctx, tx, w.ID)
			if err != nil {
				return err
			}
			if !locked {
				continue
			}

			if _, err := requeueWorkerSites(ctx, tx, w.ID, "worker missed heartbeats, requeued", &buf); err != nil {
				return err
			}
			previous := w.Status
			if err := db.MarkWorkerOffline(ctx, tx, w); err != nil {
				return err
			}
			buf.worker(w, previous)
			reaped = append(reaped, *w)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	c.publish(ctx, &buf)

	for _, w := range reaped {
		log.Warn().
			Str("worker_id", w.ID).
			Str("worker_identifier", w.Identifier).
			Time("cutoff", cutoff).
			Msg("Reaped worker with stale heartbeat")
	}
	return len(reaped), nil
}

// requeueWorkerSites returns every in-flight or backlog Site bound to the
// worker to pending_assignment. The caller must hold the worker lock.
func requeueWorkerSites(ctx context.Context, tx *sql.Tx, workerID, reason string, buf *eventBuffer) (int, error) {
	sites, err := db.ListWorkerSitesForUpdate(ctx, tx, workerID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for i := range sites {
		site := &sites[i]
		if err := site.TransitionTo(db.SitePendingAssignment); err != nil {
			return 0, err
		}
		site.Unbind()
		site.Note(reason, now)
		if err := db.UpdateSite(ctx, tx, site); err != nil {
			return 0, err
		}
		buf.site(site)
	}
	return len(sites), nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// WorkerStatus is the liveness state of a crawler worker
type WorkerStatus string

const (
	WorkerOnlineIdle WorkerStatus = "online_idle"
	WorkerOnlineBusy WorkerStatus = "online_busy"
	WorkerOffline    WorkerStatus = "offline"
)

// Worker is a registered crawler process
type Worker struct {
	ID              string
	Identifier      string
	Name            string
	Host            *string
	Port            *int
	Protocol        string
	Status          WorkerStatus
	CurrentSiteID   *string
	LastHeartbeatAt *time.Time
	SystemInfo      json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Holds reports whether the worker's current Site is siteID
func (w *Worker) Holds(siteID string) bool {
	return w.CurrentSiteID != nil && *w.CurrentSiteID == siteID
}

// Occupy marks the worker busy with a Site
func (w *Worker) Occupy(siteID string) {
	id := siteID
	w.CurrentSiteID = &id
	w.Status = WorkerOnlineBusy
}

// Release marks the worker idle with no current Site
func (w *Worker) Release() {
	w.CurrentSiteID = nil
	w.Status = WorkerOnlineIdle
}

// Endpoint returns the push-dispatch base URL, or "" when transport info is incomplete
func (w *Worker) Endpoint() string {
	if w.Host == nil || *w.Host == "" || w.Port == nil {
		return ""
	}
	protocol := w.Protocol
	switch protocol {
	case "ws":
		protocol = "http"
	case "wss":
		protocol = "https"
	case "":
		protocol = "http"
	}
	return protocol + "://" + net.JoinHostPort(*w.Host, strconv.Itoa(*w.Port))
}

const workerColumns = `id, worker_identifier, name, host, port, protocol, status, current_site_id,
	last_heartbeat_at, system_info, created_at, updated_at`

func scanWorker(row rowScanner, extra ...any) (*Worker, error) {
	var w Worker
	var info []byte
	dest := []any{
		&w.ID, &w.Identifier, &w.Name, &w.Host, &w.Port, &w.Protocol, &w.Status, &w.CurrentSiteID,
		&w.LastHeartbeatAt, &info, &w.CreatedAt, &w.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if len(info) > 0 {
		w.SystemInfo = json.RawMessage(info)
	}
	return &w, nil
}

func scanWorkers(rows *sql.Rows) ([]Worker, error) {
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workers: %w", err)
	}
	return workers, nil
}

// UpsertWorker registers a worker by identifier. Any existing row keeps its id and
// is reset to online_idle with no current Site and a fresh heartbeat.
func UpsertWorker(ctx context.Context, q Querier, w *Worker) (*Worker, error) {
	query := `
		INSERT INTO crawler_workers (
			id, worker_identifier, name, host, port, protocol, status, current_site_id,
			last_heartbeat_at, system_info
		)
		VALUES ($1, $2, $3, $4, $5, $6, 'online_idle', NULL, NOW(), $7::jsonb)
		ON CONFLICT (worker_identifier) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			protocol = EXCLUDED.protocol,
			status = 'online_idle',
			current_site_id = NULL,
			last_heartbeat_at = NOW(),
			system_info = EXCLUDED.system_info,
			updated_at = NOW()
		RETURNING ` + workerColumns

	protocol := w.Protocol
	if protocol == "" {
		protocol = "http"
	}

	saved, err := scanWorker(q.QueryRowContext(ctx, query,
		w.ID, w.Identifier, w.Name, w.Host, w.Port, protocol, jsonArg(w.SystemInfo),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert worker: %w", err)
	}
	return saved, nil
}

func getWorker(ctx context.Context, q Querier, where, suffix string, arg any) (*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM crawler_workers WHERE ` + where + suffix

	w, err := scanWorker(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return w, nil
}

// GetWorker loads a worker by internal id
func GetWorker(ctx context.Context, q Querier, id string) (*Worker, error) {
	return getWorker(ctx, q, "id = $1", "", id)
}

// GetWorkerForUpdate loads a worker by internal id and row-locks it
func GetWorkerForUpdate(ctx context.Context, q Querier, id string) (*Worker, error) {
	return getWorker(ctx, q, "id = $1", " FOR UPDATE", id)
}

// GetWorkerByIdentifier loads a worker by its external identifier
func GetWorkerByIdentifier(ctx context.Context, q Querier, identifier string) (*Worker, error) {
	return getWorker(ctx, q, "worker_identifier = $1", "", identifier)
}

// GetWorkerByIdentifierForUpdate loads a worker by its external identifier and row-locks it
func GetWorkerByIdentifierForUpdate(ctx context.Context, q Querier, identifier string) (*Worker, error) {
	return getWorker(ctx, q, "worker_identifier = $1", " FOR UPDATE", identifier)
}

// UpdateWorkerState persists status and current Site
func UpdateWorkerState(ctx context.Context, q Querier, w *Worker) error {
	query := `
		UPDATE crawler_workers
		SET status = $2, current_site_id = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	if err := q.QueryRowContext(ctx, query, w.ID, w.Status, w.CurrentSiteID).Scan(&w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update worker %s: %w", w.ID, err)
	}
	return nil
}

// TouchHeartbeat refreshes liveness, merges system info into the stored object and
// brings an offline worker back to online_idle. It returns the worker and its
// status before the update.
func TouchHeartbeat(ctx context.Context, q Querier, identifier string, systemInfo json.RawMessage) (*Worker, WorkerStatus, error) {
	query := `
		WITH prev AS (
			SELECT id, status
			FROM crawler_workers
			WHERE worker_identifier = $1
			FOR UPDATE
		)
		UPDATE crawler_workers w
		SET last_heartbeat_at = NOW(),
			system_info = CASE
				WHEN jsonb_typeof(w.system_info) = 'object' THEN w.system_info || $2::jsonb
				ELSE $2::jsonb
			END,
			status = CASE WHEN w.status = 'offline' THEN 'online_idle' ELSE w.status END,
			current_site_id = CASE WHEN w.status = 'offline' THEN NULL ELSE w.current_site_id END,
			updated_at = NOW()
		FROM prev
		WHERE w.id = prev.id
		RETURNING w.id, w.worker_identifier, w.name, w.host, w.port, w.protocol, w.status,
			w.current_site_id, w.last_heartbeat_at, w.system_info, w.created_at, w.updated_at,
			prev.status
	`

	var previous WorkerStatus
	w, err := scanWorker(q.QueryRowContext(ctx, query, identifier, jsonArg(systemInfo)), &previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return w, previous, nil
}

// ListWorkers returns every registered worker, oldest first
func ListWorkers(ctx context.Context, q Querier) ([]Worker, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+workerColumns+` FROM crawler_workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return scanWorkers(rows)
}

// LockFreeWorkers row-locks idle workers without a current Site, longest idle
// first. Rows held by other transactions are skipped, as are workers whose
// advisory lock is taken by a concurrent binding. limit caps the result after
// that filtering, so a contended worker does not shrink the batch; limit <= 0
// returns all of them.
func LockFreeWorkers(ctx context.Context, q Querier, limit int) ([]Worker, error) {
	query := `SELECT ` + workerColumns + `
		FROM crawler_workers
		WHERE status = 'online_idle'
		  AND current_site_id IS NULL
		ORDER BY last_heartbeat_at ASC NULLS FIRST, created_at ASC
		FOR UPDATE SKIP LOCKED`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query free workers: %w", err)
	}
	candidates, err := scanWorkers(rows)
	if err != nil {
		return nil, err
	}

	var free []Worker
	for _, w := range candidates {
		if limit > 0 && len(free) >= limit {
			break
		}
		ok, err := TryLockWorker(ctx, q, w.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			free = append(free, w)
		}
	}
	return free, nil
}

// LockStaleWorkers row-locks online workers whose last heartbeat is older than cutoff
func LockStaleWorkers(ctx context.Context, q Querier, cutoff time.Time) ([]Worker, error) {
	query := `SELECT ` + workerColumns + `
		FROM crawler_workers
		WHERE status IN ('online_idle', 'online_busy')
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		ORDER BY last_heartbeat_at ASC NULLS FIRST
		FOR UPDATE SKIP LOCKED`

	rows, err := q.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale workers: %w", err)
	}
	return scanWorkers(rows)
}

// MarkWorkerOffline sets a worker offline and clears its current Site
func MarkWorkerOffline(ctx context.Context, q Querier, w *Worker) error {
	w.Status = WorkerOffline
	w.CurrentSiteID = nil
	return UpdateWorkerState(ctx, q, w)
}

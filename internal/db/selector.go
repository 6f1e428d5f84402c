package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SelectOptions controls which candidates SelectEligible considers
type SelectOptions struct {
	TaskType string
	WorkerID string
	// OnlySiteID restricts the bound pass to a single Site and disables the
	// unbound pass. Used when a busy worker pulls its current assignment.
	OnlySiteID string
}

// SelectNextEligible claims the best Site for a worker: first one already bound
// to it, then an unbound queued one. The claimed Site is submitted and bound to
// the worker. Returns nil, nil when nothing is eligible.
func SelectNextEligible(ctx context.Context, tx Querier, taskType, workerID string) (*Site, error) {
	return SelectEligible(ctx, tx, SelectOptions{TaskType: taskType, WorkerID: workerID})
}

// SelectEligible runs the two selection passes inside the caller's transaction
func SelectEligible(ctx context.Context, tx Querier, opts SelectOptions) (*Site, error) {
	site, err := selectBound(ctx, tx, opts)
	if err != nil {
		return nil, err
	}
	if site == nil && opts.OnlySiteID == "" {
		site, err = selectUnbound(ctx, tx, opts.TaskType)
		if err != nil {
			return nil, err
		}
	}
	if site == nil {
		return nil, nil
	}

	if err := site.TransitionTo(SiteSubmitted); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	dispatchID := uuid.NewString()
	site.Bind(opts.WorkerID)
	site.DispatchID = &dispatchID
	site.LastSubmittedAt = &now
	site.Note("submitted to worker", now)

	if err := UpdateSite(ctx, tx, site); err != nil {
		return nil, err
	}
	return site, nil
}

func selectBound(ctx context.Context, tx Querier, opts SelectOptions) (*Site, error) {
	query := `SELECT ` + siteColumns + `
		FROM sites
		WHERE assigned_worker_id = $1
		  AND status = 'pending_submission'
		  AND task_type = $2`
	args := []any{opts.WorkerID, opts.TaskType}
	if opts.OnlySiteID != "" {
		query += ` AND id = $3`
		args = append(args, opts.OnlySiteID)
	}
	query += `
		ORDER BY ` + priorityRankSQL + `, updated_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	return selectOne(ctx, tx, "bound", query, args...)
}

func selectUnbound(ctx context.Context, tx Querier, taskType string) (*Site, error) {
	query := `SELECT ` + siteColumns + `
		FROM sites
		WHERE assigned_worker_id IS NULL
		  AND status = 'pending_assignment'
		  AND task_type = $1
		ORDER BY ` + priorityRankSQL + `, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	return selectOne(ctx, tx, "unbound", query, taskType)
}

func selectOne(ctx context.Context, tx Querier, pass, query string, args ...any) (*Site, error) {
	site, err := scanSite(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select %s site: %w", pass, err)
	}
	return site, nil
}

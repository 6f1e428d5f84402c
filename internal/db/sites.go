package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Priority orders Sites within the queue
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// PriorityRank returns the sort rank of a priority; lower is served first.
// Unknown values sort last.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// ParsePriority accepts the wire form of a priority. Empty means normal.
func ParsePriority(s string) (Priority, bool) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, true
	case PriorityUrgent, PriorityNormal, PriorityLow:
		return p, true
	default:
		return "", false
	}
}

// priorityRankSQL mirrors PriorityRank for ORDER BY clauses
const priorityRankSQL = `CASE priority WHEN 'urgent' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3 ELSE 4 END`

// Site is a unit of crawlable work
type Site struct {
	ID                   string
	URL                  string
	Status               SiteStatus
	Priority             Priority
	TaskType             string
	AssignedWorkerID     *string
	MaxDepth             *int
	Parameters           json.RawMessage
	ExistenceStatus      *string
	LastExistenceCheckAt *time.Time
	DispatchID           *string
	LastSubmittedAt      *time.Time
	LastResponse         *string
	LastActivityAt       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time

	previousStatus SiteStatus
}

// BoundTo reports whether the Site is assigned to the given worker
func (s *Site) BoundTo(workerID string) bool {
	return s.AssignedWorkerID != nil && *s.AssignedWorkerID == workerID
}

// Bind assigns the Site to a worker
func (s *Site) Bind(workerID string) {
	id := workerID
	s.AssignedWorkerID = &id
}

// Unbind clears the worker assignment and the dispatch id
func (s *Site) Unbind() {
	s.AssignedWorkerID = nil
	s.DispatchID = nil
}

// Note records a diagnostic message on the Site's activity trail
func (s *Site) Note(message string, at time.Time) {
	msg := message
	ts := at
	s.LastResponse = &msg
	s.LastActivityAt = &ts
}

const siteColumns = `id, url, status, priority, task_type, assigned_worker_id, max_depth, parameters,
	existence_status, last_existence_check_at, dispatch_id, last_submitted_at,
	last_response, last_activity_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*Site, error) {
	var s Site
	var params []byte
	err := row.Scan(
		&s.ID, &s.URL, &s.Status, &s.Priority, &s.TaskType, &s.AssignedWorkerID, &s.MaxDepth, &params,
		&s.ExistenceStatus, &s.LastExistenceCheckAt, &s.DispatchID, &s.LastSubmittedAt,
		&s.LastResponse, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		s.Parameters = json.RawMessage(params)
	}
	return &s, nil
}

func scanSites(rows *sql.Rows) ([]Site, error) {
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sites: %w", err)
	}
	return sites, nil
}

func jsonArg(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// InsertSite creates a Site row. CreatedAt and UpdatedAt are filled from the database.
func InsertSite(ctx context.Context, q Querier, s *Site) error {
	query := `
		INSERT INTO sites (
			id, url, status, priority, task_type, assigned_worker_id, max_depth, parameters,
			last_response, last_activity_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		RETURNING created_at, updated_at
	`

	err := q.QueryRowContext(ctx, query,
		s.ID, s.URL, s.Status, s.Priority, s.TaskType, s.AssignedWorkerID, s.MaxDepth, jsonArg(s.Parameters),
		s.LastResponse, s.LastActivityAt,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert site: %w", err)
	}
	return nil
}

func getSite(ctx context.Context, q Querier, where, suffix string, arg any) (*Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE ` + where + suffix

	s, err := scanSite(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return s, nil
}

// GetSite loads a Site by id
func GetSite(ctx context.Context, q Querier, id string) (*Site, error) {
	return getSite(ctx, q, "id = $1", "", id)
}

// GetSiteForUpdate loads a Site by id and row-locks it for the rest of the transaction
func GetSiteForUpdate(ctx context.Context, q Querier, id string) (*Site, error) {
	return getSite(ctx, q, "id = $1", " FOR UPDATE", id)
}

// GetSiteByURLForUpdate loads the Site owning a normalised URL and row-locks it
func GetSiteByURLForUpdate(ctx context.Context, q Querier, url string) (*Site, error) {
	return getSite(ctx, q, "url = $1", " FOR UPDATE", url)
}

// UpdateSite persists the mutable fields of a Site
func UpdateSite(ctx context.Context, q Querier, s *Site) error {
	query := `
		UPDATE sites
		SET status = $2,
			priority = $3,
			task_type = $4,
			assigned_worker_id = $5,
			max_depth = $6,
			parameters = $7::jsonb,
			existence_status = $8,
			last_existence_check_at = $9,
			dispatch_id = $10,
			last_submitted_at = $11,
			last_response = $12,
			last_activity_at = $13,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRowContext(ctx, query,
		s.ID, s.Status, s.Priority, s.TaskType, s.AssignedWorkerID, s.MaxDepth, jsonArg(s.Parameters),
		s.ExistenceStatus, s.LastExistenceCheckAt, s.DispatchID, s.LastSubmittedAt,
		s.LastResponse, s.LastActivityAt,
	).Scan(&s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update site %s: %w", s.ID, err)
	}
	return nil
}

// DeleteSite removes a Site. Worker references are nulled by the foreign key.
func DeleteSite(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM sites WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete site: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm site deletion: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Page bounds for ListSites
const (
	DefaultSiteListLimit = 100
	MaxSiteListLimit     = 500
)

// SiteFilter narrows ListSites
type SiteFilter struct {
	Statuses []SiteStatus
	TaskType string
	Limit    int
	Offset   int
}

// ListSites returns Sites in queue order
func ListSites(ctx context.Context, q Querier, filter SiteFilter) ([]Site, error) {
	var (
		conditions []string
		args       []any
	)

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.TaskType != "" {
		args = append(args, filter.TaskType)
		conditions = append(conditions, fmt.Sprintf("task_type = $%d", len(args)))
	}

	query := `SELECT ` + siteColumns + ` FROM sites`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY ` + priorityRankSQL + `, created_at ASC`

	limit := filter.Limit
	if limit <= 0 || limit > MaxSiteListLimit {
		limit = DefaultSiteListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	return scanSites(rows)
}

// LockPendingSites row-locks unbound queued Sites in reconciler order. Sites of
// inactive task types stay queued. Rows held by concurrent transactions are
// skipped.
func LockPendingSites(ctx context.Context, q Querier, limit int) ([]Site, error) {
	query := `SELECT ` + siteColumns + `
		FROM sites
		WHERE status = 'pending_assignment'
		  AND assigned_worker_id IS NULL
		  AND task_type IN (SELECT slug FROM task_types WHERE is_active)
		ORDER BY ` + priorityRankSQL + `, created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	rows, err := q.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock pending sites: %w", err)
	}
	return scanSites(rows)
}

// ListWorkerSitesForUpdate row-locks every non-terminal Site bound to a worker
func ListWorkerSitesForUpdate(ctx context.Context, q Querier, workerID string) ([]Site, error) {
	query := `SELECT ` + siteColumns + `
		FROM sites
		WHERE assigned_worker_id = $1
		  AND status IN ('pending_submission', 'submitted', 'processing')
		ORDER BY created_at ASC
		FOR UPDATE`

	rows, err := q.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker sites: %w", err)
	}
	return scanSites(rows)
}

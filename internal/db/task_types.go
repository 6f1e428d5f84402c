package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Built-in task type slugs
const (
	TaskTypeCrawl          = "crawl"
	TaskTypeCheckExistence = "check_existence"
	TaskTypeSitemapCrawl   = "sitemap_crawl"
)

const taskTypeCacheTTL = 30 * time.Second

// TaskType is a kind of work a Site can carry
type TaskType struct {
	ID             int
	Slug           string
	Name           string
	Description    string
	IsActive       bool
	IsTerminal     bool
	CallbackURL    *string
	RequiredFields json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DefaultTaskTypes lists the task types seeded at schema bootstrap
func DefaultTaskTypes() []TaskType {
	return []TaskType{
		{
			Slug:           TaskTypeCrawl,
			Name:           "Crawl",
			Description:    "Crawl a site up to max_depth",
			IsActive:       true,
			IsTerminal:     true,
			RequiredFields: json.RawMessage(`{"max_depth":{"type":"integer","required":false}}`),
		},
		{
			Slug:           TaskTypeCheckExistence,
			Name:           "Check existence",
			Description:    "Check whether a site responds",
			IsActive:       true,
			IsTerminal:     false,
			RequiredFields: json.RawMessage(`{}`),
		},
		{
			Slug:           TaskTypeSitemapCrawl,
			Name:           "Sitemap crawl",
			Description:    "Discover and crawl a site's sitemap",
			IsActive:       true,
			IsTerminal:     true,
			RequiredFields: json.RawMessage(`{}`),
		},
	}
}

const taskTypeColumns = `id, slug, name, COALESCE(description, ''), is_active, is_terminal, callback_url,
	required_fields, created_at, updated_at`

func scanTaskType(row rowScanner) (*TaskType, error) {
	var tt TaskType
	var fields []byte
	err := row.Scan(&tt.ID, &tt.Slug, &tt.Name, &tt.Description, &tt.IsActive, &tt.IsTerminal,
		&tt.CallbackURL, &fields, &tt.CreatedAt, &tt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(fields) > 0 {
		tt.RequiredFields = json.RawMessage(fields)
	}
	return &tt, nil
}

// GetTaskType loads a task type by slug, served from the cache for a short TTL
func (db *DB) GetTaskType(ctx context.Context, slug string) (*TaskType, error) {
	cacheKey := "task_type:" + slug
	if cached, ok := db.Cache.Get(cacheKey); ok {
		if tt, ok := cached.(*TaskType); ok {
			return tt, nil
		}
	}

	query := `SELECT ` + taskTypeColumns + ` FROM task_types WHERE slug = $1`
	tt, err := scanTaskType(db.client.QueryRowContext(ctx, query, slug))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task type: %w", err)
	}

	db.Cache.SetWithTTL(cacheKey, tt, taskTypeCacheTTL)
	return tt, nil
}

// ListTaskTypes returns the whole catalog ordered by slug
func (db *DB) ListTaskTypes(ctx context.Context) ([]TaskType, error) {
	rows, err := db.client.QueryContext(ctx, `SELECT `+taskTypeColumns+` FROM task_types ORDER BY slug ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list task types: %w", err)
	}
	defer rows.Close()

	var types []TaskType
	for rows.Next() {
		tt, err := scanTaskType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task type: %w", err)
		}
		types = append(types, *tt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task types: %w", err)
	}
	return types, nil
}

// SetTaskTypeCallback updates the completion callback endpoint of a task type
func (db *DB) SetTaskTypeCallback(ctx context.Context, slug string, callbackURL *string) error {
	result, err := db.client.ExecContext(ctx, `
		UPDATE task_types SET callback_url = $2, updated_at = NOW() WHERE slug = $1
	`, slug, callbackURL)
	if err != nil {
		return fmt.Errorf("failed to update task type callback: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm task type update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	db.Cache.Delete("task_type:" + slug)
	return nil
}

// SetTaskTypeActive enables or disables assignment of a task type
func (db *DB) SetTaskTypeActive(ctx context.Context, slug string, active bool) error {
	result, err := db.client.ExecContext(ctx, `
		UPDATE task_types SET is_active = $2, updated_at = NOW() WHERE slug = $1
	`, slug, active)
	if err != nil {
		return fmt.Errorf("failed to update task type: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm task type update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	db.Cache.Delete("task_type:" + slug)
	return nil
}

package db

import "context"

// Read-only views used by the inspection API. They run on the pool outside
// any transaction and may be stale by the time the caller looks at them.

// ListSites returns Sites matching filter in queue order
func (db *DB) ListSites(ctx context.Context, filter SiteFilter) ([]Site, error) {
	return ListSites(ctx, db.client, filter)
}

// GetSite loads one Site by id
func (db *DB) GetSite(ctx context.Context, id string) (*Site, error) {
	return GetSite(ctx, db.client, id)
}

// ListWorkers returns every registered worker
func (db *DB) ListWorkers(ctx context.Context) ([]Worker, error) {
	return ListWorkers(ctx, db.client)
}

package db

import (
	"context"
	"fmt"
)

// Worker advisory locks are transaction scoped and keyed by the worker id, so
// they release on commit or rollback without bookkeeping.
const workerLockKey = `hashtext('crawler_worker:' || $1)`

// LockWorker blocks until the worker's advisory lock is held by the transaction
func LockWorker(ctx context.Context, q Querier, workerID string) error {
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(`+workerLockKey+`)`, workerID); err != nil {
		return fmt.Errorf("failed to lock worker %s: %w", workerID, err)
	}
	return nil
}

// TryLockWorker takes the worker's advisory lock if it is free
func TryLockWorker(ctx context.Context, q Querier, workerID string) (bool, error) {
	var locked bool
	err := q.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(`+workerLockKey+`)`, workerID).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("failed to try worker lock %s: %w", workerID, err)
	}
	return locked, nil
}

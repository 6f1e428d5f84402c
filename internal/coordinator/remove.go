package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/rs/zerolog/log"
)

// statusDeleted is the change event status for a removed Site
const statusDeleted = "deleted"

// RemoveSite deletes a Site. A worker whose current Site it was is released
// in the same transaction so no worker is left pointing at a missing row. If
// the binding moved between the unlocked read and the row lock, including an
// unbound Site picking up a worker, the removal is a Conflict.
func (c *Coordinator) RemoveSite(ctx context.Context, siteID string) error {
	if siteID == "" {
		return NewValidationError("site_id", "is required")
	}

	var buf eventBuffer
	err := c.store.ExecuteWithRetry(ctx, func(tx *sql.Tx) error {
		buf.reset()

		snapshot, err := db.GetSite(ctx, tx, siteID)
		if err != nil {
			return notFound(err, "site", siteID)
		}

		var worker *db.Worker
		if snapshot.AssignedWorkerID != nil {
			workerID := *snapshot.AssignedWorkerID
			if err := db.LockWorker(ctx, tx, workerID); err != nil {
				return err
			}
			worker, err = db.GetWorkerForUpdate(ctx, tx, workerID)
			if err != nil {
				return notFound(err, "worker", workerID)
			}
		}

		site, err := db.GetSiteForUpdate(ctx, tx, siteID)
		if err != nil {
			return notFound(err, "site", siteID)
		}
		if derefString(site.AssignedWorkerID) != derefString(snapshot.AssignedWorkerID) {
			return fmt.Errorf("site %s changed owner during removal: %w", siteID, ErrConflict)
		}

		if worker != nil && worker.Holds(site.ID) {
			if err := releaseTx(ctx, tx, worker, &buf); err != nil {
				return err
			}
		}

		if err := db.DeleteSite(ctx, tx, site.ID); err != nil {
			return notFound(err, "site", siteID)
		}

		buf.events = append(buf.events, notifications.ChangeEvent{
			Type:           notifications.EventSiteChanged,
			SiteID:         site.ID,
			WorkerID:       derefString(site.AssignedWorkerID),
			Status:         statusDeleted,
			PreviousStatus: string(site.Status),
			At:             time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return err
	}

	c.publish(ctx, &buf)
	log.Info().Str("site_id", siteID).Msg("Site removed")
	return nil
}

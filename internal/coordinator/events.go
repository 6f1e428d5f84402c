package coordinator

import (
	"context"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/db"
	"github.com/Harvey-AU/crawl-coordinator/internal/notifications"
	"github.com/rs/zerolog/log"
)

// EventPublisher receives change events after the transaction that produced them commits
type EventPublisher interface {
	Publish(ctx context.Context, event notifications.ChangeEvent) error
}

// CompletionNotifier hands finished Sites to the outbound notifier. Enqueue must not block.
type CompletionNotifier interface {
	Enqueue(c notifications.Completion) bool
}

// eventBuffer collects change events inside a transaction attempt. It is reset
// at the start of every attempt so retried transactions do not duplicate events.
type eventBuffer struct {
	events []notifications.ChangeEvent
}

func (b *eventBuffer) reset() {
	b.events = b.events[:0]
}

// site records the Site's most recent transition
func (b *eventBuffer) site(s *db.Site) {
	b.events = append(b.events, notifications.ChangeEvent{
		Type:           notifications.EventSiteChanged,
		SiteID:         s.ID,
		WorkerID:       derefString(s.AssignedWorkerID),
		Status:         string(s.Status),
		PreviousStatus: string(s.PreviousStatus()),
		At:             time.Now().UTC(),
	})
}

// worker records a worker status change. Unchanged statuses are not events.
func (b *eventBuffer) worker(w *db.Worker, previous db.WorkerStatus) {
	if w.Status == previous {
		return
	}
	b.events = append(b.events, notifications.ChangeEvent{
		Type:           notifications.EventWorkerChanged,
		SiteID:         derefString(w.CurrentSiteID),
		WorkerID:       w.ID,
		Status:         string(w.Status),
		PreviousStatus: string(previous),
		At:             time.Now().UTC(),
	})
}

func (c *Coordinator) publish(ctx context.Context, b *eventBuffer) {
	for _, event := range b.events {
		if err := c.events.Publish(ctx, event); err != nil {
			log.Warn().
				Err(err).
				Str("event", string(event.Type)).
				Str("site_id", event.SiteID).
				Str("worker_id", event.WorkerID).
				Msg("Failed to publish change event")
		}
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

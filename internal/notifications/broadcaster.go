package notifications

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventsChannel is the Redis pub/sub channel change events are published to
const EventsChannel = "crawl-coordinator:events"

// Broadcaster publishes change events for UI refresh and other listeners.
// Publishing is best effort; errors are returned for logging only.
type Broadcaster interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// RedisBroadcaster publishes JSON change events on a Redis channel
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

// NewRedisBroadcaster creates a broadcaster on EventsChannel
func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, channel: EventsChannel}
}

// Publish sends the event to subscribers
func (b *RedisBroadcaster) Publish(ctx context.Context, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe returns a subscription to change events. Callers must Close it.
func (b *RedisBroadcaster) Subscribe(ctx context.Context) *redis.PubSub {
	return b.client.Subscribe(ctx, b.channel)
}

// LogBroadcaster writes change events to the structured log. Used when no
// Redis is configured.
type LogBroadcaster struct{}

// Publish logs the event at debug level
func (LogBroadcaster) Publish(_ context.Context, event ChangeEvent) error {
	log.Debug().
		Str("event", string(event.Type)).
		Str("site_id", event.SiteID).
		Str("worker_id", event.WorkerID).
		Str("status", event.Status).
		Str("previous_status", event.PreviousStatus).
		Msg("Change event")
	return nil
}

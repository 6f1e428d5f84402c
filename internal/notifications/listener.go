package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// WakeFunc is called for every notification received on a watched channel
type WakeFunc func(channel, payload string)

// Listener forwards PostgreSQL NOTIFY events on the queue channels to a callback
type Listener struct {
	connStr  string
	channels []string
	wake     WakeFunc
}

// NewListener creates a LISTEN connection manager. Returns nil if wake is nil.
func NewListener(connStr string, wake WakeFunc, channels ...string) *Listener {
	if wake == nil {
		log.Error().Msg("Cannot create queue listener: wake callback is nil")
		return nil
	}
	return &Listener{
		connStr:  connStr,
		channels: channels,
		wake:     wake,
	}
}

// Start listens until ctx is cancelled, reconnecting after failures
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Queue listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Queue listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Queue listener event error")
		}
	})
	defer listener.Close()

	for _, channel := range l.channels {
		if err := listener.Listen(channel); err != nil {
			return err
		}
	}

	log.Info().Strs("channels", l.channels).Msg("Queue listener started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case notification := <-listener.Notify:
			if notification == nil {
				// pq re-established the connection; anything sent meanwhile was lost
				l.wake("", "")
				continue
			}

			log.Debug().
				Str("channel", notification.Channel).
				Str("payload", notification.Extra).
				Msg("Received queue notification")

			l.wake(notification.Channel, notification.Extra)

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// CanUseListen reports whether the connection string supports LISTEN/NOTIFY.
// Connection poolers in transaction mode don't.
func CanUseListen(connStr string) bool {
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer typically runs on port 6543
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}

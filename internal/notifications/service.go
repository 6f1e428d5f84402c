package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrSkipped is returned by a channel that has nowhere to send a notification
var ErrSkipped = errors.New("notification skipped")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a delivery error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DeliveryChannel defines the interface for notification delivery
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, c *Completion) error
}

// Config bounds the delivery queue and retry policy
type Config struct {
	QueueSize      int
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RatePerSecond paces deliveries per channel; 0 disables pacing
	RatePerSecond float64
}

// DefaultConfig returns the delivery settings used in production
func DefaultConfig() Config {
	return Config{
		QueueSize:      1000,
		Workers:        4,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		RatePerSecond:  20,
	}
}

// Service delivers completion notifications to every configured channel.
// Enqueue never blocks; a fixed set of goroutines drains the queue.
type Service struct {
	cfg      Config
	channels []DeliveryChannel
	limiters map[string]*rate.Limiter
	queue    chan *Completion
	stopCh   chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewService creates a notification service
func NewService(cfg Config) *Service {
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}

	return &Service{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
		queue:    make(chan *Completion, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// AddChannel adds a delivery channel to the service. Call before Start.
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
	if s.cfg.RatePerSecond > 0 {
		burst := int(s.cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiters[ch.Name()] = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
	}
}

// Channels returns the names of the configured channels
func (s *Service) Channels() []string {
	names := make([]string, 0, len(s.channels))
	for _, ch := range s.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Start launches the delivery goroutines
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		log.Info().
			Int("workers", s.cfg.Workers).
			Strs("channels", s.Channels()).
			Msg("Starting notification service")

		s.wg.Add(s.cfg.Workers)
		for i := 0; i < s.cfg.Workers; i++ {
			go s.worker(ctx)
		}
	})
}

// Stop drains queued notifications and waits for in-flight deliveries,
// giving up when ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Notification service stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification service did not drain: %w", ctx.Err())
	}
}

// Enqueue schedules a notification for delivery. It returns false when the
// queue is full or the service is stopping; the notification is dropped.
func (s *Service) Enqueue(c Completion) bool {
	if len(s.channels) == 0 {
		return false
	}

	select {
	case <-s.stopCh:
		return false
	default:
	}

	select {
	case s.queue <- &c:
		return true
	default:
		log.Warn().
			Str("site_id", c.SiteID).
			Str("task_type", c.TaskType).
			Msg("Notification queue full, dropping completion notification")
		for _, ch := range s.channels {
			observability.RecordDropped(context.Background(), ch.Name())
		}
		return false
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			s.drain(ctx)
			return
		case c := <-s.queue:
			s.Deliver(ctx, c)
		}
	}
}

func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case c := <-s.queue:
			s.Deliver(ctx, c)
		default:
			return
		}
	}
}

// Deliver sends one notification to all channels concurrently. Failures are
// logged and counted, never returned.
func (s *Service) Deliver(ctx context.Context, c *Completion) {
	var g errgroup.Group
	for _, ch := range s.channels {
		g.Go(func() error {
			s.deliverWithRetry(ctx, ch, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) deliverWithRetry(ctx context.Context, ch DeliveryChannel, c *Completion) {
	backoff := s.cfg.InitialBackoff
	limiter := s.limiters[ch.Name()]

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				observability.RecordDelivery(ctx, ch.Name(), "cancelled")
				return
			}
		}

		err := ch.Deliver(ctx, c)
		switch {
		case err == nil:
			observability.RecordDelivery(ctx, ch.Name(), "delivered")
			log.Debug().
				Str("channel", ch.Name()).
				Str("site_id", c.SiteID).
				Int("attempt", attempt).
				Msg("Notification delivered")
			return
		case errors.Is(err, ErrSkipped):
			observability.RecordDelivery(ctx, ch.Name(), "skipped")
			return
		case IsPermanent(err) || attempt == s.cfg.MaxAttempts:
			observability.RecordDelivery(ctx, ch.Name(), "failed")
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("site_id", c.SiteID).
				Int("attempts", attempt).
				Msg("Failed to deliver notification")
			return
		}

		observability.RecordDelivery(ctx, ch.Name(), "retry")
		log.Debug().
			Err(err).
			Str("channel", ch.Name()).
			Str("site_id", c.SiteID).
			Int("attempt", attempt).
			Dur("retry_in", backoff).
			Msg("Notification delivery failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

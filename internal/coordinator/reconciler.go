package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Harvey-AU/crawl-coordinator/internal/locks"
	"github.com/Harvey-AU/crawl-coordinator/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const reconcilerLockKey = "reconciler"

// SweepResult summarises one reconciler run
type SweepResult struct {
	Reaped   int  `json:"reaped"`
	Assigned int  `json:"assigned"`
	Skipped  bool `json:"skipped"`
}

// Reconciler periodically reaps dead workers and hands queued Sites to free
// workers. Runs are serialised within the process by a flag and across
// processes by the locker.
type Reconciler struct {
	coord    *Coordinator
	locker   locks.Locker
	interval time.Duration
	lockTTL  time.Duration

	cron    *cron.Cron
	running atomic.Bool
	wakeCh  chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewReconciler creates a reconciler that sweeps every interval
func NewReconciler(coord *Coordinator, locker locks.Locker, interval time.Duration) *Reconciler {
	if interval < time.Second {
		interval = time.Minute
	}
	lockTTL := 2 * interval
	if lockTTL < 30*time.Second {
		lockTTL = 30 * time.Second
	}

	logger := cronLogger{}
	return &Reconciler{
		coord:    coord,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start schedules the sweep and the wake-up loop
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() {
		r.run(ctx, "schedule")
	}))
	r.cron.Start()

	r.wg.Add(1)
	go r.wakeLoop(ctx)

	log.Info().Dur("interval", r.interval).Msg("Reconciler started")
}

// Stop halts scheduling and waits for an in-progress sweep to finish
func (r *Reconciler) Stop(ctx context.Context) error {
	close(r.stopCh)
	cronCtx := r.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if r.cancel != nil {
			r.cancel()
		}
		log.Info().Msg("Reconciler stopped")
		return nil
	case <-ctx.Done():
		if r.cancel != nil {
			r.cancel()
		}
		return fmt.Errorf("reconciler did not stop in time: %w", ctx.Err())
	}
}

// Trigger requests an early sweep. Requests made while one is pending coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Wake adapts Trigger to a queue listener callback
func (r *Reconciler) Wake(channel, payload string) {
	log.Debug().
		Str("channel", channel).
		Str("payload", payload).
		Msg("Reconciler woken by notification")
	r.Trigger()
}

func (r *Reconciler) wakeLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.wakeCh:
			r.run(ctx, "wake")
		}
	}
}

func (r *Reconciler) run(ctx context.Context, trigger string) {
	result, err := r.RunOnce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Str("trigger", trigger).Msg("Reconciler sweep failed")
		sentry.CaptureException(err)
		return
	}
	if result.Reaped > 0 || result.Assigned > 0 {
		log.Info().
			Str("trigger", trigger).
			Int("reaped", result.Reaped).
			Int("assigned", result.Assigned).
			Msg("Reconciler sweep completed")
	}
}

// RunOnce reaps stale workers then assigns queued Sites until either the
// queue or the free worker pool runs out. A run that overlaps another, here or
// in another process, is skipped.
func (r *Reconciler) RunOnce(ctx context.Context) (*SweepResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return &SweepResult{Skipped: true}, nil
	}
	defer r.running.Store(false)

	lock, err := r.locker.TryAcquire(ctx, reconcilerLockKey, r.lockTTL)
	if errors.Is(err, locks.ErrNotAcquired) {
		log.Debug().Msg("Reconciler lock held elsewhere, skipping sweep")
		return &SweepResult{Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, locks.ErrNotHeld) {
			log.Warn().Err(err).Msg("Failed to release reconciler lock")
		}
	}()

	span := sentry.StartSpan(ctx, "coordinator.reconcile")
	defer span.Finish()
	ctx = span.Context()

	start := time.Now()
	result := &SweepResult{}

	result.Reaped, err = r.coord.ReapStaleWorkers(ctx)
	if err != nil {
		span.SetTag("error", "true")
		observability.RecordSweep(ctx, time.Since(start), "error")
		return nil, fmt.Errorf("failed to reap stale workers: %w", err)
	}

	result.Assigned, err = r.coord.AssignPending(ctx)
	if err != nil {
		span.SetTag("error", "true")
		observability.RecordSweep(ctx, time.Since(start), "error")
		return nil, fmt.Errorf("failed to assign pending sites: %w", err)
	}

	span.SetData("reaped", result.Reaped)
	span.SetData("assigned", result.Assigned)
	observability.RecordSweep(ctx, time.Since(start), "ok")
	return result, nil
}

// cronLogger routes cron's own messages to zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

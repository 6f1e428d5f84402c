package notifications

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name     string
	mu       sync.Mutex
	received []*Completion
	attempts atomic.Int32
	errs     []error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, c *Completion) error {
	n := int(f.attempts.Add(1))
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return f.errs[n-1]
	}
	f.mu.Lock()
	f.received = append(f.received, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func testConfig() Config {
	return Config{
		QueueSize:      4,
		Workers:        1,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestServiceDeliver_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "callback", errs: []error{errors.New("503"), errors.New("503")}}
	svc := NewService(testConfig())
	svc.AddChannel(ch)

	svc.Deliver(context.Background(), &Completion{SiteID: "site-1"})

	assert.Equal(t, int32(3), ch.attempts.Load())
	assert.Equal(t, 1, ch.count())
}

func TestServiceDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	ch := &fakeChannel{name: "callback", errs: []error{boom, boom, boom, boom}}
	svc := NewService(testConfig())
	svc.AddChannel(ch)

	svc.Deliver(context.Background(), &Completion{SiteID: "site-1"})

	assert.Equal(t, int32(3), ch.attempts.Load())
	assert.Zero(t, ch.count())
}

func TestServiceDeliver_PermanentAndSkippedStopImmediately(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "permanent", err: Permanent(errors.New("400"))},
		{name: "skipped", err: ErrSkipped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch := &fakeChannel{name: "callback", errs: []error{tt.err}}
			svc := NewService(testConfig())
			svc.AddChannel(ch)

			svc.Deliver(context.Background(), &Completion{SiteID: "site-1"})

			assert.Equal(t, int32(1), ch.attempts.Load())
			assert.Zero(t, ch.count())
		})
	}
}

func TestServiceDeliver_FansOutToAllChannels(t *testing.T) {
	t.Parallel()

	callback := &fakeChannel{name: "callback"}
	slackCh := &fakeChannel{name: "slack", errs: []error{Permanent(errors.New("invalid_payload"))}}
	svc := NewService(testConfig())
	svc.AddChannel(callback)
	svc.AddChannel(slackCh)

	svc.Deliver(context.Background(), &Completion{SiteID: "site-1"})

	assert.Equal(t, 1, callback.count(), "one channel failing does not affect another")
	assert.Zero(t, slackCh.count())
	assert.Equal(t, []string{"callback", "slack"}, svc.Channels())
}

func TestServiceEnqueue_StartAndStopDrains(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "callback"}
	svc := NewService(testConfig())
	svc.AddChannel(ch)

	require.True(t, svc.Enqueue(Completion{SiteID: "site-1"}))
	require.True(t, svc.Enqueue(Completion{SiteID: "site-2"}))

	ctx := context.Background()
	svc.Start(ctx)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))

	assert.Equal(t, 2, ch.count())
	assert.False(t, svc.Enqueue(Completion{SiteID: "site-3"}), "stopped service rejects new work")
}

func TestServiceEnqueue_DropsWhenFull(t *testing.T) {
	t.Parallel()

	svc := NewService(Config{QueueSize: 1, Workers: 1})
	svc.AddChannel(&fakeChannel{name: "callback"})

	assert.True(t, svc.Enqueue(Completion{SiteID: "site-1"}))
	assert.False(t, svc.Enqueue(Completion{SiteID: "site-2"}))
}

func TestServiceEnqueue_NoChannels(t *testing.T) {
	t.Parallel()

	svc := NewService(Config{})
	assert.False(t, svc.Enqueue(Completion{SiteID: "site-1"}))
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad request")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestCompletionSucceeded(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Completion{Outcome: "completed_successfully"}).Succeeded())
	assert.True(t, (&Completion{Outcome: "exists"}).Succeeded())
	assert.False(t, (&Completion{Outcome: "failed_during_crawl"}).Succeeded())
	assert.False(t, (&Completion{Outcome: "not_found"}).Succeeded())
}

package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/pkg/circuitbreaker"
	"visiocall/pkg/retry"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errFeedDown = errors.New("feed down")

type flakyPublisher struct {
	mu        sync.Mutex
	failures  int
	calls     int
	published []domain.UserIdentity
}

func (p *flakyPublisher) PublishPresence(_ context.Context, identity domain.UserIdentity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errFeedDown
	}
	p.published = append(p.published, identity)
	return nil
}

func (p *flakyPublisher) snapshot() (int, []domain.UserIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, append([]domain.UserIdentity(nil), p.published...)
}

func fastRetry() retry.Config {
	return retry.Config{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func runWrapper(t *testing.T, w *PresencePublisherWrapper) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestPresencePublisherWrapper_PublishesInOrderWithRetries(t *testing.T) {
	inner := &flakyPublisher{failures: 1}
	w := NewPresencePublisherWrapper(inner, fastRetry(), circuitbreaker.DefaultConfig(), 8, zap.NewNop().Sugar())
	runWrapper(t, w)

	ctx := context.Background()
	require.NoError(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "a1", Online: true}))
	require.NoError(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "a1", Online: false}))

	assert.Eventually(t, func() bool {
		_, published := inner.snapshot()
		return len(published) == 2
	}, 2*time.Second, 5*time.Millisecond)

	calls, published := inner.snapshot()
	assert.Equal(t, 3, calls)
	assert.True(t, published[0].Online)
	assert.False(t, published[1].Online)
	assert.NoError(t, w.Healthy(ctx))
}

func TestPresencePublisherWrapper_QueueFullDrops(t *testing.T) {
	w := NewPresencePublisherWrapper(&flakyPublisher{}, fastRetry(), circuitbreaker.DefaultConfig(), 1, zap.NewNop().Sugar())

	ctx := context.Background()
	require.NoError(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "a1"}))
	assert.ErrorIs(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "b2"}), ErrQueueFull)
	assert.Equal(t, int64(1), w.GetStats().Dropped)
	assert.Equal(t, 1, w.GetStats().Queued)
}

func TestPresencePublisherWrapper_OpenBreakerFailsFast(t *testing.T) {
	inner := &flakyPublisher{failures: 100}
	clk := clock.NewMock()
	cb := circuitbreaker.NewWithClock(circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	}, clk)
	w := NewPresencePublisherWrapperWithBreaker(inner, fastRetry(), cb, 8, zap.NewNop().Sugar())
	runWrapper(t, w)

	ctx := context.Background()
	require.NoError(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "a1", Online: true}))
	assert.Eventually(t, func() bool { return w.GetStats().Failed == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Error(t, w.Healthy(ctx))

	// The open breaker short-circuits the next update without touching the feed.
	callsBefore, _ := inner.snapshot()
	require.NoError(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "b2", Online: true}))
	assert.Eventually(t, func() bool { return w.GetStats().Failed == 2 }, 2*time.Second, 5*time.Millisecond)
	callsAfter, _ := inner.snapshot()
	assert.Equal(t, callsBefore, callsAfter)

	// Once the timeout elapses a probe goes through and closes the breaker.
	inner.mu.Lock()
	inner.failures = 0
	inner.mu.Unlock()
	clk.Add(time.Minute)

	require.NoError(t, w.PublishPresence(ctx, domain.UserIdentity{UserID: "c3", Online: true}))
	assert.Eventually(t, func() bool {
		_, published := inner.snapshot()
		return len(published) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, w.Healthy(ctx))
}

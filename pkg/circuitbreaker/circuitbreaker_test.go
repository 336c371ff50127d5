package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestError = errors.New("test error")

func testBreaker() (*CircuitBreaker, *clock.Mock) {
	clk := clock.NewMock()
	cb := NewWithClock(Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		Timeout:             time.Second,
		MaxRequestsHalfOpen: 2,
	}, clk)
	return cb, clk
}

func fail() error    { return errTestError }
func succeed() error { return nil }

func openBreaker(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errTestError)
	}
	require.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_ClosedState(t *testing.T) {
	cb, _ := testBreaker()
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())

	err := cb.Execute(ctx, fail)
	assert.ErrorIs(t, err, errTestError)
	assert.Equal(t, StateClosed, cb.GetState())

	// A success resets the consecutive failure count.
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.ErrorIs(t, cb.Execute(ctx, fail), errTestError)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	cb, _ := testBreaker()
	openBreaker(t, cb)

	called := false
	err := cb.Execute(context.Background(), func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenCloses(t *testing.T) {
	cb, clk := testBreaker()
	openBreaker(t, cb)

	clk.Add(time.Second)

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := testBreaker()
	openBreaker(t, cb)

	clk.Add(time.Second)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errTestError)
	assert.Equal(t, StateOpen, cb.GetState())

	clk.Add(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clk := testBreaker()
	openBreaker(t, cb)
	clk.Add(time.Second)

	release := make(chan struct{})
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.Execute(context.Background(), func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrOpen)

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCall_ReturnsResult(t *testing.T) {
	cb, _ := testBreaker()

	n, err := Call(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Call(context.Background(), cb, func() (int, error) { return 7, errTestError })
	assert.ErrorIs(t, err, errTestError)
	assert.Zero(t, n)
}

func TestCall_CancelledContext(t *testing.T) {
	cb, _ := testBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cb.GetStats().FailureCount)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, clk := testBreaker()

	type change struct{ from, to State }
	changes := make(chan change, 4)
	cb.OnStateChange(func(from, to State) { changes <- change{from, to} })

	openBreaker(t, cb)
	clk.Add(time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeed))

	seen := map[change]bool{}
	for i := 0; i < 2; i++ {
		select {
		case c := <-changes:
			seen[c] = true
		case <-time.After(time.Second):
			t.Fatal("missing state change callback")
		}
	}
	assert.True(t, seen[change{StateClosed, StateOpen}])
	assert.True(t, seen[change{StateOpen, StateHalfOpen}])
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb, clk := testBreaker()
	start := clk.Now()

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errTestError)
	stats := cb.GetStats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, start, stats.LastFailureTime)

	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errTestError)
	require.Equal(t, StateOpen, cb.GetState())
	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Zero(t, cb.GetStats().FailureCount)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cb.Execute(context.Background(), succeed)
			} else {
				cb.Execute(context.Background(), fail)
			}
			cb.GetStats()
		}(i)
	}
	wg.Wait()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}

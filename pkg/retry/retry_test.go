package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
	errRetryable    = errors.New("retryable error")
)

func fastConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	var retried []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
		assert.ErrorIs(t, err, errTestError)
		retried = append(retried, attempt)
	}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return errTestError
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errTestError)
	assert.Contains(t, err.Error(), "max attempts (3) exceeded")
	assert.Equal(t, 4, attempts)
}

func TestRetry_Disabled(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Config{Enabled: false}, func() error {
		attempts++
		return errTestError
	})

	assert.Equal(t, errTestError, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		cancel()
		return errTestError
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		cfg      func(*Config)
		err      error
		attempts int
		message  string
	}{
		{
			name:     "non-retryable stops at once",
			cfg:      func(c *Config) { c.NonRetryableErrors = []error{errNonRetryable} },
			err:      errNonRetryable,
			attempts: 1,
			message:  "non-retryable error",
		},
		{
			name:     "wrapped non-retryable stops at once",
			cfg:      func(c *Config) { c.NonRetryableErrors = []error{errNonRetryable} },
			err:      fmt.Errorf("dial: %w", errNonRetryable),
			attempts: 1,
			message:  "non-retryable error",
		},
		{
			name:     "error outside retryable list stops at once",
			cfg:      func(c *Config) { c.RetryableErrors = []error{errRetryable} },
			err:      errTestError,
			attempts: 1,
			message:  "error not in retryable list",
		},
		{
			name:     "retryable error uses every attempt",
			cfg:      func(c *Config) { c.RetryableErrors = []error{errRetryable} },
			err:      errRetryable,
			attempts: 4,
			message:  "max attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig()
			tt.cfg(&cfg)

			attempts := 0
			err := Retry(context.Background(), cfg, func() error {
				attempts++
				return tt.err
			})

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, tt.attempts, attempts)
		})
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	result, err := RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTestError
		}
		return "success", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "success", result)
	assert.Equal(t, 2, attempts)

	cfg := fastConfig()
	cfg.MaxAttempts = 2
	n, err := RetryWithResult(context.Background(), cfg, func() (int, error) {
		return 7, errTestError
	})
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 200*time.Millisecond, calculateDelay(cfg, 1))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, time.Second, calculateDelay(cfg, 5))
}

func TestCalculateDelay_WithJitter(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	base := 200 * time.Millisecond
	for i := 0; i < 50; i++ {
		delay := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, delay, base-base/4)
		assert.LessOrEqual(t, delay, base+base/4)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.True(t, cfg.Jitter)
}

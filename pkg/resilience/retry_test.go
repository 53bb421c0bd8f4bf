package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    maxAttempts,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fastRetryConfig(3), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", fastRetryConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttemptBound(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0
	err := Retry(context.Background(), "op", fastRetryConfig(3), func() error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, "op", fastRetryConfig(10), func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryAppliesConfigDefaults(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "op", RetryConfig{InitialDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestComputeDelayCappedAtMax(t *testing.T) {
	cfg := RetryConfig{
		InitialDelay:   time.Second,
		MaxDelay:       2 * time.Second,
		Multiplier:     10.0,
		JitterFraction: 0.1,
	}
	for attempt := 1; attempt <= 6; attempt++ {
		d := computeDelay(attempt, cfg)
		assert.LessOrEqual(t, d, cfg.MaxDelay, "attempt %d", attempt)
		assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
	}
}

func TestWithTimeoutCompletesInTime(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, "op", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithTimeoutExpires(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutZeroRunsDirectly(t *testing.T) {
	sentinel := errors.New("direct")
	err := WithTimeout(context.Background(), 0, "op", func(ctx context.Context) error {
		assert.NoError(t, ctx.Err())
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestWithTimeoutReportsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WithTimeout(ctx, time.Second, "op", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

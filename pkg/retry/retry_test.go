package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	var retries []int

	err := RetryWithCallback(context.Background(), fastPolicy(3), func() error {
		calls++
		return errors.New("store unavailable")
	}, func(attempt int, err error, nextDelay time.Duration) {
		retries = append(retries, attempt)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryDoesNotRetryFatal(t *testing.T) {
	calls := 0
	cause := errors.New("bad request")

	err := Retry(context.Background(), fastPolicy(5), func() error {
		calls++
		return NewFatalError(cause)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
}

func TestForeverRetriesUntilSuccess(t *testing.T) {
	calls := 0
	notified := 0

	err := Forever(context.Background(), fastPolicy(1), func() error {
		calls++
		if calls < 6 {
			return errors.New("connection refused")
		}
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		notified++
	})

	require.NoError(t, err)
	assert.Equal(t, 6, calls)
	assert.Equal(t, 5, notified)
}

func TestForeverHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Forever(ctx, fastPolicy(0), func() error {
		return errors.New("still down")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryReportsActualDelay(t *testing.T) {
	policy := Policy{MaxAttempts: 2, InitialInterval: 10 * time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 1}

	var delays []time.Duration
	err := RetryWithCallback(context.Background(), policy, func() error {
		return errors.New("down")
	}, func(attempt int, err error, nextDelay time.Duration) {
		delays = append(delays, nextDelay)
	})

	require.Error(t, err)
	require.Len(t, delays, 1)
	// Jitter keeps the delay within half an interval of the nominal value.
	assert.InDelta(t, float64(10*time.Millisecond), float64(delays[0]), float64(5*time.Millisecond))
}

func TestRetryZeroAttemptsUsesDefault(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, func() error {
		calls++
		return errors.New("down")
	})
	assert.Equal(t, DefaultPolicy().MaxAttempts, calls)
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastPolicy(5), func() error {
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/errors"
)

func testPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
	}
}

// instantSleep replaces the backoff sleep in tests, recording requested delays
func instantSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		*delays = append(*delays, d)
		return nil
	}
}

func TestDelayForAttempt(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, time.Second, p.DelayForAttempt(1))
	assert.Equal(t, 2*time.Second, p.DelayForAttempt(2))
	assert.Equal(t, 4*time.Second, p.DelayForAttempt(3))
	assert.Equal(t, 8*time.Second, p.DelayForAttempt(4))
	assert.Equal(t, 16*time.Second, p.DelayForAttempt(5))
	assert.Equal(t, 32*time.Second, p.DelayForAttempt(6))
	assert.Equal(t, 60*time.Second, p.DelayForAttempt(7), "capped at MaxDelay")
	assert.Equal(t, 60*time.Second, p.DelayForAttempt(20))
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e := NewExecutor(testPolicy(), nil, nil, nil)

	calls := 0
	err := e.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetriesTransient(t *testing.T) {
	e := NewExecutor(testPolicy(), nil, nil, nil)
	var delays []time.Duration
	e.sleep = instantSleep(&delays)

	calls := 0
	var retries []int
	err := e.Execute(context.Background(), func(attempt int, err error) {
		retries = append(retries, attempt)
	}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("upstream 503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestExecuteAbortsOnPermanent(t *testing.T) {
	e := NewExecutor(testPolicy(), nil, nil, nil)
	var delays []time.Duration
	e.sleep = instantSleep(&delays)

	calls := 0
	err := e.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return Permanentf("symbol %q fails validation", "")
	})
	require.Error(t, err)
	assert.Equal(t, KindPermanent, KindOf(err))
	assert.Equal(t, 1, calls, "permanent failures are never retried")
	assert.Empty(t, delays)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	e := NewExecutor(testPolicy(), nil, nil, nil)
	var delays []time.Duration
	e.sleep = instantSleep(&delays)

	calls := 0
	err := e.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return Transient(errors.New("upstream 503"))
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls, "initial attempt plus MaxRetries")
	assert.Contains(t, err.Error(), "exhausted 3 retries")
	assert.Equal(t, KindTransient, KindOf(err), "classification survives the wrap")
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	e := NewExecutor(testPolicy(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Execute(ctx, nil, func(c context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("upstream 503"))
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls, "cancellation stops the retry loop in the backoff")
}

func TestExecuteCircuitOpenConsumesAttempts(t *testing.T) {
	breaker := NewBreaker("upstream", BreakerConfig{FailureThreshold: 0.5, RecoveryTimeout: time.Hour})
	e := NewExecutor(testPolicy(), nil, breaker, nil)
	var delays []time.Duration
	e.sleep = instantSleep(&delays)

	calls := 0
	err := e.Execute(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return Transient(errors.New("upstream 503"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "breaker opens on the first failure and short-circuits the rest")
	assert.Len(t, delays, 3, "open-circuit results still consume retry attempts")
	assert.Equal(t, KindCircuitOpen, KindOf(err))
}

func TestExecuteThroughBulkhead(t *testing.T) {
	bulkhead := NewBulkhead("fetch", 2, time.Second)
	e := NewExecutor(testPolicy(), nil, nil, bulkhead)

	err := e.Execute(context.Background(), nil, func(ctx context.Context) error {
		assert.Equal(t, 1, bulkhead.Active(), "call holds a slot while running")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, bulkhead.Active())
}

func TestExecuteRateLimiterGates(t *testing.T) {
	// one token, fast refill so the gate wait is short but observable
	limiter := NewLimiter("upstream", 200, 1)
	e := NewExecutor(Policy{MaxRetries: 0, InitialDelay: time.Second, Multiplier: 2}, limiter, nil, nil)

	calls := 0
	for i := 0; i < 3; i++ {
		err := e.Execute(context.Background(), nil, func(ctx context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/errors"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker("upstream", BreakerConfig{
		FailureThreshold: 0.5,
		RecoveryTimeout:  60 * time.Second,
	})
	b.timeNow = func() time.Time { return now }
	return b, &now
}

func failingCall() error { return Transient(errors.New("upstream 503")) }

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	require.Equal(t, StateClosed, b.State())

	// five consecutive failures keep the rate at 1.0, above 0.5
	for i := 0; i < 5; i++ {
		err := b.Execute(failingCall)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	// 3 successes, 1 failure: rate 0.25 stays under 0.5
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	require.Error(t, b.Execute(failingCall))

	assert.Equal(t, StateClosed, b.State())
	snap := b.Snapshot()
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, 3, snap.SuccessCount)
	assert.InDelta(t, 0.25, snap.FailureRate, 1e-9)
}

func TestBreakerShortCircuitsWhenOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	require.Error(t, b.Execute(failingCall))
	require.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "open breaker must not invoke the call")
	assert.Equal(t, KindCircuitOpen, KindOf(err))

	var re *Error
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 60*time.Second, re.RetryAfter, "full recovery timeout remains")
}

func TestBreakerHalfOpenProbeSuccess(t *testing.T) {
	b, now := newTestBreaker(t)
	require.Error(t, b.Execute(failingCall))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())

	// recovery wipes the pre-open history
	snap := b.Snapshot()
	assert.Equal(t, 0, snap.FailureCount)
	assert.Equal(t, 0, snap.SuccessCount)
	assert.Zero(t, snap.FailureRate)
	assert.Nil(t, snap.LastFailureTime)
}

func TestBreakerRecoveryNotBiasedByOldFailures(t *testing.T) {
	b, now := newTestBreaker(t)

	// drive the breaker open on a failure streak
	for i := 0; i < 4; i++ {
		require.Error(t, b.Execute(failingCall))
	}
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Equal(t, StateClosed, b.State())

	// a mostly-healthy workload after recovery must not reopen the
	// breaker off the stale streak: 3 successes, 1 failure is rate 0.25
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(func() error { return nil }))
	}
	require.Error(t, b.Execute(failingCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeFailure(t *testing.T) {
	b, now := newTestBreaker(t)
	require.Error(t, b.Execute(failingCall))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(61 * time.Second)

	require.Error(t, b.Execute(failingCall))
	assert.Equal(t, StateOpen, b.State())

	// the failed probe resets the recovery window
	*now = now.Add(30 * time.Second)
	err := b.Execute(func() error { return nil })
	require.Error(t, err)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
}

func TestBreakerSnapshotLastFailure(t *testing.T) {
	b, now := newTestBreaker(t)
	assert.Nil(t, b.Snapshot().LastFailureTime)

	require.Error(t, b.Execute(failingCall))
	snap := b.Snapshot()
	require.NotNil(t, snap.LastFailureTime)
	assert.Equal(t, *now, *snap.LastFailureTime)
	assert.Equal(t, "upstream", snap.Name)
}

func TestBreakerGroupGetOrCreate(t *testing.T) {
	g := NewBreakerGroup(BreakerConfig{FailureThreshold: 0.5, RecoveryTimeout: time.Minute})

	a := g.GetOrCreate("upstream")
	b := g.GetOrCreate("upstream")
	assert.Same(t, a, b, "same name must return the same breaker")

	c := g.GetOrCreate("alt-feed")
	assert.NotSame(t, a, c)

	snaps := g.Snapshots()
	assert.Len(t, snaps, 2)
}

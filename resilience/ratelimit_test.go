package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstExhaustion(t *testing.T) {
	// slow refill so the window cannot replenish mid-test
	l := NewLimiter("upstream", 0.001, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.TryAcquire(), "token %d should be available", i)
	}
	assert.False(t, l.TryAcquire(), "bucket exhausted")
}

func TestLimiterRetryAfter(t *testing.T) {
	l := NewLimiter("upstream", 1, 1)

	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	wait := l.RetryAfter()
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	// RetryAfter must not consume a token
	before := l.Tokens()
	_ = l.RetryAfter()
	assert.InDelta(t, before, l.Tokens(), 0.05)
}

func TestLimiterRefill(t *testing.T) {
	l := NewLimiter("upstream", 100, 1)

	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, l.TryAcquire(), "token refilled after interval")
}

func TestLimiterTokensNeverExceedBurst(t *testing.T) {
	l := NewLimiter("upstream", 1000, 5)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, l.Tokens(), 5.0)
}

func TestLimiterGroupGetOrCreate(t *testing.T) {
	g := NewLimiterGroup(5, 10)

	a := g.GetOrCreate("upstream")
	b := g.GetOrCreate("upstream")
	assert.Same(t, a, b)
	assert.Equal(t, "upstream", a.Name())

	c := g.GetOrCreate("alt-feed")
	assert.NotSame(t, a, c)
}

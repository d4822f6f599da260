package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token-bucket rate limiter for one named dependency. Tokens
// refill continuously against the monotonic clock; acquisition never blocks.
type Limiter struct {
	name    string
	limiter *rate.Limiter
}

// NewLimiter creates a full-bucket limiter refilling at perSecond tokens
// per second with capacity burst.
func NewLimiter(name string, perSecond float64, burst int) *Limiter {
	return &Limiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// TryAcquire consumes one token if available and reports whether it did
func (l *Limiter) TryAcquire() bool {
	return l.limiter.Allow()
}

// RetryAfter returns the wait until the next token becomes available. It
// does not consume a token; zero means a token is available now.
func (l *Limiter) RetryAfter() time.Duration {
	r := l.limiter.Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}

// Tokens returns the number of tokens currently available
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}

// Name returns the dependency this limiter guards
func (l *Limiter) Name() string {
	return l.name
}

// LimiterGroup manages one limiter per named dependency, creating them
// lazily with a shared rate.
type LimiterGroup struct {
	mu        sync.RWMutex
	limiters  map[string]*Limiter
	perSecond float64
	burst     int
}

// NewLimiterGroup creates an empty group using the given rate for new limiters
func NewLimiterGroup(perSecond float64, burst int) *LimiterGroup {
	return &LimiterGroup{
		limiters:  make(map[string]*Limiter),
		perSecond: perSecond,
		burst:     burst,
	}
}

// GetOrCreate returns the limiter for the named dependency, creating it on
// first use
func (g *LimiterGroup) GetOrCreate(name string) *Limiter {
	g.mu.RLock()
	l, ok := g.limiters[name]
	g.mu.RUnlock()
	if ok {
		return l
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[name]; ok {
		return l
	}
	l = NewLimiter(name, g.perSecond, g.burst)
	g.limiters[name] = l
	return l
}

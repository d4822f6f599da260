package resilience

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/logger"
)

// BreakerState is the circuit breaker lifecycle state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker instance
type BreakerConfig struct {
	// FailureThreshold is the failure rate in [0,1] at or above which the
	// breaker opens
	FailureThreshold float64
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a half-open probe
	RecoveryTimeout time.Duration
}

// BreakerSnapshot is a point-in-time read of a breaker for health reporting
type BreakerSnapshot struct {
	Name            string       `json:"name"`
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	FailureRate     float64      `json:"failure_rate"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
}

// Breaker guards calls to one named external dependency. Counters accumulate
// while the breaker is closed and reset when a half-open probe succeeds; the
// failure rate is failures over total calls observed, not a sliding window.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewBreaker creates a closed breaker for the named dependency
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:    name,
		cfg:     cfg,
		state:   StateClosed,
		timeNow: time.Now,
		log:     logger.AddBreakerSymbol(logger.Logger),
	}
}

// Execute runs fn under the breaker. When the breaker is open and the
// recovery timeout has not elapsed, fn is not invoked and a circuit-open
// failure is returned with the remaining wait as its retry hint.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err == nil)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := b.timeNow().Sub(b.lastFailureTime)
	if elapsed < b.cfg.RecoveryTimeout {
		return newCircuitOpen(b.name, b.cfg.RecoveryTimeout-elapsed)
	}

	b.state = StateHalfOpen
	b.log.Infow("circuit breaker probing",
		"dependency", b.name,
		"open_for", elapsed.String(),
	)
	return nil
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		if b.state == StateHalfOpen {
			// Recovery: start the closed state with a clean slate so the
			// pre-open history cannot reopen a now-healthy dependency.
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.lastFailureTime = time.Time{}
			b.log.Infow("circuit breaker closed",
				"dependency", b.name,
			)
			return
		}
		b.successCount++
		return
	}

	b.failureCount++
	b.lastFailureTime = b.timeNow()

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.log.Warnw("circuit breaker reopened after failed probe",
			"dependency", b.name,
		)
		return
	}

	if b.state == StateClosed && b.failureRateLocked() >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.log.Warnw("circuit breaker opened",
			"dependency", b.name,
			"failures", b.failureCount,
			"successes", b.successCount,
			"failure_rate", b.failureRateLocked(),
		)
	}
}

func (b *Breaker) failureRateLocked() float64 {
	total := b.failureCount + b.successCount
	if total == 0 {
		return 0
	}
	return float64(b.failureCount) / float64(total)
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		FailureRate:  b.failureRateLocked(),
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		snap.LastFailureTime = &t
	}
	return snap
}

// BreakerGroup manages one breaker per named dependency, creating them
// lazily with a shared config.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewBreakerGroup creates an empty group using cfg for new breakers
func NewBreakerGroup(cfg BreakerConfig) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// GetOrCreate returns the breaker for the named dependency, creating it on
// first use. Concurrent callers for the same name receive the same instance.
func (g *BreakerGroup) GetOrCreate(name string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[name]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, g.cfg)
	g.breakers[name] = b
	return b
}

// Snapshots returns point-in-time views of every breaker in the group
func (g *BreakerGroup) Snapshots() []BreakerSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snaps := make([]BreakerSnapshot, 0, len(g.breakers))
	for _, b := range g.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

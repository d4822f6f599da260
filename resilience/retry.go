package resilience

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/logger"
)

// Policy shapes the exponential backoff between retry attempts
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt
	MaxRetries int
	// InitialDelay is the backoff before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the backoff regardless of attempt number
	MaxDelay time.Duration
	// Multiplier grows the delay between successive retries
	Multiplier float64
}

// DelayForAttempt returns the backoff before retry attempt n (1-based),
// InitialDelay * Multiplier^(n-1) capped at MaxDelay.
func (p Policy) DelayForAttempt(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Executor drives a unit of work through the full resilience stack: the
// rate limiter gates admission, the circuit breaker wraps the bulkhead,
// and failures classified as retryable are re-attempted with backoff.
type Executor struct {
	policy   Policy
	limiter  *Limiter
	breaker  *Breaker
	bulkhead *Bulkhead

	log   *zap.SugaredLogger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor composes the given primitives into a retrying executor. Any
// of limiter, breaker, or bulkhead may be nil, in which case that layer is
// skipped.
func NewExecutor(policy Policy, limiter *Limiter, breaker *Breaker, bulkhead *Bulkhead) *Executor {
	return &Executor{
		policy:   policy,
		limiter:  limiter,
		breaker:  breaker,
		bulkhead: bulkhead,
		log:      logger.Logger,
		sleep:    sleepCtx,
	}
}

// Execute runs fn with up to MaxRetries retries. Failures with a
// non-retryable kind abort immediately; circuit-open and bulkhead-full
// results consume a retry attempt like any transient failure. onRetry, if
// non-nil, is invoked before each retry with the attempt number and the
// previous failure.
func (e *Executor) Execute(ctx context.Context, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.policy.DelayForAttempt(attempt)
			e.log.Infow("retrying after failure",
				"attempt", attempt,
				"max_retries", e.policy.MaxRetries,
				"delay", delay.String(),
				logger.FieldError, lastErr.Error(),
			)
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if err := e.sleep(ctx, delay); err != nil {
				return err
			}
		}

		if err := e.waitForToken(ctx); err != nil {
			return err
		}

		err := e.callStack(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !KindOf(err).Retryable() {
			return err
		}
	}

	return errors.Wrapf(lastErr, "exhausted %d retries", e.policy.MaxRetries)
}

// waitForToken blocks until the rate limiter admits the call or ctx ends
func (e *Executor) waitForToken(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	for !e.limiter.TryAcquire() {
		wait := e.limiter.RetryAfter()
		if wait <= 0 {
			continue
		}
		e.log.Debugw("rate limited, waiting for token",
			"dependency", e.limiter.Name(),
			"wait", wait.String(),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// callStack runs fn through breaker(bulkhead(fn))
func (e *Executor) callStack(ctx context.Context, fn func(context.Context) error) error {
	inner := fn
	if e.bulkhead != nil {
		wrapped := inner
		inner = func(c context.Context) error {
			return e.bulkhead.Execute(c, wrapped)
		}
	}
	if e.breaker == nil {
		return inner(ctx)
	}
	return e.breaker.Execute(func() error {
		return inner(ctx)
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

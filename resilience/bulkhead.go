package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/logger"
)

// Bulkhead caps concurrent calls into one named dependency pool with a
// fixed slot count and enforces a per-call timeout. Admission never queues:
// when all slots are taken the call is rejected immediately.
type Bulkhead struct {
	name    string
	slots   chan struct{}
	timeout time.Duration
	log     *zap.SugaredLogger
}

// NewBulkhead creates a pool with maxConcurrent slots and the given
// per-call timeout
func NewBulkhead(name string, maxConcurrent int, timeout time.Duration) *Bulkhead {
	return &Bulkhead{
		name:    name,
		slots:   make(chan struct{}, maxConcurrent),
		timeout: timeout,
		log:     logger.Logger,
	}
}

// Execute runs fn in a pool slot. The slot is released when Execute returns,
// on every path: success, failure, and timeout. On timeout the call returns
// a timeout failure even though fn may still be running; fn receives a
// context cancelled at the deadline and is expected to stop.
func (b *Bulkhead) Execute(ctx context.Context, fn func(context.Context) error) error {
	select {
	case b.slots <- struct{}{}:
	default:
		b.log.Warnw("bulkhead rejected call",
			"pool", b.name,
			"active", len(b.slots),
			"max", cap(b.slots),
		)
		return newBulkheadFull(b.name, len(b.slots), cap(b.slots))
	}
	defer func() { <-b.slots }()

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warnw("bulkhead call timed out",
			"pool", b.name,
			"timeout", b.timeout.String(),
		)
		return newTimeout(b.name, b.timeout)
	}
}

// Active returns the number of slots currently in use
func (b *Bulkhead) Active() int {
	return len(b.slots)
}

// Capacity returns the total slot count
func (b *Bulkhead) Capacity() int {
	return cap(b.slots)
}

package scheduler

import (
	"context"
	"sync"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/market"
)

// UnitResult is the outcome of one unit within a run
type UnitResult struct {
	Unit market.Unit
	Err  error
}

// RunAll executes fn for every unit with at most maxConcurrent in flight,
// blocking until all units finish. Results are returned in unit order. A
// panic in fn is captured as that unit's failure and never takes down the
// run or its siblings.
func RunAll(ctx context.Context, units []market.Unit, maxConcurrent int, fn func(ctx context.Context, unit market.Unit) error) []UnitResult {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	results := make([]UnitResult, len(units))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, unit := range units {
		if ctx.Err() != nil {
			results[i] = UnitResult{Unit: unit, Err: ctx.Err()}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, unit market.Unit) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = UnitResult{Unit: unit, Err: runGuarded(ctx, unit, fn)}
		}(i, unit)
	}

	wg.Wait()
	return results
}

func runGuarded(ctx context.Context, unit market.Unit, fn func(context.Context, market.Unit) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic processing %s: %v", unit.Key(), r)
		}
	}()
	return fn(ctx, unit)
}

package market

import "context"

// UnitSource lists the active work units for a run.
// The scheduler depends on this interface, not on the registry directly.
type UnitSource interface {
	ListActive(ctx context.Context, filter *UnitFilter) ([]WorkUnit, error)
}

// UnitAction executes one unit of work (fetch + validate + store).
// Implementations classify their failures with the resilience error kinds
// so the retry executor can decide retry-vs-abort.
type UnitAction interface {
	Execute(ctx context.Context, unit Unit, dateRange DateRange) (*ActionResult, error)
}

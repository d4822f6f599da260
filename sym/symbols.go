// Package sym defines canonical log glyphs for Tidemark system markers.
// These symbols are stable across CLI output and structured logs.
package sym

// System infrastructure symbols.
const (
	Tide      = "≋" // scheduler runs and unit ingestion
	TideOpen  = "✿" // graceful startup with stuck-run recovery
	TideClose = "❀" // graceful shutdown, in-flight runs drained
	DB        = "⊔" // database/storage layer
	Breaker   = "⌁" // circuit breaker state changes
	Alert     = "⚑" // failure streak alerts
)

package logger

import (
	"go.uber.org/zap"

	"github.com/tidemark/tidemark/sym"
)

// Standard field names for consistent structured logging across Tidemark.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldExecutionID = "execution_id"
	FieldJobName     = "job_name"
	FieldSymbolName  = "symbol"
	FieldTimeframe   = "timeframe"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Log glyph marker
	FieldGlyph = "glyph"
)

// Glyph-aware logging helpers. These wrap an instance logger with the glyph
// as a structured field, keeping messages clean and logs queryable by glyph.
//
// Usage:
//
//	type Scheduler struct {
//	    tideLog *zap.SugaredLogger
//	}
//	s.tideLog = logger.AddTideSymbol(baseLogger)

// AddTideSymbol wraps a logger with the Tide symbol (≋)
func AddTideSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldGlyph, sym.Tide)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldGlyph, sym.DB)
}

// AddBreakerSymbol wraps a logger with the Breaker symbol (⌁)
func AddBreakerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldGlyph, sym.Breaker)
}

// AddAlertSymbol wraps a logger with the Alert symbol (⚑)
func AddAlertSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldGlyph, sym.Alert)
}

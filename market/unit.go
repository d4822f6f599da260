// Package market defines the work-unit model for time-series ingestion.
package market

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass categorizes a symbol's instrument type
type AssetClass string

const (
	AssetClassEquity    AssetClass = "equity"
	AssetClassCrypto    AssetClass = "crypto"
	AssetClassForex     AssetClass = "forex"
	AssetClassCommodity AssetClass = "commodity"
)

// IsValidAssetClass returns true if the string is a known AssetClass
func IsValidAssetClass(s string) bool {
	switch AssetClass(s) {
	case AssetClassEquity, AssetClassCrypto, AssetClassForex, AssetClassCommodity:
		return true
	default:
		return false
	}
}

// WorkUnit is one registry entry: a symbol with its ordered set of
// timeframes. The schedulable item is the expanded (symbol, timeframe)
// pair — see Unit.
type WorkUnit struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
	Timeframes []string   `json:"timeframes"`
}

// Expand returns the schedulable (symbol, timeframe) units for this entry,
// preserving timeframe order.
func (w WorkUnit) Expand() []Unit {
	units := make([]Unit, 0, len(w.Timeframes))
	for _, tf := range w.Timeframes {
		units = append(units, Unit{
			Symbol:     w.Symbol,
			AssetClass: w.AssetClass,
			Timeframe:  tf,
		})
	}
	return units
}

// Unit is the smallest schedulable item: one symbol + timeframe combination
type Unit struct {
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
	Timeframe  string     `json:"timeframe"`
}

// Key returns the unit identity used for progress and failure tracking
func (u Unit) Key() string {
	return fmt.Sprintf("%s:%s", u.Symbol, u.Timeframe)
}

// DateRange bounds the window fetched for a unit in one run
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ActionResult reports the outcome of one unit action execution
type ActionResult struct {
	Success         bool `json:"success"`
	RecordsInserted int  `json:"records_inserted"`
	RecordsUpdated  int  `json:"records_updated"`
}

// UnitFilter narrows the active work-unit set for a manual run
type UnitFilter struct {
	Symbols    []string   `json:"symbols,omitempty"`
	AssetClass AssetClass `json:"asset_class,omitempty"`
}

// IsEmpty reports whether the filter selects everything
func (f *UnitFilter) IsEmpty() bool {
	return f == nil || (len(f.Symbols) == 0 && f.AssetClass == "")
}

// String renders the filter for run logs
func (f *UnitFilter) String() string {
	if f.IsEmpty() {
		return "all"
	}
	parts := make([]string, 0, 2)
	if len(f.Symbols) > 0 {
		parts = append(parts, strings.Join(f.Symbols, ","))
	}
	if f.AssetClass != "" {
		parts = append(parts, string(f.AssetClass))
	}
	return strings.Join(parts, " ")
}

package market

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tidemark/tidemark/errors"
)

// Registry is the SQLite-backed symbol registry. It implements UnitSource.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a registry over an opened database
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// ListActive returns all active work units matching the filter,
// ordered by symbol for deterministic run layouts.
func (r *Registry) ListActive(ctx context.Context, filter *UnitFilter) ([]WorkUnit, error) {
	query := `
		SELECT symbol, asset_class, timeframes
		FROM symbols
		WHERE active = 1
	`
	args := []interface{}{}

	if filter != nil && filter.AssetClass != "" {
		query += " AND asset_class = ?"
		args = append(args, string(filter.AssetClass))
	}
	if filter != nil && len(filter.Symbols) > 0 {
		placeholders := strings.Repeat("?,", len(filter.Symbols))
		query += " AND symbol IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, s := range filter.Symbols {
			args = append(args, s)
		}
	}
	query += " ORDER BY symbol ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active symbols")
	}
	defer rows.Close()

	var units []WorkUnit
	for rows.Next() {
		var symbol, assetClass, timeframes string
		if err := rows.Scan(&symbol, &assetClass, &timeframes); err != nil {
			return nil, errors.Wrap(err, "failed to scan symbol")
		}
		units = append(units, WorkUnit{
			Symbol:     symbol,
			AssetClass: AssetClass(assetClass),
			Timeframes: splitTimeframes(timeframes),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating symbols")
	}

	return units, nil
}

// Upsert creates or updates a registry entry
func (r *Registry) Upsert(ctx context.Context, unit WorkUnit) error {
	if unit.Symbol == "" {
		return errors.New("symbol cannot be empty")
	}
	if !IsValidAssetClass(string(unit.AssetClass)) {
		return errors.Newf("invalid asset class: %s", unit.AssetClass)
	}
	if len(unit.Timeframes) == 0 {
		return errors.Newf("symbol %s needs at least one timeframe", unit.Symbol)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO symbols (symbol, asset_class, timeframes, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			asset_class = excluded.asset_class,
			timeframes = excluded.timeframes,
			active = 1,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		unit.Symbol, string(unit.AssetClass), strings.Join(unit.Timeframes, ","), now, now)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert symbol %s", unit.Symbol)
	}
	return nil
}

// Deactivate soft-removes a symbol from scheduling; history is retained.
func (r *Registry) Deactivate(ctx context.Context, symbol string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"UPDATE symbols SET active = 0, updated_at = ? WHERE symbol = ?", now, symbol)
	if err != nil {
		return errors.Wrapf(err, "failed to deactivate symbol %s", symbol)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if affected == 0 {
		return errors.NewNotFoundError("symbol %s", symbol)
	}
	return nil
}

func splitTimeframes(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

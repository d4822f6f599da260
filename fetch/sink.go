package fetch

import (
	"context"
	"database/sql"
	"time"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/market"
)

// CandleSink writes candles into the local SQLite candles table,
// distinguishing fresh inserts from updates to existing bars.
type CandleSink struct {
	db *sql.DB
}

// NewCandleSink creates a sink over an opened database
func NewCandleSink(db *sql.DB) *CandleSink {
	return &CandleSink{db: db}
}

// UpsertCandles writes all candles for a unit in one transaction. A bar is
// counted as updated when its (symbol, timeframe, ts) row already existed.
func (s *CandleSink) UpsertCandles(ctx context.Context, unit market.Unit, candles []Candle) (int, int, error) {
	if len(candles) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to begin candle transaction")
	}
	defer tx.Rollback()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO candles (symbol, timeframe, ts, open, high, low, close, volume, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to prepare candle insert")
	}
	defer insertStmt.Close()

	updateStmt, err := tx.PrepareContext(ctx, `
		UPDATE candles SET open = ?, high = ?, low = ?, close = ?, volume = ?, updated_at = ?
		WHERE symbol = ? AND timeframe = ? AND ts = ?`)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to prepare candle update")
	}
	defer updateStmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	inserted, updated := 0, 0
	for _, c := range candles {
		ts := c.Timestamp.UTC().Format(time.RFC3339)
		result, err := insertStmt.ExecContext(ctx,
			unit.Symbol, unit.Timeframe, ts, c.Open, c.High, c.Low, c.Close, c.Volume, now)
		if err != nil {
			return 0, 0, errors.Wrapf(err, "failed to insert candle %s", ts)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, 0, errors.Wrap(err, "failed to read insert result")
		}
		if n > 0 {
			inserted++
			continue
		}
		if _, err := updateStmt.ExecContext(ctx,
			c.Open, c.High, c.Low, c.Close, c.Volume, now,
			unit.Symbol, unit.Timeframe, ts); err != nil {
			return 0, 0, errors.Wrapf(err, "failed to update candle %s", ts)
		}
		updated++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, "failed to commit candles")
	}
	return inserted, updated, nil
}

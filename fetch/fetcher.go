// Package fetch pulls OHLCV candles from the upstream data service and
// writes them to the local candle sink. It is the unit action the
// scheduler executes for every (symbol, timeframe) pair.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/internal/httpclient"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/resilience"
)

// Candle is one OHLCV bar as served by the upstream
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// candlesResponse is the upstream payload shape
type candlesResponse struct {
	Symbol    string   `json:"symbol"`
	Timeframe string   `json:"timeframe"`
	Candles   []Candle `json:"candles"`
}

// Sink stores fetched candles. The SQLite implementation lives in this
// package; tests substitute their own.
type Sink interface {
	UpsertCandles(ctx context.Context, unit market.Unit, candles []Candle) (inserted, updated int, err error)
}

// Fetcher fetches candles for one unit per call. It implements
// market.UnitAction; failures carry the resilience kind the retry executor
// switches on.
type Fetcher struct {
	baseURL string
	client  *httpclient.Client
	sink    Sink
	log     *zap.SugaredLogger
}

// NewFetcher creates a fetcher against baseURL writing into sink
func NewFetcher(baseURL string, client *httpclient.Client, sink Sink) *Fetcher {
	return &Fetcher{
		baseURL: baseURL,
		client:  client,
		sink:    sink,
		log:     logger.Logger,
	}
}

// Execute fetches the unit's candles for the date range and upserts them
// into the sink.
func (f *Fetcher) Execute(ctx context.Context, unit market.Unit, dateRange market.DateRange) (*market.ActionResult, error) {
	candles, err := f.fetch(ctx, unit, dateRange)
	if err != nil {
		return nil, err
	}

	if err := validateCandles(unit, candles); err != nil {
		return nil, err
	}

	inserted, updated, err := f.sink.UpsertCandles(ctx, unit, candles)
	if err != nil {
		return nil, resilience.Transient(errors.Wrap(err, "failed to store candles"))
	}

	f.log.Debugw("unit fetched",
		logger.FieldSymbolName, unit.Symbol,
		logger.FieldTimeframe, unit.Timeframe,
		"candles", len(candles),
		"inserted", inserted,
		"updated", updated,
	)
	return &market.ActionResult{
		Success:         true,
		RecordsInserted: inserted,
		RecordsUpdated:  updated,
	}, nil
}

func (f *Fetcher) fetch(ctx context.Context, unit market.Unit, dateRange market.DateRange) ([]Candle, error) {
	endpoint := fmt.Sprintf("%s/v1/candles/%s/%s?%s",
		f.baseURL,
		url.PathEscape(unit.Symbol),
		url.PathEscape(unit.Timeframe),
		url.Values{
			"from": {dateRange.From.UTC().Format(time.RFC3339)},
			"to":   {dateRange.To.UTC().Format(time.RFC3339)},
		}.Encode(),
	)

	resp, err := f.client.Get(ctx, endpoint)
	if err != nil {
		return nil, resilience.Transient(errors.Wrapf(err, "failed to fetch %s", unit.Key()))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.RateLimited(
			errors.Newf("upstream throttled %s", unit.Key()),
			parseRetryAfter(resp.Header.Get("Retry-After")),
		)
	case resp.StatusCode == http.StatusNotFound:
		return nil, resilience.Permanentf("upstream has no data for %s", unit.Key())
	case resp.StatusCode >= 500:
		return nil, resilience.Transient(errors.Newf("upstream returned %d for %s", resp.StatusCode, unit.Key()))
	default:
		return nil, resilience.Permanentf("upstream returned %d for %s", resp.StatusCode, unit.Key())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, resilience.Transient(errors.Wrap(err, "failed to read upstream response"))
	}

	var payload candlesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, resilience.Permanent(errors.Wrapf(err, "malformed payload for %s", unit.Key()))
	}
	return payload.Candles, nil
}

// validateCandles rejects structurally broken bars. Validation failures
// are permanent: retrying the same payload cannot fix the data.
func validateCandles(unit market.Unit, candles []Candle) error {
	for i, c := range candles {
		if c.Timestamp.IsZero() {
			return resilience.Permanentf("candle %d for %s has no timestamp", i, unit.Key())
		}
		if c.High < c.Low {
			return resilience.Permanentf("candle %d for %s has high %f below low %f", i, unit.Key(), c.High, c.Low)
		}
		if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
			return resilience.Permanentf("candle %d for %s has negative values", i, unit.Key())
		}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

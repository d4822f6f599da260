package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tmtest "github.com/tidemark/tidemark/internal/testing"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/resilience"
)

type stubBreakers struct {
	snaps []resilience.BreakerSnapshot
}

func (s *stubBreakers) BreakerSnapshots() []resilience.BreakerSnapshot { return s.snaps }
func (s *stubBreakers) BulkheadUsage() (int, int)                      { return 2, 10 }

type stubPaused bool

func (s stubPaused) Paused() bool { return bool(s) }

func TestReportEmptyStore(t *testing.T) {
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)
	r := NewReporter(conn, store, nil, nil, 48)

	report := r.Report(context.Background())
	assert.Equal(t, "ok", report.Status)
	assert.Nil(t, report.LastRun)
	assert.Zero(t, report.ActiveRuns)
	assert.Empty(t, report.StaleUnits)
	assert.Zero(t, report.RecentFailures)
	assert.Zero(t, report.TotalUnitsMonitored)
}

func TestReportWithRunHistory(t *testing.T) {
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)
	ctx := context.Background()

	registry := market.NewRegistry(conn)
	require.NoError(t, registry.Upsert(ctx, market.WorkUnit{
		Symbol: "AAPL", AssetClass: market.AssetClassEquity, Timeframes: []string{"1d", "1h"},
	}))
	require.NoError(t, registry.Upsert(ctx, market.WorkUnit{
		Symbol: "BTC-USD", AssetClass: market.AssetClassCrypto, Timeframes: []string{"1h"},
	}))

	run := store.CreateRun(ctx, "daily", 3)
	store.RecordUnitTransition(ctx, run.ID, "AAPL", "1d", progress.UnitSucceeded, 0, "")
	store.RecordUnitTransition(ctx, run.ID, "AAPL", "1h", progress.UnitFailed, 3, "upstream 503")
	require.NoError(t, store.CompleteRun(ctx, run.ID, 1, 1, progress.RunCompleted))

	r := NewReporter(conn, store, nil, stubPaused(true), 48)
	report := r.Report(ctx)

	require.NotNil(t, report.LastRun)
	assert.Equal(t, run.ID, report.LastRun.ID)
	assert.Equal(t, 3, report.TotalUnitsMonitored)
	assert.Equal(t, 1, report.RecentFailures)
	assert.True(t, report.SchedulerPaused)

	// AAPL:1h failed and BTC-USD:1h never ran; both show as stale,
	// though only units with progress rows are visible to staleness
	staleKeys := make(map[string]bool)
	for _, s := range report.StaleUnits {
		staleKeys[s.Symbol+":"+s.Timeframe] = true
	}
	assert.True(t, staleKeys["AAPL:1h"])
	assert.False(t, staleKeys["AAPL:1d"])
}

func TestReportDegradedOnOpenBreaker(t *testing.T) {
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)

	breakers := &stubBreakers{snaps: []resilience.BreakerSnapshot{
		{Name: "upstream", State: resilience.StateOpen, FailureCount: 7},
	}}
	r := NewReporter(conn, store, breakers, nil, 48)

	report := r.Report(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, 2, report.Bulkhead.Active)
	assert.Equal(t, 10, report.Bulkhead.Capacity)
}

func TestReportIsReadOnly(t *testing.T) {
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)
	ctx := context.Background()

	run := store.CreateRun(ctx, "daily", 1)
	r := NewReporter(conn, store, nil, nil, 48)
	_ = r.Report(ctx)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunRunning, got.Status, "reporting must not mutate runs")

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM run_executions").Scan(&count))
	assert.Equal(t, 1, count)
	assert.WithinDuration(t, time.Now().UTC(), r.timeNow().UTC(), time.Minute)
}

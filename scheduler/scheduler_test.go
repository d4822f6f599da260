package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/config"
	"github.com/tidemark/tidemark/errors"
	tmtest "github.com/tidemark/tidemark/internal/testing"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/notify"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/resilience"
)

type fakeSource struct {
	units []market.WorkUnit
	err   error
}

func (f *fakeSource) ListActive(ctx context.Context, filter *market.UnitFilter) ([]market.WorkUnit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.units, nil
}

type fakeAction struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(unit market.Unit) error
}

func newFakeAction(fn func(unit market.Unit) error) *fakeAction {
	return &fakeAction{calls: make(map[string]int), fn: fn}
}

func (f *fakeAction) Execute(ctx context.Context, unit market.Unit, r market.DateRange) (*market.ActionResult, error) {
	f.mu.Lock()
	f.calls[unit.Key()]++
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(unit); err != nil {
			return nil, err
		}
	}
	return &market.ActionResult{Success: true, RecordsInserted: 1}, nil
}

func (f *fakeAction) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type capturingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (n *capturingNotifier) Notify(ctx context.Context, alert notify.Alert) bool {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()
	return true
}

func testOptions() Options {
	return Options{
		Scheduler: config.SchedulerConfig{
			CronHour:           21,
			CronMinute:         30,
			MaxConcurrentUnits: 4,
		},
		Retry: config.RetryConfig{
			MaxRetries:          1,
			InitialDelaySeconds: 0.001,
			MaxDelaySeconds:     0.01,
			BackoffMultiplier:   2,
		},
		// threshold above 1.0 keeps the breaker out of tests not about it
		Circuit:      config.CircuitConfig{FailureThreshold: 1.1, RecoveryTimeoutSeconds: 60},
		RateLimit:    config.RateLimitConfig{RequestsPerInterval: 1000, IntervalSeconds: 1, Burst: 1000},
		Bulkhead:     config.BulkheadConfig{MaxConcurrent: 50, TimeoutSeconds: 5},
		Alerting:     config.AlertingConfig{Enabled: true, StreakThreshold: 2},
		LookbackDays: 7,
	}
}

func workUnits(symbols ...string) []market.WorkUnit {
	var units []market.WorkUnit
	for _, s := range symbols {
		units = append(units, market.WorkUnit{
			Symbol:     s,
			AssetClass: market.AssetClassEquity,
			Timeframes: []string{"1d"},
		})
	}
	return units
}

func newTestScheduler(t *testing.T, source market.UnitSource, action market.UnitAction, opts Options) (*Scheduler, *progress.Store) {
	t.Helper()
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)
	tracker := progress.NewFailureTracker(conn, opts.Alerting.StreakThreshold)
	s := New(source, action, store, tracker, notify.NewLogNotifier(), opts)
	return s, store
}

func TestTriggerNowPartialFailureIsolation(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL", "MSFT", "NVDA")}
	action := newFakeAction(func(u market.Unit) error {
		if u.Symbol == "MSFT" {
			return resilience.Permanentf("MSFT payload fails validation")
		}
		return nil
	})
	s, store := newTestScheduler(t, source, action, testOptions())

	run, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 3, run.TotalUnits)
	s.Wait()

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunCompleted, got.Status, "partial failure still completes the run")
	assert.Equal(t, 2, got.Successful)
	assert.Equal(t, 1, got.Failed)

	assert.Equal(t, 1, action.callCount("MSFT:1d"), "permanent failures are not retried")

	units, err := store.ListUnitProgress(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, units, 3)
	for _, u := range units {
		if u.Symbol == "MSFT" {
			assert.Equal(t, progress.UnitFailed, u.Status)
			assert.Contains(t, u.LastError, "validation")
		} else {
			assert.Equal(t, progress.UnitSucceeded, u.Status)
		}
	}
}

func TestTriggerNowRetriesTransient(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	var mu sync.Mutex
	attempts := 0
	action := newFakeAction(func(u market.Unit) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return resilience.Transient(errors.New("upstream 503"))
		}
		return nil
	})
	s, store := newTestScheduler(t, source, action, testOptions())

	run, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	s.Wait()

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Successful)
	assert.Equal(t, 0, got.Failed)

	units, err := store.ListUnitProgress(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, progress.UnitSucceeded, units[0].Status)
	assert.Equal(t, 1, units[0].RetryCount)
}

func TestTriggerNowRecordsRetryState(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	opts := testOptions()
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)
	tracker := progress.NewFailureTracker(conn, opts.Alerting.StreakThreshold)

	// the second attempt observes the status the backoff left behind
	var mu sync.Mutex
	attempts := 0
	var observed progress.UnitStatus
	action := newFakeAction(func(u market.Unit) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return resilience.Transient(errors.New("upstream 503"))
		}
		ctx := context.Background()
		if runs, err := store.ActiveRuns(ctx); err == nil && len(runs) == 1 {
			if units, err := store.ListUnitProgress(ctx, runs[0].ID); err == nil && len(units) == 1 {
				observed = units[0].Status
			}
		}
		return nil
	})
	s := New(source, action, store, tracker, notify.NewLogNotifier(), opts)

	run, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	s.Wait()

	mu.Lock()
	assert.Equal(t, progress.UnitRetry, observed)
	mu.Unlock()

	units, err := store.ListUnitProgress(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, progress.UnitSucceeded, units[0].Status)
	assert.Equal(t, 1, units[0].RetryCount)
}

// gatedSource blocks the first ListActive call until release is closed
type gatedSource struct {
	fakeSource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSource) ListActive(ctx context.Context, filter *market.UnitFilter) ([]market.WorkUnit, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeSource.ListActive(ctx, filter)
}

func TestTriggerNowDuplicateWaitsForStartWindow(t *testing.T) {
	source := &gatedSource{
		fakeSource: fakeSource{units: workUnits("AAPL")},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	actionRelease := make(chan struct{})
	action := newFakeAction(func(u market.Unit) error {
		<-actionRelease
		return nil
	})
	s, _ := newTestScheduler(t, source, action, testOptions())

	type result struct {
		run *progress.RunExecution
		err error
	}
	firstCh := make(chan result, 1)
	go func() {
		run, err := s.TriggerNow(context.Background(), JobManual, nil)
		firstCh <- result{run, err}
	}()
	<-source.entered

	// the first trigger is still between listing units and creating its
	// run; a duplicate arriving now must wait for that run, not fail
	secondCh := make(chan result, 1)
	go func() {
		run, err := s.TriggerNow(context.Background(), JobManual, nil)
		secondCh <- result{run, err}
	}()

	select {
	case r := <-secondCh:
		t.Fatalf("duplicate resolved before the first trigger finished starting: %+v, %v", r.run, r.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(source.release)
	first := <-firstCh
	second := <-secondCh
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.run.ID, second.run.ID, "duplicate trigger joins the run it waited for")

	close(actionRelease)
	s.Wait()
}

func TestTriggerNowDuplicateReturnsActiveRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	source := &fakeSource{units: workUnits("AAPL")}
	action := newFakeAction(func(u market.Unit) error {
		started <- struct{}{}
		<-release
		return nil
	})
	s, _ := newTestScheduler(t, source, action, testOptions())

	first, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	<-started

	second, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate trigger returns the active run")

	close(release)
	s.Wait()

	// with the first run finished a new trigger starts a fresh one
	third, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
	s.Wait()
}

func TestTriggerNowPaused(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	action := newFakeAction(nil)
	opts := testOptions()
	opts.Scheduler.Paused = true
	s, _ := newTestScheduler(t, source, action, opts)

	_, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPaused))
	assert.Zero(t, action.callCount("AAPL:1d"))

	s.SetPaused(false)
	_, err = s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	s.Wait()
	assert.Equal(t, 1, action.callCount("AAPL:1d"))
}

func TestTriggerNowSourceUnreachableAborts(t *testing.T) {
	source := &fakeSource{err: errors.New("database is locked")}
	action := newFakeAction(nil)
	s, store := newTestScheduler(t, source, action, testOptions())

	run, err := s.TriggerNow(context.Background(), JobManual, nil)
	require.Error(t, err)
	assert.Nil(t, run)

	active, err := store.ActiveRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active, "no run record for an aborted start")

	// the failed start releases the job lock
	source.err = nil
	source.units = workUnits("AAPL")
	_, err = s.TriggerNow(context.Background(), JobManual, nil)
	require.NoError(t, err)
	s.Wait()
}

func TestFailureStreakAlerting(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	action := newFakeAction(func(u market.Unit) error {
		return resilience.Permanentf("bad payload")
	})

	opts := testOptions()
	conn := tmtest.CreateTestDB(t)
	store := progress.NewStore(conn)
	tracker := progress.NewFailureTracker(conn, opts.Alerting.StreakThreshold)
	notifier := &capturingNotifier{}
	s := New(source, action, store, tracker, notifier, opts)

	// threshold is 2: the second consecutive failing run raises one alert
	for i := 0; i < 3; i++ {
		_, err := s.TriggerNow(context.Background(), JobManual, nil)
		require.NoError(t, err)
		s.Wait()
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "AAPL:1d", notifier.alerts[0].UnitKey)
	assert.Equal(t, 2, notifier.alerts[0].Streak)
}

func TestStartIdempotent(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	s, _ := newTestScheduler(t, source, newFakeAction(nil), testOptions())

	require.NoError(t, s.Start())
	require.NoError(t, s.Start(), "second start is a logged no-op")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestReconcileOrphans(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	s, store := newTestScheduler(t, source, newFakeAction(nil), testOptions())
	ctx := context.Background()

	orphan := store.CreateRun(ctx, JobDaily, 2)
	store.RecordUnitTransition(ctx, orphan.ID, "AAPL", "1d", progress.UnitSucceeded, 0, "")
	store.RecordUnitTransition(ctx, orphan.ID, "MSFT", "1d", progress.UnitRunning, 0, "")

	closed, err := s.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, err := store.GetRun(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.RunFailed, got.Status)
	assert.Equal(t, 1, got.Successful)
	assert.Equal(t, 0, got.Failed, "a unit still marked running counts as neither")
}

func TestApplyConfigLiveReload(t *testing.T) {
	source := &fakeSource{units: workUnits("AAPL")}
	s, _ := newTestScheduler(t, source, newFakeAction(nil), testOptions())

	s.ApplyConfig(config.SchedulerConfig{Paused: true, MaxConcurrentUnits: 9})
	assert.True(t, s.Paused())
	assert.Equal(t, 9, s.MaxConcurrent())

	s.ApplyConfig(config.SchedulerConfig{Paused: false, MaxConcurrentUnits: 9})
	assert.False(t, s.Paused())
}

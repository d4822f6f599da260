// Package scheduler owns the run lifecycle: the daily cron trigger, manual
// triggers, per-run fan-out over work units, and the resilience stack each
// unit's fetch runs through.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tidemark/tidemark/config"
	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/market"
	"github.com/tidemark/tidemark/notify"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/resilience"
)

// Well-known job names. At most one run per job name is active at a time.
const (
	JobDaily  = "daily"
	JobManual = "manual"
)

// upstreamDependency names the market data upstream for the breaker and
// limiter groups
const upstreamDependency = "upstream"

// ErrPaused is returned when a trigger arrives while the scheduler is paused
var ErrPaused = errors.New("scheduler is paused")

// Options carries the configuration slices the scheduler needs
type Options struct {
	Scheduler    config.SchedulerConfig
	Retry        config.RetryConfig
	Circuit      config.CircuitConfig
	RateLimit    config.RateLimitConfig
	Bulkhead     config.BulkheadConfig
	Alerting     config.AlertingConfig
	LookbackDays int
}

// Scheduler coordinates runs over the unit source, executing each unit's
// action through the shared resilience stack and recording progress.
type Scheduler struct {
	opts Options

	source   market.UnitSource
	action   market.UnitAction
	store    *progress.Store
	tracker  *progress.FailureTracker
	notifier notify.Notifier

	breakers *resilience.BreakerGroup
	limiters *resilience.LimiterGroup
	bulkhead *resilience.Bulkhead

	cron    *cron.Cron
	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	reserveDone   *sync.Cond // signals a "" reservation resolved or was abandoned
	started       bool
	paused        bool
	maxConcurrent int
	active        map[string]string // job name -> run ID, "" while reserving

	log     *zap.SugaredLogger
	timeNow func() time.Time
}

// New assembles a scheduler. The notifier and tracker may be nil when
// alerting is disabled.
func New(source market.UnitSource, action market.UnitAction, store *progress.Store,
	tracker *progress.FailureTracker, notifier notify.Notifier, opts Options) *Scheduler {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:     opts,
		source:   source,
		action:   action,
		store:    store,
		tracker:  tracker,
		notifier: notifier,
		breakers: resilience.NewBreakerGroup(resilience.BreakerConfig{
			FailureThreshold: opts.Circuit.FailureThreshold,
			RecoveryTimeout:  opts.Circuit.RecoveryTimeout(),
		}),
		limiters: resilience.NewLimiterGroup(opts.RateLimit.RatePerSecond(), opts.RateLimit.Burst),
		bulkhead: resilience.NewBulkhead(upstreamDependency,
			opts.Bulkhead.MaxConcurrent, opts.Bulkhead.Timeout()),
		cron:          cron.New(cron.WithLocation(time.UTC)),
		rootCtx:       ctx,
		cancel:        cancel,
		paused:        opts.Scheduler.Paused,
		maxConcurrent: opts.Scheduler.MaxConcurrentUnits,
		active:        make(map[string]string),
		log:           logger.AddTideSymbol(logger.Logger),
		timeNow:       time.Now,
	}
	s.reserveDone = sync.NewCond(&s.mu)
	return s
}

// Start registers the daily cron entry and begins ticking. Calling Start
// on a running scheduler logs a warning and does nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		s.log.Warnw("scheduler already started, ignoring")
		return nil
	}

	spec := fmt.Sprintf("%d %d * * *", s.opts.Scheduler.CronMinute, s.opts.Scheduler.CronHour)
	if _, err := s.cron.AddFunc(spec, s.runScheduled); err != nil {
		return errors.Wrapf(err, "invalid cron spec %q", spec)
	}
	s.cron.Start()
	s.started = true

	s.log.Infow("scheduler started",
		"cron", spec,
		"max_concurrent_units", s.maxConcurrent,
		"paused", s.paused,
	)
	return nil
}

// Stop halts the cron ticker and waits for in-flight runs to finish. If
// ctx expires first, the runs are cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		s.log.Warnw("scheduler stop timed out, cancelling in-flight runs")
		return ctx.Err()
	}
}

func (s *Scheduler) runScheduled() {
	if _, err := s.TriggerNow(s.rootCtx, JobDaily, nil); err != nil {
		if errors.Is(err, ErrPaused) {
			s.log.Infow("scheduled run skipped, scheduler paused", logger.FieldJobName, JobDaily)
			return
		}
		s.log.Errorw("scheduled run failed to start",
			logger.FieldJobName, JobDaily,
			logger.FieldError, err.Error(),
		)
	}
}

// TriggerNow starts a run for the given job name. The returned run is a
// snapshot taken at start; the units execute in the background. When a run
// for the same job name is already active, its record is returned instead
// of starting a second one. A paused scheduler rejects triggers with
// ErrPaused.
func (s *Scheduler) TriggerNow(ctx context.Context, jobName string, filter *market.UnitFilter) (*progress.RunExecution, error) {
	if s.Paused() {
		return nil, ErrPaused
	}

	s.mu.Lock()
	for {
		id, ok := s.active[jobName]
		if !ok {
			break
		}
		if id != "" {
			s.mu.Unlock()
			s.log.Infow("run already active, returning existing",
				logger.FieldJobName, jobName,
				logger.FieldExecutionID, id,
			)
			return s.store.GetRun(ctx, id)
		}
		// another trigger is between listing units and creating its run;
		// wait for its run ID so the duplicate returns the same run
		s.reserveDone.Wait()
	}
	s.active[jobName] = ""
	s.mu.Unlock()

	workUnits, err := s.source.ListActive(ctx, filter)
	if err != nil {
		s.clearActive(jobName)
		return nil, errors.Wrap(err, "failed to list work units, aborting run")
	}

	var units []market.Unit
	for _, wu := range workUnits {
		units = append(units, wu.Expand()...)
	}

	run := s.store.CreateRun(ctx, jobName, len(units))
	s.mu.Lock()
	s.active[jobName] = run.ID
	s.reserveDone.Broadcast()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearActive(jobName)
		s.executeRun(s.rootCtx, run, units)
	}()

	return run, nil
}

// Wait blocks until all in-flight runs finish. Intended for tests and
// shutdown paths.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) clearActive(jobName string) {
	s.mu.Lock()
	delete(s.active, jobName)
	s.reserveDone.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) executeRun(ctx context.Context, run *progress.RunExecution, units []market.Unit) {
	s.log.Infow("run started",
		logger.FieldExecutionID, run.ID,
		logger.FieldJobName, run.JobName,
		"total_units", len(units),
	)

	for _, unit := range units {
		s.store.RecordUnitTransition(ctx, run.ID, unit.Symbol, unit.Timeframe, progress.UnitPending, 0, "")
	}

	limiter := s.limiters.GetOrCreate(upstreamDependency)
	breaker := s.breakers.GetOrCreate(upstreamDependency)

	results := RunAll(ctx, units, s.MaxConcurrent(), func(ctx context.Context, unit market.Unit) error {
		return s.processUnit(ctx, run.ID, unit, limiter, breaker)
	})

	var succeeded, failed int
	for _, r := range results {
		if r.Err == nil {
			succeeded++
		} else {
			failed++
		}
	}

	status := progress.RunCompleted
	if ctx.Err() != nil {
		status = progress.RunFailed
	}

	// completion uses a fresh context so a cancelled run still gets closed
	if err := s.store.CompleteRun(context.Background(), run.ID, succeeded, failed, status); err != nil {
		s.log.Errorw("failed to close run record",
			logger.FieldExecutionID, run.ID,
			logger.FieldError, err.Error(),
		)
	}

	s.log.Infow("run finished",
		logger.FieldExecutionID, run.ID,
		logger.FieldJobName, run.JobName,
		"succeeded", succeeded,
		"failed", failed,
		"status", string(status),
	)
}

func (s *Scheduler) processUnit(ctx context.Context, runID string, unit market.Unit, limiter *resilience.Limiter, breaker *resilience.Breaker) error {
	s.store.RecordUnitTransition(ctx, runID, unit.Symbol, unit.Timeframe, progress.UnitRunning, 0, "")

	policy := resilience.Policy{
		MaxRetries:   s.opts.Retry.MaxRetries,
		InitialDelay: s.opts.Retry.InitialDelay(),
		MaxDelay:     s.opts.Retry.MaxDelay(),
		Multiplier:   s.opts.Retry.BackoffMultiplier,
	}
	exec := resilience.NewExecutor(policy, limiter, breaker, s.bulkhead)

	dateRange := s.dateRange()
	retries := 0
	err := exec.Execute(ctx, func(attempt int, cause error) {
		retries = attempt
		s.store.RecordUnitTransition(ctx, runID, unit.Symbol, unit.Timeframe,
			progress.UnitRetry, attempt, cause.Error())
	}, func(callCtx context.Context) error {
		_, actionErr := s.action.Execute(callCtx, unit, dateRange)
		return actionErr
	})

	if err == nil {
		s.store.RecordUnitTransition(ctx, runID, unit.Symbol, unit.Timeframe,
			progress.UnitSucceeded, retries, "")
		s.recordOutcome(unit, true, "")
		return nil
	}

	s.store.RecordUnitTransition(ctx, runID, unit.Symbol, unit.Timeframe,
		progress.UnitFailed, retries, err.Error())
	s.log.Warnw("unit failed",
		logger.FieldExecutionID, runID,
		logger.FieldSymbolName, unit.Symbol,
		logger.FieldTimeframe, unit.Timeframe,
		"kind", resilience.KindOf(err).String(),
		logger.FieldError, err.Error(),
	)
	s.recordOutcome(unit, false, err.Error())
	return err
}

// recordOutcome feeds the cross-run failure tracker and dispatches an
// alert when a streak crosses the threshold. Tracker failures only log;
// bookkeeping never fails a unit.
func (s *Scheduler) recordOutcome(unit market.Unit, success bool, lastError string) {
	if s.tracker == nil {
		return
	}
	ctx := context.Background()

	streak, shouldAlert, err := s.tracker.RecordOutcome(ctx, unit.Key(), success)
	if err != nil {
		s.log.Errorw("failed to update failure streak",
			logger.FieldSymbolName, unit.Symbol,
			logger.FieldTimeframe, unit.Timeframe,
			logger.FieldError, err.Error(),
		)
		return
	}

	if !shouldAlert || !s.opts.Alerting.Enabled || s.notifier == nil {
		return
	}

	delivered := s.notifier.Notify(ctx, notify.Alert{
		UnitKey:   unit.Key(),
		Streak:    streak,
		LastError: lastError,
		RaisedAt:  s.timeNow().UTC(),
	})
	if delivered {
		if err := s.tracker.MarkAlertSent(ctx, unit.Key()); err != nil {
			s.log.Errorw("failed to mark alert sent",
				"unit", unit.Key(),
				logger.FieldError, err.Error(),
			)
		}
	}
}

// ReconcileOrphans closes runs left in the running state by a previous
// process. Their unit rows supply the final counters. Returns the number
// of runs closed.
func (s *Scheduler) ReconcileOrphans(ctx context.Context) (int, error) {
	orphans, err := s.store.ActiveRuns(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, run := range orphans {
		units, err := s.store.ListUnitProgress(ctx, run.ID)
		if err != nil {
			return closed, err
		}
		var succeeded, failed int
		for _, u := range units {
			switch u.Status {
			case progress.UnitSucceeded:
				succeeded++
			case progress.UnitFailed:
				failed++
			}
		}
		if err := s.store.CompleteRun(ctx, run.ID, succeeded, failed, progress.RunFailed); err != nil {
			return closed, err
		}
		s.log.Warnw("reconciled orphaned run",
			logger.FieldExecutionID, run.ID,
			logger.FieldJobName, run.JobName,
			"succeeded", succeeded,
			"failed", failed,
		)
		closed++
	}
	return closed, nil
}

// Paused reports whether triggers are currently rejected
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused flips the pause flag. Pausing does not interrupt a run already
// in flight.
func (s *Scheduler) SetPaused(paused bool) {
	s.mu.Lock()
	changed := s.paused != paused
	s.paused = paused
	s.mu.Unlock()
	if changed {
		s.log.Infow("scheduler pause flag changed", "paused", paused)
	}
}

// MaxConcurrent returns the per-run unit concurrency cap
func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxConcurrent
}

// ApplyConfig picks up live-reloadable settings from a fresh config
func (s *Scheduler) ApplyConfig(sc config.SchedulerConfig) {
	s.SetPaused(sc.Paused)
	s.mu.Lock()
	if sc.MaxConcurrentUnits > 0 && sc.MaxConcurrentUnits != s.maxConcurrent {
		s.log.Infow("max concurrent units changed",
			"from", s.maxConcurrent, "to", sc.MaxConcurrentUnits)
		s.maxConcurrent = sc.MaxConcurrentUnits
	}
	s.mu.Unlock()
}

// BreakerSnapshots exposes breaker state for health reporting
func (s *Scheduler) BreakerSnapshots() []resilience.BreakerSnapshot {
	return s.breakers.Snapshots()
}

// BulkheadUsage returns active and total slots of the upstream pool
func (s *Scheduler) BulkheadUsage() (active, capacity int) {
	return s.bulkhead.Active(), s.bulkhead.Capacity()
}

func (s *Scheduler) dateRange() market.DateRange {
	now := s.timeNow().UTC()
	return market.DateRange{
		From: now.AddDate(0, 0, -s.opts.LookbackDays),
		To:   now,
	}
}

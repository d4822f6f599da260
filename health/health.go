// Package health assembles a read-only operational snapshot: last run
// outcome, stale units, recent failures, breaker states, and process
// memory. Reporting never mutates state and tolerates an empty store.
package health

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/logger"
	"github.com/tidemark/tidemark/progress"
	"github.com/tidemark/tidemark/resilience"
)

// BreakerSource exposes breaker state without coupling to the scheduler
type BreakerSource interface {
	BreakerSnapshots() []resilience.BreakerSnapshot
	BulkheadUsage() (active, capacity int)
}

// Report is the full health snapshot served to operators
type Report struct {
	Status              string                         `json:"status"`
	GeneratedAt         time.Time                      `json:"generated_at"`
	LastRun             *progress.RunExecution         `json:"last_run,omitempty"`
	ActiveRuns          int                            `json:"active_runs"`
	StaleUnits          []progress.StaleUnit           `json:"stale_units"`
	RecentFailures      int                            `json:"recent_failures"`
	TotalUnitsMonitored int                            `json:"total_units_monitored"`
	Breakers            []resilience.BreakerSnapshot   `json:"breakers"`
	Bulkhead            BulkheadUsage                  `json:"bulkhead"`
	Memory              *MemoryUsage                   `json:"memory,omitempty"`
	SchedulerPaused     bool                           `json:"scheduler_paused"`
}

// BulkheadUsage reports slot occupancy of the upstream pool
type BulkheadUsage struct {
	Active   int `json:"active"`
	Capacity int `json:"capacity"`
}

// MemoryUsage is the process resident set, in bytes and megabytes
type MemoryUsage struct {
	RSSBytes uint64  `json:"rss_bytes"`
	RSSMB    float64 `json:"rss_mb"`
}

// PausedSource reports whether the scheduler is paused
type PausedSource interface {
	Paused() bool
}

// Reporter builds health reports from the progress store and live
// component state
type Reporter struct {
	db             *sql.DB
	store          *progress.Store
	breakers       BreakerSource
	paused         PausedSource
	stalenessHours int

	log     *zap.SugaredLogger
	timeNow func() time.Time
}

// NewReporter creates a health reporter. breakers and paused may be nil
// when those components are absent.
func NewReporter(db *sql.DB, store *progress.Store, breakers BreakerSource, paused PausedSource, stalenessHours int) *Reporter {
	return &Reporter{
		db:             db,
		store:          store,
		breakers:       breakers,
		paused:         paused,
		stalenessHours: stalenessHours,
		log:            logger.Logger,
		timeNow:        time.Now,
	}
}

// Report assembles the current snapshot. Individual probe failures degrade
// the status to "degraded" rather than failing the whole report.
func (r *Reporter) Report(ctx context.Context) *Report {
	now := r.timeNow().UTC()
	report := &Report{
		Status:      "ok",
		GeneratedAt: now,
		StaleUnits:  []progress.StaleUnit{},
		Breakers:    []resilience.BreakerSnapshot{},
	}

	if last, err := r.lastRun(ctx); err != nil {
		r.degrade(report, "last run", err)
	} else {
		report.LastRun = last
	}

	if active, err := r.store.ActiveRuns(ctx); err != nil {
		r.degrade(report, "active runs", err)
	} else {
		report.ActiveRuns = len(active)
	}

	cutoff := now.Add(-time.Duration(r.stalenessHours) * time.Hour)
	if stale, err := r.store.StaleUnits(ctx, cutoff); err != nil {
		r.degrade(report, "stale units", err)
	} else if stale != nil {
		report.StaleUnits = stale
	}

	if failures, err := r.store.RecentFailureCount(ctx, now.Add(-24*time.Hour)); err != nil {
		r.degrade(report, "recent failures", err)
	} else {
		report.RecentFailures = failures
	}

	if total, err := r.totalUnits(ctx); err != nil {
		r.degrade(report, "monitored units", err)
	} else {
		report.TotalUnitsMonitored = total
	}

	if r.breakers != nil {
		report.Breakers = r.breakers.BreakerSnapshots()
		for _, b := range report.Breakers {
			if b.State == resilience.StateOpen {
				report.Status = "degraded"
			}
		}
		active, capacity := r.breakers.BulkheadUsage()
		report.Bulkhead = BulkheadUsage{Active: active, Capacity: capacity}
	}

	if r.paused != nil {
		report.SchedulerPaused = r.paused.Paused()
	}

	report.Memory = r.memory()
	return report
}

func (r *Reporter) lastRun(ctx context.Context) (*progress.RunExecution, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM run_executions ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find last run")
	}
	return r.store.GetRun(ctx, id)
}

// totalUnits counts schedulable (symbol, timeframe) pairs in the registry
func (r *Reporter) totalUnits(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT timeframes FROM symbols WHERE active = 1")
	if err != nil {
		return 0, errors.Wrap(err, "failed to count monitored units")
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var timeframes string
		if err := rows.Scan(&timeframes); err != nil {
			return 0, errors.Wrap(err, "failed to scan timeframes")
		}
		for _, tf := range strings.Split(timeframes, ",") {
			if strings.TrimSpace(tf) != "" {
				total++
			}
		}
	}
	return total, rows.Err()
}

func (r *Reporter) memory() *MemoryUsage {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return nil
	}
	return &MemoryUsage{
		RSSBytes: info.RSS,
		RSSMB:    float64(info.RSS) / (1024 * 1024),
	}
}

func (r *Reporter) degrade(report *Report, probe string, err error) {
	report.Status = "degraded"
	r.log.Warnw("health probe failed",
		"probe", probe,
		logger.FieldError, err.Error(),
	)
}

package progress

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/logger"
)

// Store persists run executions and unit progress to SQLite. When the
// database rejects a write the store falls back to an in-memory record so
// the run itself is never blocked by the persistence layer.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger

	mu       sync.Mutex
	fallback map[string]*RunExecution

	timeNow func() time.Time
}

// NewStore creates a progress store over an opened database
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		log:      logger.AddDBSymbol(logger.Logger),
		fallback: make(map[string]*RunExecution),
		timeNow:  time.Now,
	}
}

// CreateRun opens a new run execution and returns it. On a persistence
// failure the run is tracked in memory only; the error is logged, not
// returned, so a broken database never prevents a run from starting.
func (s *Store) CreateRun(ctx context.Context, jobName string, totalUnits int) *RunExecution {
	now := s.timeNow().UTC()
	run := &RunExecution{
		ID:         uuid.NewString(),
		JobName:    jobName,
		StartedAt:  now,
		TotalUnits: totalUnits,
		Status:     RunRunning,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_executions (id, job_name, started_at, total_units, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobName, now.Format(time.RFC3339), run.TotalUnits,
		string(run.Status), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		s.log.Errorw("failed to persist run execution, tracking in memory",
			logger.FieldExecutionID, run.ID,
			logger.FieldJobName, jobName,
			logger.FieldError, err.Error(),
		)
		s.mu.Lock()
		s.fallback[run.ID] = run
		s.mu.Unlock()
	}
	return run
}

// CompleteRun closes a run with its terminal status and counters. Only a
// run still in the running state is mutated, so a duplicate completion is
// a no-op. Duration is computed from the stored start time.
func (s *Store) CompleteRun(ctx context.Context, id string, successful, failed int, status RunStatus) error {
	now := s.timeNow().UTC()

	s.mu.Lock()
	if run, ok := s.fallback[id]; ok {
		if run.Status == RunRunning {
			run.Successful = successful
			run.Failed = failed
			run.Status = status
			t := now
			run.CompletedAt = &t
			d := now.Sub(run.StartedAt).Milliseconds()
			run.DurationMS = &d
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var startedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT started_at FROM run_executions WHERE id = ?", id).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError("run execution %s", id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to read run execution")
	}

	var durationMS interface{}
	if start, perr := time.Parse(time.RFC3339, startedAt); perr == nil {
		durationMS = now.Sub(start).Milliseconds()
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE run_executions
		SET completed_at = ?, successful = ?, failed = ?, status = ?, duration_ms = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		now.Format(time.RFC3339), successful, failed, string(status), durationMS,
		now.Format(time.RFC3339), id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to complete run execution")
	}
	return nil
}

// GetRun returns a run execution by ID
func (s *Store) GetRun(ctx context.Context, id string) (*RunExecution, error) {
	s.mu.Lock()
	if run, ok := s.fallback[id]; ok {
		copied := *run
		s.mu.Unlock()
		return &copied, nil
	}
	s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_name, started_at, completed_at, total_units, successful, failed, status, duration_ms
		FROM run_executions WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("run execution %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read run execution")
	}
	return run, nil
}

// ActiveRuns returns all runs still in the running state, oldest first.
// After a crash these are the orphans a restart should reconcile.
func (s *Store) ActiveRuns(ctx context.Context) ([]*RunExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_name, started_at, completed_at, total_units, successful, failed, status, duration_ms
		FROM run_executions WHERE status = 'running' ORDER BY started_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active runs")
	}
	defer rows.Close()

	var runs []*RunExecution
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan run execution")
		}
		runs = append(runs, run)
	}

	s.mu.Lock()
	for _, run := range s.fallback {
		if run.Status == RunRunning {
			copied := *run
			runs = append(runs, &copied)
		}
	}
	s.mu.Unlock()

	// fallback runs land at the tail, so restore start-time order
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})

	return runs, rows.Err()
}

// RecordUnitTransition upserts a unit's state within a run. Writes never
// move a unit backwards: replaying a pending transition over a terminal
// row leaves the row untouched. Persistence failures are logged and
// swallowed so one unit's bookkeeping cannot fail another's work.
func (s *Store) RecordUnitTransition(ctx context.Context, executionID, symbol, timeframe string, status UnitStatus, retryCount int, lastErr string) {
	now := s.timeNow().UTC()
	nowStr := now.Format(time.RFC3339)

	var startedAt, completedAt interface{}
	if status == UnitRunning {
		startedAt = nowStr
	}
	if status == UnitSucceeded || status == UnitFailed {
		completedAt = nowStr
	}

	var lastErrVal interface{}
	if lastErr != "" {
		lastErrVal = lastErr
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO unit_progress (execution_id, symbol, timeframe, status, retry_count, last_error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, symbol, timeframe) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			last_error = COALESCE(excluded.last_error, unit_progress.last_error),
			started_at = COALESCE(unit_progress.started_at, excluded.started_at),
			completed_at = COALESCE(excluded.completed_at, unit_progress.completed_at),
			updated_at = excluded.updated_at
		WHERE `+statusRankSQL+` >= `+currentRankSQL,
		executionID, symbol, timeframe, string(status), retryCount,
		lastErrVal, startedAt, completedAt, nowStr,
	)
	if err != nil {
		s.log.Errorw("failed to record unit transition",
			logger.FieldExecutionID, executionID,
			logger.FieldSymbolName, symbol,
			logger.FieldTimeframe, timeframe,
			"status", string(status),
			logger.FieldError, err.Error(),
		)
	}
}

// SQLite CASE ladders ranking unit statuses for the no-regress guard,
// built from UnitStatus.rank so the two stay in agreement
var (
	statusRankSQL  = rankCaseSQL("excluded.status")
	currentRankSQL = rankCaseSQL("unit_progress.status")
)

func rankCaseSQL(column string) string {
	return fmt.Sprintf(
		"(CASE %s WHEN '%s' THEN %d WHEN '%s' THEN %d WHEN '%s' THEN %d ELSE %d END)",
		column,
		UnitPending, UnitPending.rank(),
		UnitRunning, UnitRunning.rank(),
		UnitRetry, UnitRetry.rank(),
		UnitSucceeded.rank(),
	)
}

// ListUnitProgress returns all unit rows for a run, ordered by symbol and
// timeframe
func (s *Store) ListUnitProgress(ctx context.Context, executionID string) ([]UnitProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, symbol, timeframe, status, retry_count, last_error, started_at, completed_at
		FROM unit_progress WHERE execution_id = ?
		ORDER BY symbol ASC, timeframe ASC`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unit progress")
	}
	defer rows.Close()

	var units []UnitProgress
	for rows.Next() {
		var (
			u                      UnitProgress
			status                 string
			lastErr                sql.NullString
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&u.ExecutionID, &u.Symbol, &u.Timeframe, &status,
			&u.RetryCount, &lastErr, &startedAt, &completedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan unit progress")
		}
		u.Status = UnitStatus(status)
		u.LastError = lastErr.String
		u.StartedAt = parseNullTime(startedAt)
		u.CompletedAt = parseNullTime(completedAt)
		units = append(units, u)
	}
	return units, rows.Err()
}

// StaleUnits returns every unit the registry is tracking whose most recent
// successful completion is before cutoff, including units that have never
// succeeded.
func (s *Store) StaleUnits(ctx context.Context, cutoff time.Time) ([]StaleUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, timeframe, MAX(CASE WHEN status = 'succeeded' THEN completed_at END) AS last_success
		FROM unit_progress
		GROUP BY symbol, timeframe
		HAVING last_success IS NULL OR last_success < ?
		ORDER BY symbol ASC, timeframe ASC`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query stale units")
	}
	defer rows.Close()

	var stale []StaleUnit
	for rows.Next() {
		var (
			unit        StaleUnit
			lastSuccess sql.NullString
		)
		if err := rows.Scan(&unit.Symbol, &unit.Timeframe, &lastSuccess); err != nil {
			return nil, errors.Wrap(err, "failed to scan stale unit")
		}
		unit.LastSuccess = parseNullTime(lastSuccess)
		stale = append(stale, unit)
	}
	return stale, rows.Err()
}

// PruneRuns deletes terminal runs older than the retention window along
// with their unit rows (cascade) and returns the count removed.
func (s *Store) PruneRuns(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.timeNow().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM run_executions
		WHERE status != 'running' AND started_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune run executions")
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		s.log.Infow("pruned old run executions",
			"removed", n,
			"retention_days", retentionDays,
		)
	}
	return n, nil
}

// RecentFailureCount returns unit failures recorded since the given time,
// across all runs
func (s *Store) RecentFailureCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM unit_progress
		WHERE status = 'failed' AND completed_at >= ?`,
		since.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count recent failures")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunExecution, error) {
	var (
		run         RunExecution
		status      string
		startedAt   string
		completedAt sql.NullString
		durationMS  sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.JobName, &startedAt, &completedAt,
		&run.TotalUnits, &run.Successful, &run.Failed, &status, &durationMS)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if t, perr := time.Parse(time.RFC3339, startedAt); perr == nil {
		run.StartedAt = t
	}
	run.CompletedAt = parseNullTime(completedAt)
	if durationMS.Valid {
		d := durationMS.Int64
		run.DurationMS = &d
	}
	return &run, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

package progress

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/errors"
	"github.com/tidemark/tidemark/logger"
)

// FailureTracker maintains consecutive-failure streaks per unit identity
// across runs. A streak crossing the threshold signals an alert exactly
// once; any success resets both the streak and the alert flag.
type FailureTracker struct {
	db        *sql.DB
	threshold int
	log       *zap.SugaredLogger
	timeNow   func() time.Time
}

// NewFailureTracker creates a tracker alerting at the given streak threshold
func NewFailureTracker(db *sql.DB, threshold int) *FailureTracker {
	return &FailureTracker{
		db:        db,
		threshold: threshold,
		log:       logger.AddAlertSymbol(logger.Logger),
		timeNow:   time.Now,
	}
}

// RecordOutcome updates the streak for a unit after its run-level outcome
// is known. It returns the new streak length and whether this outcome is
// the one that should trigger an alert.
func (t *FailureTracker) RecordOutcome(ctx context.Context, unitKey string, success bool) (int, bool, error) {
	now := t.timeNow().UTC().Format(time.RFC3339)

	if success {
		_, err := t.db.ExecContext(ctx, `
			INSERT INTO failure_streaks (unit_key, consecutive_failures, alert_sent, updated_at)
			VALUES (?, 0, 0, ?)
			ON CONFLICT(unit_key) DO UPDATE SET
				consecutive_failures = 0,
				alert_sent = 0,
				updated_at = excluded.updated_at`,
			unitKey, now)
		if err != nil {
			return 0, false, errors.Wrap(err, "failed to reset failure streak")
		}
		return 0, false, nil
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO failure_streaks (unit_key, consecutive_failures, last_failure_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(unit_key) DO UPDATE SET
			consecutive_failures = failure_streaks.consecutive_failures + 1,
			last_failure_at = excluded.last_failure_at,
			updated_at = excluded.updated_at`,
		unitKey, now, now)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to record failure streak")
	}

	var streak, alertSent int
	err = t.db.QueryRowContext(ctx,
		"SELECT consecutive_failures, alert_sent FROM failure_streaks WHERE unit_key = ?",
		unitKey).Scan(&streak, &alertSent)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read failure streak")
	}

	shouldAlert := streak >= t.threshold && alertSent == 0
	if shouldAlert {
		t.log.Warnw("unit crossed failure streak threshold",
			"unit", unitKey,
			"streak", streak,
			"threshold", t.threshold,
		)
	}
	return streak, shouldAlert, nil
}

// MarkAlertSent records that the alert for a unit's current streak went
// out, suppressing duplicates until the streak resets.
func (t *FailureTracker) MarkAlertSent(ctx context.Context, unitKey string) error {
	now := t.timeNow().UTC().Format(time.RFC3339)
	_, err := t.db.ExecContext(ctx,
		"UPDATE failure_streaks SET alert_sent = 1, updated_at = ? WHERE unit_key = ?",
		now, unitKey)
	if err != nil {
		return errors.Wrap(err, "failed to mark alert sent")
	}
	return nil
}

// Streak returns the current consecutive-failure count for a unit, zero
// when the unit has never failed.
func (t *FailureTracker) Streak(ctx context.Context, unitKey string) (int, error) {
	var streak int
	err := t.db.QueryRowContext(ctx,
		"SELECT consecutive_failures FROM failure_streaks WHERE unit_key = ?",
		unitKey).Scan(&streak)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read failure streak")
	}
	return streak, nil
}

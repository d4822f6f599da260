// Package notify delivers operator alerts for units that keep failing.
// Delivery is fire-and-forget: a failed notification is logged and never
// fails the run that raised it.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tidemark/tidemark/logger"
)

// Alert describes a unit that crossed the consecutive-failure threshold
type Alert struct {
	UnitKey   string    `json:"unit_key"`
	Streak    int       `json:"streak"`
	LastError string    `json:"last_error,omitempty"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Notifier delivers alerts to an operator channel. Delivered reports
// whether the alert went out; callers use it to decide whether to mark
// the alert as sent.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) (delivered bool)
}

// LogNotifier writes alerts to the structured log. It is the default
// channel and always reports delivery.
type LogNotifier struct {
	log *zap.SugaredLogger
}

// NewLogNotifier creates a notifier writing to the global logger
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.AddAlertSymbol(logger.Logger)}
}

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) bool {
	n.log.Warnw("unit failing repeatedly",
		"unit", alert.UnitKey,
		"streak", alert.Streak,
		logger.FieldError, alert.LastError,
		"raised_at", alert.RaisedAt.UTC().Format(time.RFC3339),
	)
	return true
}

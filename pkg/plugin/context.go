package plugin

import (
	"time"

	"homerules/internal/condition"
	"homerules/internal/host"
	"homerules/internal/metrics"
	"homerules/internal/notify"

	"go.uber.org/zap"
)

// Context provides dependencies to rule factories.
type Context struct {
	// Host delivers state, events and timers and carries service calls.
	Host host.Host

	// Notifier sends notifications. May be nil when nobody is configured.
	Notifier notify.Notifier

	// Categories resolves notification category names during construction.
	Categories *notify.Registry

	// Metrics records rule activity. A nil value records nothing.
	Metrics *metrics.Metrics

	// Logger is the base logger; rules use logger.Named(ruleName).
	Logger *zap.Logger

	// ReadOnly indicates that service calls are logged instead of sent.
	ReadOnly bool

	// Timezone is used by time conditions.
	Timezone *time.Location
}

// NewContext creates a rule context. Categories defaults to the built-ins.
func NewContext(h host.Host, notifier notify.Notifier, logger *zap.Logger, readOnly bool, timezone *time.Location) *Context {
	if timezone == nil {
		timezone = time.Local
	}
	return &Context{
		Host:       h,
		Notifier:   notifier,
		Categories: notify.NewRegistry(),
		Logger:     logger,
		ReadOnly:   readOnly,
		Timezone:   timezone,
	}
}

// Evaluator returns a condition evaluator reading from the host, with time
// conditions evaluated in the configured timezone
func (c *Context) Evaluator(logger *zap.Logger) *condition.Evaluator {
	now := func() time.Time { return c.Host.Now().In(c.Timezone) }
	return condition.NewEvaluator(c.Host, now, logger)
}

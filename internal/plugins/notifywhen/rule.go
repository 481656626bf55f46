// Package notifywhen implements the notify_when rule: a notification is sent
// when an entity moves from a value matching "from" to one matching "to".
package notifywhen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homerules/internal/condition"
	"homerules/internal/host"
	"homerules/internal/listener"
	"homerules/internal/metrics"
	"homerules/internal/notify"
	"homerules/pkg/plugin"

	"go.uber.org/zap"
)

// Kind is the rules file kind of notify_when rules
const Kind = "notify_when"

// Replacers added to every notification unless configured explicitly
const (
	ReplacerOld = "old_state"
	ReplacerNew = "new_state"
)

// Rule is one running notify_when rule
type Rule struct {
	name      string
	cfg       Config
	host      host.Host
	notifier  notify.Notifier
	evaluator *condition.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu           sync.Mutex
	handle       *listener.Handle
	sent         int
	lastNotified time.Time
}

// New creates a stopped Rule
func New(name string, cfg Config, h host.Host, notifier notify.Notifier, evaluator *condition.Evaluator, m *metrics.Metrics, logger *zap.Logger) *Rule {
	return &Rule{
		name:      name,
		cfg:       cfg,
		host:      h,
		notifier:  notifier,
		evaluator: evaluator,
		metrics:   m,
		logger:    logger.Named("notifywhen").With(zap.String("rule", name)),
	}
}

func (r *Rule) Name() string { return r.name }
func (r *Rule) Kind() string { return Kind }

// Start listens to the entity. Only changes after Start are considered.
func (r *Rule) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle != nil {
		return nil
	}
	opts := host.ListenOptions{Attribute: r.cfg.Attribute}
	h, err := r.host.ListenState(ctx, r.cfg.EntityID, opts, r.handleChange)
	if err != nil {
		return fmt.Errorf("failed to listen to %s: %w", r.cfg.EntityID, err)
	}
	r.handle = h
	r.metrics.RuleStarted()
	r.logger.Info("Starting notify_when rule",
		zap.String("entity_id", r.cfg.EntityID),
		zap.String("category", r.cfg.Notify.Category))
	return nil
}

// Stop cancels the listener
func (r *Rule) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle == nil {
		return nil
	}
	err := r.handle.Cancel(ctx)
	r.handle = nil
	r.metrics.RuleStopped()
	r.logger.Info("Stopped notify_when rule")
	if err != nil {
		return fmt.Errorf("failed to cancel listener of %s: %w", r.name, err)
	}
	return nil
}

func (r *Rule) handleChange(ctx context.Context, entityID, _ string, oldValue, newValue condition.Value) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handle == nil || oldValue.Equal(newValue) {
		return
	}
	if !r.evaluator.Evaluate(ctx, r.cfg.From.Condition(oldValue)) ||
		!r.evaluator.Evaluate(ctx, r.cfg.To.Condition(newValue)) {
		r.logger.Debug("Transition does not match",
			zap.Stringer("old", oldValue),
			zap.Stringer("new", newValue))
		return
	}
	r.metrics.Triggered(r.name, "acted")

	if r.notifier == nil {
		r.logger.Warn("Transition matched but no notifier available")
		return
	}
	req := r.request(oldValue, newValue)
	r.logger.Info("Transition matched, notifying",
		zap.String("entity_id", entityID),
		zap.Stringer("old", oldValue),
		zap.Stringer("new", newValue),
		zap.String("category", req.Category))
	if err := r.notifier.Notify(ctx, req); err != nil {
		r.logger.Error("Failed to notify", zap.Error(err))
		r.metrics.Error(r.name, "notify")
		return
	}
	r.sent++
	r.lastNotified = r.host.Now()
}

func (r *Rule) request(oldValue, newValue condition.Value) notify.Request {
	req := r.cfg.Notify
	req.Replacers = make(map[string]interface{}, len(r.cfg.Notify.Replacers)+2)
	req.Replacers[ReplacerOld] = oldValue.String()
	req.Replacers[ReplacerNew] = newValue.String()
	for k, v := range r.cfg.Notify.Replacers {
		req.Replacers[k] = v
	}
	return req
}

// Status reports the rule's runtime state
func (r *Rule) Status() plugin.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, listeners := "stopped", 0
	if r.handle != nil {
		state, listeners = "listening", 1
	}
	return plugin.Status{
		Name:           r.name,
		Kind:           Kind,
		State:          state,
		Enabled:        r.handle != nil,
		Listeners:      listeners,
		LastTransition: r.lastNotified,
		Detail: map[string]interface{}{
			"entity_id": r.cfg.EntityID,
			"category":  r.cfg.Notify.Category,
			"sent":      r.sent,
		},
	}
}

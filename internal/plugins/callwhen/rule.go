// Package callwhen implements the call_when rule: when a trigger fires and the
// rule's conditions hold, a list of service calls is issued in order.
package callwhen

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homerules/internal/condition"
	"homerules/internal/host"
	"homerules/internal/listener"
	"homerules/internal/metrics"
	"homerules/pkg/plugin"

	"go.uber.org/zap"
)

// Kind is the rules file kind of call_when rules
const Kind = "call_when"

// Rule is one running call_when rule
type Rule struct {
	name      string
	cfg       Config
	host      host.Host
	evaluator *condition.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu        sync.Mutex
	started   bool
	listeners *listener.Set
	fired     int
	blocked   int
	lastFired time.Time
}

// New creates a stopped Rule
func New(name string, cfg Config, h host.Host, evaluator *condition.Evaluator, m *metrics.Metrics, logger *zap.Logger) *Rule {
	return &Rule{
		name:      name,
		cfg:       cfg,
		host:      h,
		evaluator: evaluator,
		metrics:   m,
		logger:    logger.Named("callwhen").With(zap.String("rule", name)),
		listeners: listener.NewSet(),
	}
}

func (r *Rule) Name() string { return r.name }
func (r *Rule) Kind() string { return Kind }

// Start listens to every trigger. A state trigger that already holds fires
// once right away.
func (r *Rule) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	r.logger.Info("Starting call_when rule",
		zap.Int("triggers", len(r.cfg.Triggers)),
		zap.Stringer("condition", r.cfg.Condition),
		zap.Int("calls", len(r.cfg.Calls)))

	for _, t := range r.cfg.Triggers {
		h, err := r.listen(ctx, t)
		if err != nil {
			_ = r.listeners.CancelAll(ctx)
			return fmt.Errorf("failed to listen to trigger %s: %w", t, err)
		}
		r.listeners.Add(ctx, h)
	}
	r.started = true
	r.metrics.RuleStarted()
	return nil
}

func (r *Rule) listen(ctx context.Context, t Trigger) (*listener.Handle, error) {
	if t.Event != "" {
		return r.host.ListenEvent(ctx, t.Event, func(ctx context.Context, eventName string, data map[string]interface{}) {
			r.handleEvent(ctx, t, data)
		})
	}
	state := t.State
	opts := host.ListenOptions{New: &state, Immediate: true}
	return r.host.ListenState(ctx, t.EntityID, opts, func(ctx context.Context, entityID, _ string, oldValue, newValue condition.Value) {
		r.fire(ctx, fmt.Sprintf("%s %s -> %s", entityID, oldValue, newValue))
	})
}

// Stop cancels every trigger listener
func (r *Rule) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}
	r.started = false
	err := r.listeners.CancelAll(ctx)
	r.metrics.RuleStopped()
	r.logger.Info("Stopped call_when rule")
	if err != nil {
		return fmt.Errorf("failed to cancel listeners of %s: %w", r.name, err)
	}
	return nil
}

func (r *Rule) handleEvent(ctx context.Context, t Trigger, data map[string]interface{}) {
	for key, want := range t.EventData {
		got := condition.ValueOf(data[key])
		eq, err := condition.Compare(got, condition.Equal, want)
		if err != nil || !eq {
			r.logger.Debug("Event data does not match",
				zap.String("event", t.Event),
				zap.String("key", key),
				zap.Stringer("want", want),
				zap.Stringer("got", got))
			return
		}
	}
	r.fire(ctx, "event "+t.Event)
}

func (r *Rule) fire(ctx context.Context, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}
	if !r.evaluator.Evaluate(ctx, r.cfg.Condition) {
		r.blocked++
		r.metrics.Triggered(r.name, "blocked")
		r.logger.Info("Triggered but conditions not met", zap.String("source", source))
		return
	}

	r.fired++
	r.lastFired = r.host.Now()
	r.metrics.Triggered(r.name, "acted")
	r.logger.Info("Triggered", zap.String("source", source))
	for _, call := range r.cfg.Calls {
		if err := call.SafeCall(ctx, r.host); err != nil {
			r.logger.Error("Service call failed",
				zap.Stringer("service", call),
				zap.Error(err))
			r.metrics.ServiceCall(r.name, call.String(), "error")
			continue
		}
		r.metrics.ServiceCall(r.name, call.String(), "ok")
	}
}

// Status reports the rule's runtime state
func (r *Rule) Status() plugin.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := "stopped"
	if r.started {
		state = "listening"
	}
	triggers := make([]string, 0, len(r.cfg.Triggers))
	for _, t := range r.cfg.Triggers {
		triggers = append(triggers, t.String())
	}
	return plugin.Status{
		Name:           r.name,
		Kind:           Kind,
		State:          state,
		Enabled:        r.started,
		Listeners:      r.listeners.Len(),
		LastTransition: r.lastFired,
		Detail: map[string]interface{}{
			"triggers": triggers,
			"fired":    r.fired,
			"blocked":  r.blocked,
		},
	}
}

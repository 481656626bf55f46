// Package timeout implements the timeout rule: while a trigger entity holds a
// given state, a countdown runs; pause conditions suspend it and, when it
// elapses, configured service calls and a notification are issued.
package timeout

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

	"github.com/looplab/fsm"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Kind is the rules file kind of timeout rules
const Kind = "timeout"

// States of the countdown
const (
	StateIdle   = "idle"
	StateArmed  = "armed"
	StatePaused = "paused"
)

const (
	eventArm     = "arm"
	eventPause   = "pause"
	eventResume  = "resume"
	eventDisarm  = "disarm"
	eventTimeout = "timeout"
)

// Automation is one running timeout rule. Every handler locks mu, so host
// callbacks and direct calls (Start, Stop, Status) never interleave.
type Automation struct {
	name      string
	cfg       Config
	host      host.Host
	notifier  notify.Notifier
	evaluator *condition.Evaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu             sync.Mutex
	machine        *fsm.FSM
	started        bool
	enabled        bool
	timer          *listener.Handle
	timerGen       uint64
	deadline       time.Time
	pauseListeners *listener.Set
	triggerHandle  *listener.Handle
	flagHandle     *listener.Handle
	lastDuration   time.Duration
	lastTransition time.Time
}

// New creates a stopped Automation
func New(name string, cfg Config, h host.Host, notifier notify.Notifier, evaluator *condition.Evaluator, m *metrics.Metrics, logger *zap.Logger) *Automation {
	a := &Automation{
		name:           name,
		cfg:            cfg,
		host:           h,
		notifier:       notifier,
		evaluator:      evaluator,
		metrics:        m,
		logger:         logger.Named("timeout").With(zap.String("rule", name)),
		enabled:        true,
		pauseListeners: listener.NewSet(),
	}

	a.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventArm, Src: []string{StateIdle}, Dst: StateArmed},
			{Name: eventPause, Src: []string{StateArmed}, Dst: StatePaused},
			{Name: eventResume, Src: []string{StatePaused}, Dst: StateArmed},
			{Name: eventDisarm, Src: []string{StateArmed, StatePaused}, Dst: StateIdle},
			{Name: eventTimeout, Src: []string{StateArmed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.lastTransition = a.host.Now()
				a.metrics.Transition(a.name, e.Src, e.Dst)
				a.logger.Debug("Transition",
					zap.String("event", e.Event),
					zap.String("from", e.Src),
					zap.String("to", e.Dst))
			},
		},
	)
	return a
}

func (a *Automation) Name() string { return a.name }
func (a *Automation) Kind() string { return Kind }

// State returns the current countdown state
func (a *Automation) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.machine.Current()
}

// Start reads the enable flag and listens to the trigger. The trigger's
// current state is delivered immediately, so a rule whose trigger already
// matches arms right away.
func (a *Automation) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return nil
	}
	a.logger.Info("Starting timeout rule",
		zap.String("trigger", a.cfg.Trigger.EntityID),
		zap.String("duration", a.cfg.Duration.String()),
		zap.Int("pause_conditions", len(a.cfg.PauseWhen)))

	if a.cfg.EnabledFlag != "" {
		a.enabled = a.readFlag(ctx)
		h, err := a.host.ListenState(ctx, a.cfg.EnabledFlag, host.ListenOptions{}, a.handleFlagChange)
		if err != nil {
			return fmt.Errorf("failed to listen to enabled flag %s: %w", a.cfg.EnabledFlag, err)
		}
		a.flagHandle = h
	}

	h, err := a.host.ListenState(ctx, a.cfg.Trigger.EntityID, host.ListenOptions{Immediate: true}, a.handleTriggerChange)
	if err != nil {
		if a.flagHandle != nil {
			_ = a.flagHandle.Cancel(ctx)
			a.flagHandle = nil
		}
		return fmt.Errorf("failed to listen to trigger %s: %w", a.cfg.Trigger.EntityID, err)
	}
	a.triggerHandle = h
	a.started = true
	a.metrics.RuleStarted()
	return nil
}

// Stop cancels every listener and the timer without running on_timeout
func (a *Automation) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false
	a.teardown(ctx, eventDisarm, "Rule stopped")

	err := a.triggerHandle.Cancel(ctx)
	if a.flagHandle != nil {
		err = multierr.Append(err, a.flagHandle.Cancel(ctx))
	}
	a.metrics.RuleStopped()
	a.logger.Info("Stopped timeout rule")
	if err != nil {
		return fmt.Errorf("failed to cancel listeners of %s: %w", a.name, err)
	}
	return nil
}

func (a *Automation) readFlag(ctx context.Context) bool {
	v, err := a.host.GetState(ctx, a.cfg.EnabledFlag, "")
	if err != nil {
		a.logger.Warn("Failed to read enabled flag, treating as disabled",
			zap.String("entity_id", a.cfg.EnabledFlag),
			zap.Error(err))
		return false
	}
	enabled, ok := condition.AsBool(v)
	if !ok {
		a.logger.Warn("Enabled flag is not a boolean, treating as disabled",
			zap.String("entity_id", a.cfg.EnabledFlag),
			zap.Stringer("value", v))
		return false
	}
	return enabled
}

func (a *Automation) triggerMatches(v condition.Value) bool {
	if v.IsNull() {
		return false
	}
	eq, err := condition.Compare(v, condition.Equal, a.cfg.Trigger.State)
	return err == nil && eq
}

func (a *Automation) handleTriggerChange(ctx context.Context, entityID, _ string, oldValue, newValue condition.Value) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return
	}
	a.logger.Debug("Trigger changed",
		zap.String("entity_id", entityID),
		zap.Stringer("old", oldValue),
		zap.Stringer("new", newValue))
	a.applyTrigger(ctx, newValue)
}

// applyTrigger arms on a match and disarms otherwise
func (a *Automation) applyTrigger(ctx context.Context, v condition.Value) {
	if a.triggerMatches(v) {
		if !a.enabled || a.machine.Current() != StateIdle {
			return
		}
		a.arm(ctx, "Triggered")
		return
	}
	if a.machine.Current() == StateIdle {
		return
	}
	a.teardown(ctx, eventDisarm, "Trigger no longer met")
}

func (a *Automation) handleFlagChange(ctx context.Context, entityID, _ string, _, newValue condition.Value) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return
	}
	enabled, ok := condition.AsBool(newValue)
	if !ok {
		a.logger.Warn("Enabled flag is not a boolean, treating as disabled",
			zap.String("entity_id", entityID),
			zap.Stringer("value", newValue))
	}
	if enabled == a.enabled {
		return
	}
	a.enabled = enabled

	if !enabled {
		a.logger.Info("Rule disabled", zap.String("flag", entityID))
		if a.machine.Current() != StateIdle {
			a.teardown(ctx, eventDisarm, "Rule disabled")
		}
		return
	}

	a.logger.Info("Rule enabled", zap.String("flag", entityID))
	current, err := a.host.GetState(ctx, a.cfg.Trigger.EntityID, "")
	if err != nil {
		a.logger.Error("Failed to read trigger after enabling",
			zap.String("entity_id", a.cfg.Trigger.EntityID),
			zap.Error(err))
		a.metrics.Error(a.name, "read")
		return
	}
	a.applyTrigger(ctx, current)
}

// arm moves Idle to Armed: installs the pause listeners and starts the timer.
// A duration that cannot be resolved leaves the rule Idle.
func (a *Automation) arm(ctx context.Context, reason string) {
	d, err := a.resolveDuration(ctx)
	if err != nil {
		a.logger.Error("Not arming, duration unavailable", zap.Error(err))
		a.metrics.Error(a.name, "duration")
		return
	}
	if err := a.machine.Event(ctx, eventArm); err != nil {
		a.logger.Debug("Arm rejected", zap.Error(err))
		return
	}
	a.installPauseListeners(ctx)
	a.startTimer(ctx, d, reason)
}

func (a *Automation) resolveDuration(ctx context.Context) (time.Duration, error) {
	d, err := a.cfg.Duration.Resolve(ctx, a.host)
	if err == nil {
		a.lastDuration = d
		return d, nil
	}
	if a.lastDuration > 0 {
		a.logger.Warn("Failed to resolve duration, reusing previous value",
			zap.Duration("duration", a.lastDuration),
			zap.Error(err))
		return a.lastDuration, nil
	}
	return 0, err
}

// installPauseListeners adds one listener per pause entity unless they are
// already installed. Each delivers the current value immediately.
func (a *Automation) installPauseListeners(ctx context.Context) {
	if len(a.cfg.PauseWhen) == 0 || a.pauseListeners.Len() > 0 {
		return
	}
	for _, pw := range a.cfg.PauseWhen {
		entityID := pw.EntityRef.Str()
		h, err := a.host.ListenState(ctx, entityID, host.ListenOptions{Immediate: true}, a.handlePauseChange)
		if err != nil {
			a.logger.Error("Failed to listen to pause entity",
				zap.String("entity_id", entityID),
				zap.Error(err))
			a.metrics.Error(a.name, "listen")
			continue
		}
		a.pauseListeners.Add(ctx, h)
	}
	a.metrics.SetPauseListeners(a.name, a.pauseListeners.Len())
	a.logger.Debug("Pause listeners installed", zap.Int("count", a.pauseListeners.Len()))
}

func (a *Automation) handlePauseChange(ctx context.Context, entityID, _ string, oldValue, newValue condition.Value) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.machine.Current()
	if !a.started || !a.enabled || state == StateIdle {
		return
	}
	a.logger.Debug("Pause entity changed",
		zap.String("entity_id", entityID),
		zap.Stringer("old", oldValue),
		zap.Stringer("new", newValue),
		zap.String("state", state))

	if state == StateArmed {
		if a.pauseConditionFor(ctx, entityID) {
			a.pause(ctx, entityID)
		}
		return
	}

	// Paused: resume only once no pause condition holds
	for _, pw := range a.cfg.PauseWhen {
		if a.evaluator.Evaluate(ctx, pw) {
			return
		}
	}
	a.resume(ctx)
}

func (a *Automation) pauseConditionFor(ctx context.Context, entityID string) bool {
	for _, pw := range a.cfg.PauseWhen {
		if pw.EntityRef.Str() == entityID {
			return a.evaluator.Evaluate(ctx, pw)
		}
	}
	return false
}

func (a *Automation) pause(ctx context.Context, entityID string) {
	if err := a.machine.Event(ctx, eventPause); err != nil {
		a.logger.Debug("Pause rejected", zap.Error(err))
		return
	}
	a.cancelTimer(ctx, "Pause condition met")
	a.logger.Info("Countdown paused", zap.String("entity_id", entityID))
}

// resume restarts the full duration; time elapsed before the pause is not credited
func (a *Automation) resume(ctx context.Context) {
	d, err := a.resolveDuration(ctx)
	if err != nil {
		a.logger.Error("Cannot resume, duration unavailable", zap.Error(err))
		a.metrics.Error(a.name, "duration")
		return
	}
	if err := a.machine.Event(ctx, eventResume); err != nil {
		a.logger.Debug("Resume rejected", zap.Error(err))
		return
	}
	a.startTimer(ctx, d, "Pause condition unmet")
	a.logger.Info("Countdown resumed", zap.Duration("duration", d))
}

func (a *Automation) startTimer(ctx context.Context, d time.Duration, reason string) {
	a.cancelTimer(ctx, reason)

	a.timerGen++
	gen := a.timerGen
	h, err := a.host.RunIn(ctx, d, func(ctx context.Context) { a.handleTimeout(ctx, gen) })
	if err != nil {
		a.logger.Error("Failed to schedule timer", zap.Error(err))
		a.metrics.Error(a.name, "timer")
		return
	}
	a.timer = h
	a.deadline = a.host.Now().Add(d)
	a.logger.Debug("Timer scheduled",
		zap.String("reason", reason),
		zap.Duration("duration", d),
		zap.Time("deadline", a.deadline))
}

func (a *Automation) cancelTimer(ctx context.Context, reason string) {
	if a.timer == nil {
		return
	}
	a.logger.Debug("Cancelling timer", zap.String("reason", reason))
	if err := a.timer.Cancel(ctx); err != nil {
		a.logger.Warn("Failed to cancel timer", zap.Error(err))
	}
	a.timer = nil
	a.deadline = time.Time{}
}

// teardown cancels the timer and every pause listener and moves to Idle
func (a *Automation) teardown(ctx context.Context, event, reason string) {
	a.cancelTimer(ctx, reason)
	if err := a.pauseListeners.CancelAll(ctx); err != nil {
		a.logger.Warn("Failed to cancel pause listeners", zap.Error(err))
	}
	a.metrics.SetPauseListeners(a.name, a.pauseListeners.Len())

	if a.machine.Current() == StateIdle {
		return
	}
	if err := a.machine.Event(ctx, event); err != nil {
		a.logger.Warn("Transition to idle rejected", zap.String("event", event), zap.Error(err))
		a.machine.SetState(StateIdle)
	}
	a.logger.Info("Countdown stopped", zap.String("reason", reason))
}

func (a *Automation) handleTimeout(ctx context.Context, gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// A timer replaced or cancelled after it was queued is stale
	if !a.started || a.timer == nil || gen != a.timerGen {
		return
	}
	a.timer = nil
	a.deadline = time.Time{}
	if a.machine.Current() != StateArmed {
		return
	}

	a.logger.Info("Timed out", zap.Int("service_calls", len(a.cfg.OnTimeout)))
	a.teardown(ctx, eventTimeout, "Timed out")
	a.metrics.TimedOut(a.name)

	for _, call := range a.cfg.OnTimeout {
		a.runServiceCall(ctx, call)
	}
	if a.cfg.Notify != nil {
		a.sendNotification(ctx)
	}

	if a.cfg.ContinueOnTimeout && a.enabled {
		a.arm(ctx, "Continuing after timeout")
	}
}

// runServiceCall isolates failures so later calls still run
func (a *Automation) runServiceCall(ctx context.Context, call host.ServiceCall) {
	if err := call.SafeCall(ctx, a.host); err != nil {
		a.logger.Error("Service call failed",
			zap.Stringer("service", call),
			zap.Error(err))
		a.metrics.ServiceCall(a.name, call.String(), "error")
		return
	}
	a.metrics.ServiceCall(a.name, call.String(), "ok")
	a.logger.Debug("Service called", zap.Stringer("service", call))
}

func (a *Automation) sendNotification(ctx context.Context) {
	if a.notifier == nil {
		a.logger.Warn("Notification configured but no notifier available",
			zap.String("category", a.cfg.Notify.Category))
		return
	}
	if err := a.notifier.Notify(ctx, *a.cfg.Notify); err != nil {
		a.logger.Error("Failed to notify",
			zap.String("category", a.cfg.Notify.Category),
			zap.Error(err))
		a.metrics.Error(a.name, "notify")
	}
}

// Status reports the rule's runtime state
func (a *Automation) Status() plugin.Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	detail := map[string]interface{}{
		"trigger":  a.cfg.Trigger.EntityID,
		"duration": a.cfg.Duration.String(),
	}
	if !a.deadline.IsZero() {
		detail["deadline"] = a.deadline
	}
	return plugin.Status{
		Name:           a.name,
		Kind:           Kind,
		State:          a.machine.Current(),
		Enabled:        a.enabled,
		Listeners:      a.pauseListeners.Len(),
		LastTransition: a.lastTransition,
		Detail:         detail,
	}
}

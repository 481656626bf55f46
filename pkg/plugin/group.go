package plugin

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Group starts and stops a set of rules together and reports their status.
type Group struct {
	mu     sync.RWMutex
	rules  []Rule
	logger *zap.Logger
}

// NewGroup creates a Group over rules
func NewGroup(rules []Rule, logger *zap.Logger) *Group {
	return &Group{rules: rules, logger: logger.Named("rules")}
}

// Rules returns the rules in configuration order
func (g *Group) Rules() []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// Get returns the rule called name, or nil
func (g *Group) Get(name string) Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.rules {
		if r.Name() == name {
			return r
		}
	}
	return nil
}

// Start starts every rule. A rule that fails to start is logged and skipped;
// the failures are returned together once every rule has been tried.
func (g *Group) Start(ctx context.Context) error {
	var errs error
	started := 0
	for _, r := range g.Rules() {
		if err := r.Start(ctx); err != nil {
			g.logger.Error("Failed to start rule",
				zap.String("rule", r.Name()),
				zap.String("kind", r.Kind()),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("start %s: %w", r.Name(), err))
			continue
		}
		started++
	}
	g.logger.Info("Rules started", zap.Int("started", started), zap.Int("total", len(g.rules)))
	return errs
}

// Stop stops every rule in reverse order
func (g *Group) Stop(ctx context.Context) error {
	rules := g.Rules()
	var errs error
	for i := len(rules) - 1; i >= 0; i-- {
		if err := rules[i].Stop(ctx); err != nil {
			g.logger.Warn("Failed to stop rule",
				zap.String("rule", rules[i].Name()),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", rules[i].Name(), err))
		}
	}
	g.logger.Info("Rules stopped", zap.Int("total", len(rules)))
	return errs
}

// StatusOf returns r's status, or its name and kind when it reports none
func StatusOf(r Rule) Status {
	if sp, ok := r.(StatusProvider); ok {
		return sp.Status()
	}
	return Status{Name: r.Name(), Kind: r.Kind(), State: "unknown"}
}

// Statuses returns the status of every rule in configuration order
func (g *Group) Statuses() []Status {
	rules := g.Rules()
	out := make([]Status, 0, len(rules))
	for _, r := range rules {
		out = append(out, StatusOf(r))
	}
	return out
}

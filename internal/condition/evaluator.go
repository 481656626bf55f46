package condition

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StateReader is the read side of the host environment
type StateReader interface {
	// GetState returns the entity's state, or the named attribute when attribute is non-empty.
	// Unknown entities and attributes return Null.
	GetState(ctx context.Context, entityID, attribute string) (Value, error)

	// GetAttributes returns the entity's full attribute record
	GetAttributes(ctx context.Context, entityID string) (map[string]any, error)
}

// Evaluator evaluates parsed conditions against live state
type Evaluator struct {
	reader StateReader
	now    func() time.Time
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator. now supplies the time for TimeCondition.
func NewEvaluator(reader StateReader, now func() time.Time, logger *zap.Logger) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		reader: reader,
		now:    now,
		logger: logger.Named("condition"),
	}
}

// Evaluate reports whether c holds right now. It never fails: read errors are
// logged and the missing operand is treated as null.
func (e *Evaluator) Evaluate(ctx context.Context, c Condition) bool {
	switch cond := c.(type) {
	case AndCondition:
		return e.evaluateAnd(ctx, cond)
	case OrCondition:
		return e.evaluateOr(ctx, cond)
	case StateCondition:
		return e.evaluateState(ctx, cond)
	case HasAttributeCondition:
		return e.evaluateHasAttribute(ctx, cond)
	case TimeCondition:
		return e.evaluateTime(cond)
	case nil:
		return true
	default:
		e.logger.Error("Unsupported condition type", zap.String("condition", c.String()))
		return false
	}
}

// EvaluateAll reports whether every condition holds, stopping at the first that does not
func (e *Evaluator) EvaluateAll(ctx context.Context, conds []Condition) bool {
	return e.evaluateAnd(ctx, AndCondition{Conditions: conds})
}

func (e *Evaluator) evaluateAnd(ctx context.Context, c AndCondition) bool {
	for i, child := range c.Conditions {
		if !e.Evaluate(ctx, child) {
			e.logger.Debug("And condition failed",
				zap.Int("index", i),
				zap.String("condition", child.String()))
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateOr(ctx context.Context, c OrCondition) bool {
	for _, child := range c.Conditions {
		if e.Evaluate(ctx, child) {
			return true
		}
	}
	return false
}

func (e *Evaluator) evaluateState(ctx context.Context, c StateCondition) bool {
	if c.Value == nil {
		return true
	}

	left := c.EntityRef
	if IsEntityID(left) {
		left = e.read(ctx, left.Str(), c.Attribute)
	}

	right := *c.Value
	if IsEntityID(right) {
		right = e.read(ctx, right.Str(), "")
	}

	if left.IsNull() || right.IsNull() {
		e.logger.Debug("Null operand, condition not met",
			zap.String("condition", c.String()),
			zap.Stringer("left", left),
			zap.Stringer("right", right))
		return false
	}

	met, err := Compare(left, c.Comparator, right)
	if err != nil {
		e.logger.Error("Cannot evaluate condition",
			zap.String("condition", c.String()),
			zap.Error(err))
		return false
	}

	e.logger.Debug("Evaluated state condition",
		zap.String("condition", c.String()),
		zap.Stringer("left", left),
		zap.Stringer("right", right),
		zap.Bool("met", met))
	return met
}

func (e *Evaluator) evaluateHasAttribute(ctx context.Context, c HasAttributeCondition) bool {
	attrs, err := e.reader.GetAttributes(ctx, c.EntityID)
	if err != nil {
		e.logger.Warn("Failed to read attributes",
			zap.String("entity_id", c.EntityID),
			zap.Error(err))
		attrs = nil
	}
	_, present := attrs[c.Attribute]
	return present == c.Exists
}

func (e *Evaluator) evaluateTime(c TimeCondition) bool {
	now := e.now()
	if c.Hour != nil && now.Hour() != *c.Hour {
		return false
	}
	if c.Minute != nil && now.Minute() != *c.Minute {
		return false
	}
	if c.Second != nil && now.Second() != *c.Second {
		return false
	}
	return true
}

func (e *Evaluator) read(ctx context.Context, entityID, attribute string) Value {
	v, err := e.reader.GetState(ctx, entityID, attribute)
	if err != nil {
		e.logger.Warn("Failed to read state",
			zap.String("entity_id", entityID),
			zap.String("attribute", attribute),
			zap.Error(err))
		return Null
	}
	return v
}

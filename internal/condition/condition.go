// Package condition evaluates rule conditions against live entity state.
//
// Conditions are parsed once, when a rule is loaded, into one of five concrete
// types. Evaluation resolves entity references through a StateReader, coerces
// both operands to a common kind and applies the comparator.
package condition

import "fmt"

// Comparator is a comparison operator accepted in rule configuration
type Comparator string

const (
	Equal          Comparator = "="
	NotEqual       Comparator = "!="
	LessThan       Comparator = "<"
	LessOrEqual    Comparator = "<="
	GreaterThan    Comparator = ">"
	GreaterOrEqual Comparator = ">="
)

// ValidComparators lists every comparator in configuration order
var ValidComparators = []Comparator{Equal, LessThan, LessOrEqual, GreaterThan, GreaterOrEqual, NotEqual}

// Valid reports whether c is a known comparator
func (c Comparator) Valid() bool {
	_, ok := operators[c]
	return ok
}

// Condition is a parsed rule condition. The set of implementations is closed.
type Condition interface {
	fmt.Stringer
	isCondition()
}

// StateCondition compares an entity state (or attribute) with a value. Either
// side may be an entity reference, resolved at evaluation time. A nil Value
// means there is nothing to compare against and the condition always holds.
type StateCondition struct {
	EntityRef  Value
	Attribute  string
	Comparator Comparator
	Value      *Value
}

// HasAttributeCondition holds when the entity's attribute presence matches Exists
type HasAttributeCondition struct {
	EntityID  string
	Attribute string
	Exists    bool
}

// TimeCondition matches the clock on whichever fields are set
type TimeCondition struct {
	Hour   *int
	Minute *int
	Second *int
}

// AndCondition holds when every child holds. An empty list holds.
type AndCondition struct {
	Conditions []Condition
}

// OrCondition holds when any child holds. An empty list does not hold.
type OrCondition struct {
	Conditions []Condition
}

func (StateCondition) isCondition()        {}
func (HasAttributeCondition) isCondition() {}
func (TimeCondition) isCondition()         {}
func (AndCondition) isCondition()          {}
func (OrCondition) isCondition()           {}

func (c StateCondition) String() string {
	left := c.EntityRef.String()
	if c.Attribute != "" {
		left += "." + c.Attribute
	}
	if c.Value == nil {
		return left
	}
	return fmt.Sprintf("%s %s %s", left, c.Comparator, c.Value.String())
}

func (c HasAttributeCondition) String() string {
	return fmt.Sprintf("has_attribute(%s.%s) == %t", c.EntityID, c.Attribute, c.Exists)
}

func (c TimeCondition) String() string {
	field := func(p *int) string {
		if p == nil {
			return "*"
		}
		return fmt.Sprintf("%02d", *p)
	}
	return fmt.Sprintf("time(%s:%s:%s)", field(c.Hour), field(c.Minute), field(c.Second))
}

func (c AndCondition) String() string {
	return fmt.Sprintf("and(%d)", len(c.Conditions))
}

func (c OrCondition) String() string {
	return fmt.Sprintf("or(%d)", len(c.Conditions))
}

// compareFunc receives operands already coerced to a common kind
type compareFunc func(a, b Value) bool

var operators = map[Comparator]compareFunc{
	Equal:          func(a, b Value) bool { return a.Equal(b) },
	NotEqual:       func(a, b Value) bool { return !a.Equal(b) },
	LessThan:       func(a, b Value) bool { c, ok := order(a, b); return ok && c < 0 },
	LessOrEqual:    func(a, b Value) bool { c, ok := order(a, b); return ok && c <= 0 },
	GreaterThan:    func(a, b Value) bool { c, ok := order(a, b); return ok && c > 0 },
	GreaterOrEqual: func(a, b Value) bool { c, ok := order(a, b); return ok && c >= 0 },
}

// Compare applies comparator to a and b after coercion. Unknown comparators
// and operands that cannot be ordered compare false.
func Compare(a Value, cmp Comparator, b Value) (bool, error) {
	op, ok := operators[cmp]
	if !ok {
		return false, fmt.Errorf("unknown comparator %q", cmp)
	}
	ca, cb := Coerce(a, b)
	return op(ca, cb), nil
}

func order(a, b Value) (int, bool) {
	if a.kind != b.kind {
		return 0, false
	}
	switch a.kind {
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1, true
		case a.n > b.n:
			return 1, true
		}
		return 0, true
	case KindString:
		switch {
		case a.s < b.s:
			return -1, true
		case a.s > b.s:
			return 1, true
		}
		return 0, true
	case KindBool:
		ai, bi := boolRank(a.b), boolRank(b.b)
		return ai - bi, true
	}
	return 0, false
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

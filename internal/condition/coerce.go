package condition

import (
	"strconv"
	"strings"
)

// coercion is one step of the pipeline. ok=false means the step declines and
// the next one is tried.
type coercion func(a, b Value) (Value, Value, bool)

var coercions = []coercion{
	coerceNull,
	coerceSameKind,
	coerceBool,
	coerceNumeric,
	coerceSecondToFirst,
	coerceFirstToSecond,
}

// Coerce converts a and b to a common kind so they can be compared. The steps
// run in order and the first that succeeds wins:
//
//  1. either side null: both become null
//  2. same kind: unchanged
//  3. either side bool: both become bool
//  4. both parse as numbers: both become numbers
//  5. b is cast to the kind of a
//  6. a is cast to the kind of b
//
// When every step declines the originals are returned unchanged.
func Coerce(a, b Value) (Value, Value) {
	for _, step := range coercions {
		if ca, cb, ok := step(a, b); ok {
			return ca, cb
		}
	}
	return a, b
}

func coerceNull(a, b Value) (Value, Value, bool) {
	if a.IsNull() || b.IsNull() {
		return Null, Null, true
	}
	return a, b, false
}

func coerceSameKind(a, b Value) (Value, Value, bool) {
	return a, b, a.kind == b.kind
}

func coerceBool(a, b Value) (Value, Value, bool) {
	if a.kind != KindBool && b.kind != KindBool {
		return a, b, false
	}
	ba, ok := toBool(a)
	if !ok {
		return a, b, false
	}
	bb, ok := toBool(b)
	if !ok {
		return a, b, false
	}
	return Bool(ba), Bool(bb), true
}

func coerceNumeric(a, b Value) (Value, Value, bool) {
	na, ok := toNumber(a)
	if !ok {
		return a, b, false
	}
	nb, ok := toNumber(b)
	if !ok {
		return a, b, false
	}
	return Number(na), Number(nb), true
}

func coerceSecondToFirst(a, b Value) (Value, Value, bool) {
	cb, ok := castTo(b, a.kind)
	return a, cb, ok
}

func coerceFirstToSecond(a, b Value) (Value, Value, bool) {
	ca, ok := castTo(a, b.kind)
	return ca, b, ok
}

func castTo(v Value, kind Kind) (Value, bool) {
	if v.kind == kind {
		return v, true
	}
	switch kind {
	case KindString:
		return String(v.String()), true
	case KindNumber:
		n, ok := toNumber(v)
		return Number(n), ok
	case KindBool:
		b, ok := toBool(v)
		return Bool(b), ok
	default:
		return v, false
	}
}

// toBool mirrors the truthy/falsy spellings Home Assistant uses for states.
func toBool(v Value) (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindNumber:
		return v.n != 0, true
	case KindString:
		switch strings.ToLower(strings.TrimSpace(v.s)) {
		case "on", "true", "yes", "y", "1", "enable", "enabled":
			return true, true
		case "off", "false", "no", "n", "0", "disable", "disabled":
			return false, true
		}
	}
	return false, false
}

func toNumber(v Value) (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.n, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// AsBool converts v using the same spellings Coerce accepts
func AsBool(v Value) (bool, bool) {
	return toBool(v)
}

// AsNumber converts a number or numeric string
func AsNumber(v Value) (float64, bool) {
	return toNumber(v)
}

package condition

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	keyEntityID   = "entity_id"
	keyAttribute  = "attribute"
	keyComparator = "comparator"
	keyValue      = "value"
	keyExists     = "exists"
	keyHour       = "hour"
	keyMinute     = "minute"
	keySecond     = "second"
	keyAnd        = "and"
	keyOr         = "or"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Parse builds a Condition from a decoded YAML/JSON value. A list is treated as
// an implicit "and". Unknown keys are ignored.
func Parse(raw any) (Condition, error) {
	switch v := raw.(type) {
	case nil:
		return AndCondition{}, nil
	case []any:
		children, err := parseList(v)
		if err != nil {
			return nil, err
		}
		return AndCondition{Conditions: children}, nil
	case map[string]any:
		return parseMap(v)
	default:
		return nil, fmt.Errorf("condition must be a mapping or a list, got %T", raw)
	}
}

func parseList(items []any) ([]Condition, error) {
	out := make([]Condition, 0, len(items))
	for i, item := range items {
		c, err := Parse(item)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseMap(m map[string]any) (Condition, error) {
	_, hasAnd := m[keyAnd]
	_, hasOr := m[keyOr]

	switch {
	case hasAnd && hasOr:
		return nil, fmt.Errorf("condition cannot have both %q and %q", keyAnd, keyOr)
	case hasAnd:
		children, err := parseChildren(m[keyAnd])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyAnd, err)
		}
		return AndCondition{Conditions: children}, nil
	case hasOr:
		children, err := parseChildren(m[keyOr])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", keyOr, err)
		}
		return OrCondition{Conditions: children}, nil
	}

	if _, ok := m[keyExists]; ok {
		return parseHasAttribute(m)
	}
	if _, ok := m[keyEntityID]; ok {
		return parseState(m)
	}
	_, hasHour := m[keyHour]
	_, hasMinute := m[keyMinute]
	_, hasSecond := m[keySecond]
	if hasHour || hasMinute || hasSecond {
		return parseTime(m)
	}

	return nil, fmt.Errorf("unrecognised condition with keys %v", sortedKeys(m))
}

func parseChildren(raw any) ([]Condition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return parseList(v)
	default:
		c, err := Parse(v)
		if err != nil {
			return nil, err
		}
		return []Condition{c}, nil
	}
}

func parseState(m map[string]any) (Condition, error) {
	entityID, err := requireEntityID(m)
	if err != nil {
		return nil, err
	}

	attribute, err := optionalSlug(m, keyAttribute)
	if err != nil {
		return nil, err
	}

	cmp := Equal
	if raw, ok := m[keyComparator]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok || !Comparator(s).Valid() {
			return nil, fmt.Errorf("invalid comparator %v, expected one of %v", raw, ValidComparators)
		}
		cmp = Comparator(s)
	}

	c := StateCondition{
		EntityRef:  String(entityID),
		Attribute:  attribute,
		Comparator: cmp,
	}
	if raw, ok := m[keyValue]; ok {
		v := ValueOf(raw)
		c.Value = &v
	}
	return c, nil
}

func parseHasAttribute(m map[string]any) (Condition, error) {
	entityID, err := requireEntityID(m)
	if err != nil {
		return nil, err
	}
	attribute, err := optionalSlug(m, keyAttribute)
	if err != nil {
		return nil, err
	}
	if attribute == "" {
		return nil, fmt.Errorf("%q is required with %q", keyAttribute, keyExists)
	}
	exists, ok := toBool(ValueOf(m[keyExists]))
	if !ok {
		return nil, fmt.Errorf("%q must be a boolean, got %v", keyExists, m[keyExists])
	}
	return HasAttributeCondition{EntityID: entityID, Attribute: attribute, Exists: exists}, nil
}

func parseTime(m map[string]any) (Condition, error) {
	var c TimeCondition
	var err error
	if c.Hour, err = optionalInt(m, keyHour, 0, 23); err != nil {
		return nil, err
	}
	if c.Minute, err = optionalInt(m, keyMinute, 0, 59); err != nil {
		return nil, err
	}
	if c.Second, err = optionalInt(m, keySecond, 0, 59); err != nil {
		return nil, err
	}
	return c, nil
}

func requireEntityID(m map[string]any) (string, error) {
	raw, ok := m[keyEntityID]
	if !ok {
		return "", fmt.Errorf("%q is required", keyEntityID)
	}
	s, ok := raw.(string)
	if !ok || !IsEntityIDString(s) {
		return "", fmt.Errorf("%q is not a valid entity id: %v", keyEntityID, raw)
	}
	return s, nil
}

func optionalSlug(m map[string]any, key string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s := ValueOf(raw).String()
	if !slugPattern.MatchString(s) {
		return "", fmt.Errorf("%q must be lowercase letters, digits and underscores: %q", key, s)
	}
	return s, nil
}

func optionalInt(m map[string]any, key string, lo, hi int) (*int, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	n, ok := toNumber(ValueOf(raw))
	if !ok || n != math.Trunc(n) {
		return nil, fmt.Errorf("%q must be an integer, got %v", key, raw)
	}
	i := int(n)
	if i < lo || i > hi {
		return nil, fmt.Errorf("%q must be between %d and %d, got %d", key, lo, hi, i)
	}
	return &i, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Node decodes a condition (or list of conditions) from YAML so rule configs can
// embed one directly.
type Node struct {
	Condition Condition
}

func (n *Node) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c, err := Parse(raw)
	if err != nil {
		return err
	}
	n.Condition = c
	return nil
}

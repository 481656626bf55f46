package notifywhen

import (
	"homerules/internal/condition"
	"homerules/internal/config"
	"homerules/internal/notify"

	"gopkg.in/yaml.v3"
)

// Match is one side of a transition: the value compared against Value with Comparator
type Match struct {
	Comparator condition.Comparator
	Value      condition.Value
}

// Condition returns the StateCondition testing v, a literal left operand
func (m Match) Condition(v condition.Value) condition.StateCondition {
	value := m.Value
	return condition.StateCondition{
		EntityRef:  v,
		Comparator: m.Comparator,
		Value:      &value,
	}
}

// Config is the validated configuration of a notify_when rule
type Config struct {
	EntityID  string
	Attribute string
	From      Match
	To        Match
	Notify    notify.Request
}

type rawMatch struct {
	Comparator string    `yaml:"comparator"`
	Value      yaml.Node `yaml:"value"`
}

type rawConfig struct {
	EntityID  string          `yaml:"entity_id"`
	Attribute string          `yaml:"attribute"`
	From      *rawMatch       `yaml:"from"`
	To        *rawMatch       `yaml:"to"`
	Notify    *notify.Request `yaml:"notify"`
}

// ParseConfig decodes and validates a rule entry. categories, when set, is
// used to check the notify category.
func ParseConfig(name string, node *yaml.Node, categories *notify.Registry) (Config, error) {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return Config{}, config.Wrap(name, "", err)
	}

	if !condition.IsEntityIDString(raw.EntityID) {
		return Config{}, config.Errorf(name, "entity_id", "invalid entity id %q", raw.EntityID)
	}
	cfg := Config{EntityID: raw.EntityID, Attribute: raw.Attribute}

	var err error
	if cfg.From, err = parseMatch(name, "from", raw.From); err != nil {
		return Config{}, err
	}
	if cfg.To, err = parseMatch(name, "to", raw.To); err != nil {
		return Config{}, err
	}

	if raw.Notify == nil || raw.Notify.Category == "" {
		return Config{}, config.Errorf(name, "notify.category", "is required")
	}
	if categories != nil {
		if _, ok := categories.Category(raw.Notify.Category); !ok {
			return Config{}, config.Errorf(name, "notify.category", "unknown category %q", raw.Notify.Category)
		}
	}
	if raw.Notify.ResponseEntityID != "" && !condition.IsEntityIDString(raw.Notify.ResponseEntityID) {
		return Config{}, config.Errorf(name, "notify.response_entity_id", "invalid entity id %q", raw.Notify.ResponseEntityID)
	}
	cfg.Notify = *raw.Notify
	return cfg, nil
}

func parseMatch(name, field string, raw *rawMatch) (Match, error) {
	if raw == nil {
		return Match{}, config.Errorf(name, field, "is required")
	}
	m := Match{Comparator: condition.Equal}
	if raw.Comparator != "" {
		m.Comparator = condition.Comparator(raw.Comparator)
	}
	if !m.Comparator.Valid() {
		return Match{}, config.Errorf(name, field+".comparator", "unknown comparator %q", raw.Comparator)
	}
	if raw.Value.Kind == 0 {
		return Match{}, config.Errorf(name, field+".value", "is required")
	}
	var v interface{}
	if err := raw.Value.Decode(&v); err != nil {
		return Match{}, config.Wrap(name, field+".value", err)
	}
	m.Value = condition.ValueOf(v)
	return m, nil
}

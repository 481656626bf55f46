package timeout

import (
	"context"
	"fmt"
	"math"
	"time"

	"homerules/internal/condition"
	"homerules/internal/config"
	"homerules/internal/host"
	"homerules/internal/notify"

	"gopkg.in/yaml.v3"
)

// Trigger arms the rule while EntityID's state equals State
type Trigger struct {
	EntityID string
	State    condition.Value
}

// Duration is a literal number of minutes or an entity holding one
type Duration struct {
	Minutes  float64
	EntityID string
}

func (d Duration) String() string {
	if d.EntityID != "" {
		return d.EntityID
	}
	return fmt.Sprintf("%gm", d.Minutes)
}

// maxMinutes bounds the countdown; a time.Duration holds strictly less
const maxMinutes = float64(math.MaxInt64) / float64(time.Minute)

// Resolve returns the countdown length, reading the entity when configured
func (d Duration) Resolve(ctx context.Context, reader condition.StateReader) (time.Duration, error) {
	minutes := d.Minutes
	if d.EntityID != "" {
		v, err := reader.GetState(ctx, d.EntityID, "")
		if err != nil {
			return 0, err
		}
		n, ok := condition.AsNumber(v)
		if !ok {
			return 0, fmt.Errorf("%s is %s, not a number of minutes", d.EntityID, v)
		}
		minutes = n
	}
	if minutes <= 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return 0, fmt.Errorf("duration must be positive, got %v minutes", minutes)
	}
	if minutes >= maxMinutes {
		return 0, fmt.Errorf("duration of %v minutes is too long", minutes)
	}
	return time.Duration(minutes * float64(time.Minute)), nil
}

// Config is the validated configuration of a timeout rule
type Config struct {
	Trigger           Trigger
	PauseWhen         []condition.StateCondition
	Duration          Duration
	OnTimeout         []host.ServiceCall
	EnabledFlag       string
	Notify            *notify.Request
	ContinueOnTimeout bool
}

type rawPauseWhen struct {
	EntityID   string    `yaml:"entity_id"`
	Comparator string    `yaml:"comparator"`
	Value      yaml.Node `yaml:"value"`
}

type rawConfig struct {
	Trigger *struct {
		EntityID string    `yaml:"entity_id"`
		State    yaml.Node `yaml:"state"`
	} `yaml:"trigger"`
	PauseWhen         []rawPauseWhen     `yaml:"pause_when"`
	Duration          yaml.Node          `yaml:"duration"`
	OnTimeout         []host.ServiceCall `yaml:"on_timeout"`
	EnabledFlag       string             `yaml:"enabled_flag"`
	Notify            *notify.Request    `yaml:"notify"`
	ContinueOnTimeout bool               `yaml:"continue_on_timeout"`
}

// ParseConfig decodes and validates a rule entry. categories, when set, is
// used to check the notify category.
func ParseConfig(name string, node *yaml.Node, categories *notify.Registry) (Config, error) {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return Config{}, config.Wrap(name, "", err)
	}

	var cfg Config
	if raw.Trigger == nil {
		return Config{}, config.Errorf(name, "trigger", "is required")
	}
	if !condition.IsEntityIDString(raw.Trigger.EntityID) {
		return Config{}, config.Errorf(name, "trigger.entity_id", "invalid entity id %q", raw.Trigger.EntityID)
	}
	cfg.Trigger.EntityID = raw.Trigger.EntityID
	cfg.Trigger.State = condition.String("on")
	if present(&raw.Trigger.State) {
		v, err := nodeValue(&raw.Trigger.State)
		if err != nil {
			return Config{}, config.Wrap(name, "trigger.state", err)
		}
		cfg.Trigger.State = v
	}

	// Keyed by entity: a later entry replaces an earlier one in place
	index := make(map[string]int)
	for i, pw := range raw.PauseWhen {
		field := fmt.Sprintf("pause_when[%d]", i)
		if !condition.IsEntityIDString(pw.EntityID) {
			return Config{}, config.Errorf(name, field+".entity_id", "invalid entity id %q", pw.EntityID)
		}
		cmp := condition.Equal
		if pw.Comparator != "" {
			cmp = condition.Comparator(pw.Comparator)
		}
		if !cmp.Valid() {
			return Config{}, config.Errorf(name, field+".comparator", "unknown comparator %q", pw.Comparator)
		}
		if !present(&pw.Value) {
			return Config{}, config.Errorf(name, field+".value", "is required")
		}
		v, err := nodeValue(&pw.Value)
		if err != nil {
			return Config{}, config.Wrap(name, field+".value", err)
		}

		c := condition.StateCondition{
			EntityRef:  condition.String(pw.EntityID),
			Comparator: cmp,
			Value:      &v,
		}
		if j, ok := index[pw.EntityID]; ok {
			cfg.PauseWhen[j] = c
			continue
		}
		index[pw.EntityID] = len(cfg.PauseWhen)
		cfg.PauseWhen = append(cfg.PauseWhen, c)
	}

	d, err := parseDuration(&raw.Duration)
	if err != nil {
		return Config{}, config.Wrap(name, "duration", err)
	}
	cfg.Duration = d

	for i, call := range raw.OnTimeout {
		if err := call.Validate(); err != nil {
			return Config{}, config.Wrap(name, fmt.Sprintf("on_timeout[%d]", i), err)
		}
	}
	cfg.OnTimeout = raw.OnTimeout

	if raw.EnabledFlag != "" && !condition.IsEntityIDString(raw.EnabledFlag) {
		return Config{}, config.Errorf(name, "enabled_flag", "invalid entity id %q", raw.EnabledFlag)
	}
	cfg.EnabledFlag = raw.EnabledFlag

	if raw.Notify != nil {
		if raw.Notify.Category == "" {
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
		cfg.Notify = raw.Notify
	}
	cfg.ContinueOnTimeout = raw.ContinueOnTimeout

	return cfg, nil
}

// present reports whether a key was set; an absent key decodes to a zero Node
func present(node *yaml.Node) bool {
	return node.Kind != 0
}

func parseDuration(node *yaml.Node) (Duration, error) {
	if !present(node) {
		return Duration{}, fmt.Errorf("is required")
	}
	if node.Kind != yaml.ScalarNode {
		return Duration{}, fmt.Errorf("must be minutes or an entity id")
	}
	switch node.Tag {
	case "!!int", "!!float":
		var minutes float64
		if err := node.Decode(&minutes); err != nil {
			return Duration{}, err
		}
		if minutes <= 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
			return Duration{}, fmt.Errorf("must be positive, got %v", minutes)
		}
		if minutes >= maxMinutes {
			return Duration{}, fmt.Errorf("%v minutes is too long", minutes)
		}
		return Duration{Minutes: minutes}, nil
	}
	if !condition.IsEntityIDString(node.Value) {
		return Duration{}, fmt.Errorf("%q is neither minutes nor an entity id", node.Value)
	}
	return Duration{EntityID: node.Value}, nil
}

func nodeValue(node *yaml.Node) (condition.Value, error) {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return condition.Null, err
	}
	return condition.ValueOf(v), nil
}

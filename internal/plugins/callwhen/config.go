package callwhen

import (
	"fmt"

	"homerules/internal/condition"
	"homerules/internal/config"
	"homerules/internal/host"

	"gopkg.in/yaml.v3"
)

// Trigger is either a state trigger (EntityID reaching State) or an event
// trigger (Event fired with a payload containing EventData)
type Trigger struct {
	EntityID  string
	State     condition.Value
	Event     string
	EventData map[string]condition.Value
}

func (t Trigger) String() string {
	if t.Event != "" {
		return "event:" + t.Event
	}
	return t.EntityID + "=" + t.State.String()
}

// Config is the validated configuration of a call_when rule
type Config struct {
	Triggers  []Trigger
	Condition condition.Condition
	Calls     []host.ServiceCall
}

type rawTrigger struct {
	EntityID  string                 `yaml:"entity_id"`
	State     yaml.Node              `yaml:"state"`
	Event     string                 `yaml:"event"`
	EventData map[string]interface{} `yaml:"event_data"`
}

type rawConfig struct {
	Trigger   yaml.Node       `yaml:"trigger"`
	Condition *condition.Node `yaml:"condition"`
	Call      yaml.Node       `yaml:"call"`
}

// ParseConfig decodes and validates a rule entry. trigger and call accept a
// single mapping or a list.
func ParseConfig(name string, node *yaml.Node) (Config, error) {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return Config{}, config.Wrap(name, "", err)
	}

	var triggers []rawTrigger
	if err := decodeList(&raw.Trigger, &triggers); err != nil {
		return Config{}, config.Wrap(name, "trigger", err)
	}
	if len(triggers) == 0 {
		return Config{}, config.Errorf(name, "trigger", "is required")
	}

	var cfg Config
	for i, rt := range triggers {
		t, err := buildTrigger(rt)
		if err != nil {
			return Config{}, config.Wrap(name, fmt.Sprintf("trigger[%d]", i), err)
		}
		cfg.Triggers = append(cfg.Triggers, t)
	}

	cfg.Condition = condition.AndCondition{}
	if raw.Condition != nil && raw.Condition.Condition != nil {
		cfg.Condition = raw.Condition.Condition
	}

	if err := decodeList(&raw.Call, &cfg.Calls); err != nil {
		return Config{}, config.Wrap(name, "call", err)
	}
	if len(cfg.Calls) == 0 {
		return Config{}, config.Errorf(name, "call", "is required")
	}
	for i, call := range cfg.Calls {
		if err := call.Validate(); err != nil {
			return Config{}, config.Wrap(name, fmt.Sprintf("call[%d]", i), err)
		}
	}
	return cfg, nil
}

func buildTrigger(rt rawTrigger) (Trigger, error) {
	switch {
	case rt.EntityID != "" && rt.Event != "":
		return Trigger{}, fmt.Errorf("entity_id and event are mutually exclusive")
	case rt.Event != "":
		t := Trigger{Event: rt.Event}
		if len(rt.EventData) > 0 {
			t.EventData = make(map[string]condition.Value, len(rt.EventData))
			for k, v := range rt.EventData {
				t.EventData[k] = condition.ValueOf(v)
			}
		}
		return t, nil
	case rt.EntityID != "":
		if !condition.IsEntityIDString(rt.EntityID) {
			return Trigger{}, fmt.Errorf("invalid entity id %q", rt.EntityID)
		}
		t := Trigger{EntityID: rt.EntityID, State: condition.String("on")}
		if rt.State.Kind != 0 {
			var v interface{}
			if err := rt.State.Decode(&v); err != nil {
				return Trigger{}, fmt.Errorf("state: %w", err)
			}
			t.State = condition.ValueOf(v)
		}
		return t, nil
	default:
		return Trigger{}, fmt.Errorf("entity_id or event is required")
	}
}

// decodeList decodes a sequence into out, or a single mapping as a one
// element sequence. An absent node leaves out empty.
func decodeList[T any](node *yaml.Node, out *[]T) error {
	switch node.Kind {
	case 0:
		return nil
	case yaml.SequenceNode:
		return node.Decode(out)
	case yaml.MappingNode:
		var item T
		if err := node.Decode(&item); err != nil {
			return err
		}
		*out = []T{item}
		return nil
	default:
		return fmt.Errorf("must be a mapping or a list")
	}
}

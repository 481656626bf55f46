// Package config loads the process environment and the rules file.
package config

import (
	"fmt"
	"os"

	"homerules/internal/notify"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// RulesFile is the top level of rules.yaml
type RulesFile struct {
	Timezone string       `yaml:"timezone"`
	Notify   NotifyConfig `yaml:"notify"`
	Rules    []RuleConfig `yaml:"rules"`
}

// NotifyConfig lists notification recipients and extra categories/actions
type NotifyConfig struct {
	People     []notify.Person   `yaml:"people"`
	Categories []notify.Category `yaml:"categories"`
	Actions    []notify.Action   `yaml:"actions"`
}

// RuleConfig is one entry of the rules list. Node keeps the whole entry so
// the factory of Kind can decode its own fields.
type RuleConfig struct {
	Name string
	Kind string
	Node yaml.Node
}

func (r *RuleConfig) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Name string `yaml:"name"`
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}
	r.Name = head.Name
	r.Kind = head.Kind
	r.Node = *node
	return nil
}

// Registry builds the notification registry: built-ins plus configured
// actions and categories
func (n NotifyConfig) Registry() (*notify.Registry, error) {
	registry := notify.NewRegistry()
	var errs error
	for _, a := range n.Actions {
		errs = multierr.Append(errs, registry.RegisterAction(a))
	}
	for _, c := range n.Categories {
		errs = multierr.Append(errs, registry.Register(c))
	}
	if errs != nil {
		return nil, fmt.Errorf("invalid notify config: %w", errs)
	}
	return registry, nil
}

// Loader reads and validates a rules file
type Loader struct {
	path   string
	logger *zap.Logger
	rules  *RulesFile
}

// NewLoader creates a Loader for the rules file at path
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger.Named("config"),
	}
}

// Load reads the rules file
func (l *Loader) Load() (*RulesFile, error) {
	l.logger.Debug("Loading rules file", zap.String("path", l.path))

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	rules, err := Parse(data)
	if err != nil {
		return nil, err
	}

	l.rules = rules
	l.logger.Info("Rules file loaded successfully",
		zap.String("path", l.path),
		zap.Int("rules", len(rules.Rules)),
		zap.Int("people", len(rules.Notify.People)))
	return rules, nil
}

// Rules returns the last loaded rules file
func (l *Loader) Rules() *RulesFile {
	return l.rules
}

// Parse decodes and validates rules file content. Every problem is reported,
// not just the first.
func Parse(data []byte) (*RulesFile, error) {
	var rules RulesFile
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	var errs error
	seen := make(map[string]bool)
	for i, r := range rules.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i+1)
			errs = multierr.Append(errs, Errorf(name, "name", "is required"))
		}
		if r.Kind == "" {
			errs = multierr.Append(errs, Errorf(name, "kind", "is required"))
		}
		if r.Name != "" && seen[r.Name] {
			errs = multierr.Append(errs, Errorf(name, "name", "duplicate rule name"))
		}
		seen[r.Name] = true
	}
	for _, p := range rules.Notify.People {
		if p.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("notify: person without name"))
		}
		for _, c := range p.Channels {
			if !c.Valid() {
				errs = multierr.Append(errs, fmt.Errorf("notify: person %s: unknown channel %q", p.Name, c))
			}
		}
	}
	if errs != nil {
		return nil, errs
	}
	return &rules, nil
}

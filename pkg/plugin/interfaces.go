// Package plugin provides the rule interfaces and the registry of rule kinds.
// Kinds register themselves with the global registry from init() functions;
// each entry of the rules file is then built by the factory of its kind.
package plugin

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is a configured automation instance.
type Rule interface {
	// Name returns the rule name from the rules file.
	Name() string

	// Kind returns the kind the rule was built by.
	Kind() string

	// Start installs the rule's listeners and evaluates its trigger
	// against current state.
	Start(ctx context.Context) error

	// Stop cancels every listener and timer the rule holds.
	Stop(ctx context.Context) error
}

// Status is a point-in-time view of a rule for the status API.
type Status struct {
	Name           string                 `json:"name"`
	Kind           string                 `json:"kind"`
	State          string                 `json:"state"`
	Enabled        bool                   `json:"enabled"`
	Listeners      int                    `json:"listeners"`
	LastTransition time.Time              `json:"last_transition,omitempty"`
	Detail         map[string]interface{} `json:"detail,omitempty"`
}

// StatusProvider is an optional interface for rules that expose runtime state.
type StatusProvider interface {
	Status() Status
}

// Factory builds a rule called name from its rules file entry. Configuration
// problems are returned as *config.ConfigError.
type Factory func(ctx *Context, name string, node *yaml.Node) (Rule, error)

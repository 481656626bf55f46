package plugin

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Priority constants for kind registration.
// Higher priority values override lower priority kinds with the same name.
const (
	// PriorityDefault is the default priority for built-in kinds.
	PriorityDefault = 0

	// PriorityOverride lets a private implementation replace a built-in kind.
	PriorityOverride = 100
)

// KindInfo contains metadata about a registered rule kind.
type KindInfo struct {
	// Kind is the value of the "kind" key in the rules file.
	Kind string

	// Description is a human-readable description of the kind.
	Description string

	// Priority determines which registration wins for the same kind.
	Priority int

	// Factory builds rules of this kind.
	Factory Factory
}

// Spec is one rule to build: its name, kind and raw configuration.
type Spec struct {
	Name string
	Kind string
	Node *yaml.Node
}

// Registry maps rule kinds to their factories.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[string]KindInfo
	order  []string
	logger *zap.Logger
}

// NewRegistry creates a new kind registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		kinds:  make(map[string]KindInfo),
		order:  make([]string, 0),
		logger: logger,
	}
}

// Register adds a kind to the registry.
// If the kind already exists, the registration with higher priority wins.
// If priorities are equal, the later registration wins.
func (r *Registry) Register(info KindInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Kind == "" {
		return fmt.Errorf("kind cannot be empty")
	}

	if info.Factory == nil {
		return fmt.Errorf("kind %s: factory cannot be nil", info.Kind)
	}

	existing, exists := r.kinds[info.Kind]
	if exists {
		if info.Priority < existing.Priority {
			r.logger.Debug("Kind registration skipped",
				zap.String("kind", info.Kind),
				zap.Int("priority", info.Priority),
				zap.Int("existing_priority", existing.Priority))
			return nil
		}
		r.logger.Debug("Kind being overridden",
			zap.String("kind", info.Kind),
			zap.Int("from", existing.Priority),
			zap.Int("to", info.Priority))
	}

	r.kinds[info.Kind] = info
	if !exists {
		r.order = append(r.order, info.Kind)
	}

	r.logger.Debug("Kind registered",
		zap.String("kind", info.Kind),
		zap.Int("priority", info.Priority),
		zap.String("description", info.Description))
	return nil
}

// Get returns the info for a kind, or nil if not found.
func (r *Registry) Get(kind string) *KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.kinds[kind]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered kinds sorted by name.
func (r *Registry) List() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]KindInfo, 0, len(r.kinds))
	for _, kind := range r.order {
		result = append(result, r.kinds[kind])
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Kind < result[j].Kind
	})
	return result
}

// Create builds one rule.
func (r *Registry) Create(ctx *Context, spec Spec) (Rule, error) {
	info := r.Get(spec.Kind)
	if info == nil {
		return nil, fmt.Errorf("rule %q: unknown kind %q", spec.Name, spec.Kind)
	}
	node := spec.Node
	if node == nil {
		node = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	return info.Factory(ctx, spec.Name, node)
}

// CreateAll builds every rule in specs order. All construction errors are
// reported together; no rule is returned if any failed.
func (r *Registry) CreateAll(ctx *Context, specs []Spec) ([]Rule, error) {
	result := make([]Rule, 0, len(specs))
	var errs error

	for _, spec := range specs {
		rule, err := r.Create(ctx, spec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		result = append(result, rule)
	}

	if errs != nil {
		return nil, errs
	}
	return result, nil
}

// Kinds returns the registered kinds in registration order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered kinds. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.kinds = make(map[string]KindInfo)
	r.order = make([]string, 0)
}

// Global registry instance
var globalRegistry = NewRegistry(nil)

// Register adds a kind to the global registry.
// This is typically called from init() functions in rule packages.
func Register(info KindInfo) error {
	return globalRegistry.Register(info)
}

// Get returns kind info from the global registry.
func Get(kind string) *KindInfo {
	return globalRegistry.Get(kind)
}

// List returns all kinds from the global registry.
func List() []KindInfo {
	return globalRegistry.List()
}

// Create builds a rule using the global registry.
func Create(ctx *Context, spec Spec) (Rule, error) {
	return globalRegistry.Create(ctx, spec)
}

// CreateAll builds rules using the global registry.
func CreateAll(ctx *Context, specs []Spec) ([]Rule, error) {
	return globalRegistry.CreateAll(ctx, specs)
}

// Kinds returns all kinds from the global registry.
func Kinds() []string {
	return globalRegistry.Kinds()
}

// ClearGlobal clears the global registry. Useful for testing.
func ClearGlobal() {
	globalRegistry.Clear()
}

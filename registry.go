package modelq

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a name-keyed store of model descriptors. A process-wide
// default exists; isolated instances can be constructed for tests.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Descriptor
}

// NewRegistry creates an empty, isolated registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Descriptor)}
}

// DefaultRegistry is the process-wide registry used by descriptors
// that were not registered anywhere explicitly.
var DefaultRegistry = NewRegistry()

// Register adds a model to the registry and stamps the registry onto
// the descriptor so relation traversal can resolve targets later.
// Registering a name twice fails with ErrDuplicateModel.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[d.Name]; exists {
		return fmt.Errorf("model %q: %w", d.Name, ErrDuplicateModel)
	}
	if d.PrimaryKey == "" {
		d.PrimaryKey = DefaultPrimaryKey
	}
	d.registry = r
	r.models[d.Name] = d
	return nil
}

// Get returns a registered descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[name]
	return d, ok
}

// Names returns the registered model names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks relation integrity for every registered model and
// wires reverse accessors: for each forward relation field, the target
// model gains an accessor (named by the field's ReverseName, or
// "<model>_set") yielding the declaring model's entities that
// reference it. Declared reverse fields must point Via at an existing
// forward relation on the target. Wiring checks existence first, so
// re-running Validate is harmless.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.sortedNames() {
		d := r.models[name]
		for fieldName, f := range d.Fields {
			if f.Type != TypeRelation && f.Type != TypeReverse && f.Type != TypeManyToMany {
				continue
			}
			target, ok := r.models[f.To]
			if !ok {
				return fmt.Errorf("model %q field %q target %q: %w",
					d.Name, fieldName, f.To, ErrRelatedModelNotFound)
			}
			if f.Type == TypeReverse {
				via, defined := target.Fields[f.Via]
				if !defined || via.Type != TypeRelation {
					return fmt.Errorf("model %q field %q via %q: %w",
						d.Name, fieldName, f.Via, ErrInvalidRelationField)
				}
				continue
			}
			if f.Type != TypeRelation {
				continue
			}

			accessor := f.ReverseName
			if accessor == "" {
				accessor = d.Name + "_set"
			}
			if target.reverse == nil {
				target.reverse = make(map[string]reverseRelation)
			}
			if _, defined := target.reverse[accessor]; !defined {
				target.reverse[accessor] = reverseRelation{source: d, via: fieldName}
			}
		}
	}
	return nil
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a model to the process-wide default registry.
func Register(d *Descriptor) error { return DefaultRegistry.Register(d) }

package modelq

import (
	"fmt"
	"sort"
)

// DefaultPrimaryKey is the primary key attribute name used when a
// descriptor does not override it.
const DefaultPrimaryKey = "id"

// reverseRelation is a wired reverse accessor: the model declaring
// the forward relation and the field it points through. Entries are
// installed on the target descriptor at registry validation.
type reverseRelation struct {
	source *Descriptor
	via    string
}

// Descriptor is the explicit model descriptor: the field table plus
// the collaborators (backend, signal bus, observer, registry) an
// entity needs. Entities hold a descriptor instead of relying on
// class-level dispatch.
type Descriptor struct {
	// Name identifies the model inside a registry.
	Name string

	// PrimaryKey is the designated key attribute. Defaults to "id".
	PrimaryKey string

	// Fields is the declared field table, keyed by attribute name.
	Fields map[string]Field

	// Backend executes queries and persists entities for this model.
	Backend Backend

	// Signals receives lifecycle notifications. Optional.
	Signals SignalBus

	// Observer receives query measurements. Optional.
	Observer Observer

	// Clean is an optional cross-field validation hook run after the
	// per-field validators during FullClean.
	Clean func(*Entity) error

	registry *Registry
	reverse  map[string]reverseRelation
}

// reverseSource returns the declaring model behind a wired reverse
// accessor name.
func (d *Descriptor) reverseSource(name string) (*Descriptor, bool) {
	rel, ok := d.reverse[name]
	return rel.source, ok
}

// NewDescriptor creates a descriptor with the default primary key.
// A nil field table infers fields lazily from the first normalized
// record.
func NewDescriptor(name string, fields map[string]Field) *Descriptor {
	return &Descriptor{
		Name:       name,
		PrimaryKey: DefaultPrimaryKey,
		Fields:     fields,
	}
}

// Objects returns the model's default queryset.
func (d *Descriptor) Objects() *QuerySet {
	return NewQuerySet(d, d.Backend)
}

// FieldNames returns the declared field names in stable order.
func (d *Descriptor) FieldNames() []string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry returns the registry this descriptor was registered in, or
// the process default.
func (d *Descriptor) Registry() *Registry {
	if d.registry != nil {
		return d.registry
	}
	return DefaultRegistry
}

// relatedDescriptor resolves a relation field's target model.
func (d *Descriptor) relatedDescriptor(f Field) (*Descriptor, error) {
	target, ok := d.Registry().Get(f.To)
	if !ok {
		return nil, fmt.Errorf("model %q target %q: %w", d.Name, f.To, ErrRelatedModelNotFound)
	}
	return target, nil
}

// Schema compiles the flat map from field name to validator,
// recursively inlining nested-model schemas. A model under
// construction is cached immediately so self-referential and mutually
// nested models do not recurse forever.
func (d *Descriptor) Schema() map[string]ValidatorFunc {
	return d.buildSchema(make(map[string]map[string]ValidatorFunc))
}

func (d *Descriptor) buildSchema(cache map[string]map[string]ValidatorFunc) map[string]ValidatorFunc {
	if s, ok := cache[d.Name]; ok {
		return s
	}
	schema := make(map[string]ValidatorFunc, len(d.Fields))
	cache[d.Name] = schema

	for name, f := range d.Fields {
		switch {
		case f.Type == TypeNested && f.Nested != nil:
			nested := f.Nested.buildSchema(cache)
			schema[name] = nestedValidator(nested)
		case f.Validate != nil:
			schema[name] = f.Validate
		}
	}
	return schema
}

// Describe returns a JSON-ready description of the field table, one
// entry per field with its kind and declaration details.
func (d *Descriptor) Describe() map[string]any {
	fields := make(map[string]any, len(d.Fields))
	for _, name := range d.FieldNames() {
		f := d.Fields[name]
		entry := map[string]any{"type": string(f.Type)}
		if f.Required {
			entry["required"] = true
		}
		if f.Default != nil {
			entry["default"] = f.Default
		}
		if len(f.Values) > 0 {
			entry["values"] = f.Values
		}
		if f.To != "" {
			entry["to"] = f.To
		}
		if f.Via != "" {
			entry["via"] = f.Via
		}
		if f.Type == TypeNested && f.Nested != nil {
			entry["nested"] = f.Nested.Name
		}
		fields[name] = entry
	}
	return map[string]any{
		"name":        d.Name,
		"primary_key": d.PrimaryKey,
		"fields":      fields,
	}
}

// nestedValidator runs a nested model's schema against an embedded
// value. The schema map is captured by reference so cyclic schemas
// read their final contents at validation time.
func nestedValidator(schema map[string]ValidatorFunc) ValidatorFunc {
	return func(v any) error {
		var attrs map[string]any
		switch nested := v.(type) {
		case nil:
			return nil
		case *Entity:
			attrs = nested.attrs
		case map[string]any:
			attrs = nested
		default:
			return fmt.Errorf("expected nested record, got %T", v)
		}
		for name, validate := range schema {
			value, ok := attrs[name]
			if !ok || value == nil {
				continue
			}
			if err := validate(value); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	}
}

package modelq

import (
	"context"
	"fmt"
)

// Entity is one record of a model: a normalized attribute map plus the
// descriptor it belongs to. Entities are value holders; persistence
// belongs to the queryset and backend.
type Entity struct {
	desc  *Descriptor
	attrs map[string]any
}

// New creates an empty entity of the model.
func (d *Descriptor) New() *Entity {
	return &Entity{desc: d, attrs: make(map[string]any)}
}

// NewFrom creates an entity from raw data, applying normalization.
func (d *Descriptor) NewFrom(raw map[string]any) (*Entity, error) {
	attrs, err := d.NormalizeAttrs(raw)
	if err != nil {
		return nil, err
	}
	return &Entity{desc: d, attrs: attrs}, nil
}

// NormalizeAttrs converts raw data to the internal representation:
// every declared field with a value present is converted via its
// ToInternal; nested-model fields recursively construct (or pass
// through) an entity of the nested model; absent fields stay unset
// unless the field declares a default. Normalization is idempotent.
// Keys without a field declaration are carried through untouched.
func (d *Descriptor) NormalizeAttrs(raw map[string]any) (map[string]any, error) {
	if d.Fields == nil {
		d.Fields = InferFields(raw)
	}

	attrs := make(map[string]any, len(raw))
	for k, v := range raw {
		attrs[k] = v
	}

	for name, f := range d.Fields {
		v, ok := attrs[name]
		if !ok {
			if f.Default != nil {
				attrs[name] = f.Default
			}
			continue
		}

		if f.Type == TypeNested && f.Nested != nil {
			nested, err := normalizeNested(f.Nested, v)
			if err != nil {
				return nil, &ValidationError{Model: d.Name, Field: name, Err: err}
			}
			attrs[name] = nested
			continue
		}

		if f.ToInternal != nil {
			converted, err := f.ToInternal(v)
			if err != nil {
				return nil, &ValidationError{Model: d.Name, Field: name, Err: err}
			}
			attrs[name] = converted
		}
	}
	return attrs, nil
}

func normalizeNested(nested *Descriptor, v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case *Entity:
		return value, nil
	case map[string]any:
		return nested.NewFrom(value)
	}
	return nil, fmt.Errorf("expected nested record, got %T", v)
}

// Descriptor returns the model descriptor of the entity.
func (e *Entity) Descriptor() *Descriptor { return e.desc }

// Attr returns a single attribute. It satisfies the match package's
// value source so filters can traverse entities.
func (e *Entity) Attr(name string) (any, bool) {
	v, ok := e.attrs[name]
	return v, ok
}

// Get returns an attribute value, or nil when unset.
func (e *Entity) Get(name string) any { return e.attrs[name] }

// Set assigns an attribute value.
func (e *Entity) Set(name string, v any) {
	if e.attrs == nil {
		e.attrs = make(map[string]any)
	}
	e.attrs[name] = v
}

// Attrs returns a shallow copy of the attribute map.
func (e *Entity) Attrs() map[string]any {
	out := make(map[string]any, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

// PK returns the entity's primary key value, if set.
func (e *Entity) PK() (any, bool) {
	v, ok := e.attrs[e.desc.PrimaryKey]
	if !ok || v == nil || v == "" {
		return nil, false
	}
	return v, true
}

// SetPK assigns the primary key attribute.
func (e *Entity) SetPK(v any) { e.Set(e.desc.PrimaryKey, v) }

// Clone returns an independent copy of the entity. Structured
// attribute values (maps, slices, nested entities) are copied
// recursively, so mutating a clone never reaches the original.
func (e *Entity) Clone() *Entity {
	attrs := make(map[string]any, len(e.attrs))
	for k, v := range e.attrs {
		attrs[k] = copyValue(v)
	}
	return &Entity{desc: e.desc, attrs: attrs}
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case *Entity:
		return t.Clone()
	}
	return v
}

// Normalize re-applies attribute normalization in place.
func (e *Entity) Normalize() error {
	attrs, err := e.desc.NormalizeAttrs(e.attrs)
	if err != nil {
		return err
	}
	e.attrs = attrs
	return nil
}

// FullClean validates every attribute against the compiled schema,
// failing on the first offending field, then runs the descriptor's
// Clean hook for cross-field checks.
func (e *Entity) FullClean() error {
	schema := e.desc.Schema()
	for _, name := range e.desc.FieldNames() {
		f := e.desc.Fields[name]
		v, ok := e.attrs[name]
		if !ok || v == nil {
			if f.Required {
				return &ValidationError{Model: e.desc.Name, Field: name, Err: fmt.Errorf("field is required")}
			}
			continue
		}
		validate, ok := schema[name]
		if !ok {
			continue
		}
		if err := validate(v); err != nil {
			return &ValidationError{Model: e.desc.Name, Field: name, Err: err}
		}
	}
	if e.desc.Clean != nil {
		return e.desc.Clean(e)
	}
	return nil
}

// Save normalizes and validates the entity, then persists it through
// the model's backend, emitting pre_save and post_save around the
// write. A validation failure aborts the save before any write.
func (e *Entity) Save(ctx context.Context) error {
	return e.save(ctx, true)
}

// SaveSkipValidation persists without running FullClean.
func (e *Entity) SaveSkipValidation(ctx context.Context) error {
	return e.save(ctx, false)
}

func (e *Entity) save(ctx context.Context, validate bool) error {
	if e.desc.Backend == nil {
		return fmt.Errorf("save %s: %w", e.desc.Name, ErrNoBackend)
	}
	if err := e.Normalize(); err != nil {
		return err
	}
	if validate {
		if err := e.FullClean(); err != nil {
			return err
		}
	}
	e.emit(ctx, PreSave)
	if err := e.desc.Backend.Save(ctx, e); err != nil {
		return err
	}
	e.emit(ctx, PostSave)
	return nil
}

// Delete removes the entity through the model's backend, emitting
// pre_delete and post_delete around the removal.
func (e *Entity) Delete(ctx context.Context) error {
	if e.desc.Backend == nil {
		return fmt.Errorf("delete %s: %w", e.desc.Name, ErrNoBackend)
	}
	e.emit(ctx, PreDelete)
	if err := e.desc.Backend.Delete(ctx, e); err != nil {
		return err
	}
	e.emit(ctx, PostDelete)
	return nil
}

func (e *Entity) emit(ctx context.Context, signal string) {
	if e.desc.Signals != nil {
		e.desc.Signals.Emit(ctx, signal, e.desc, e)
	}
}

// Related resolves a forward relation field to its target entity.
// An unset or dangling reference yields (nil, nil), not an error.
func (e *Entity) Related(ctx context.Context, name string) (*Entity, error) {
	f, ok := e.desc.Fields[name]
	if !ok || f.Type != TypeRelation {
		return nil, fmt.Errorf("%s.%s: %w", e.desc.Name, name, ErrInvalidRelationField)
	}
	target, err := e.desc.relatedDescriptor(f)
	if err != nil {
		return nil, err
	}
	id, ok := foreignKey(target, e.attrs[name])
	if !ok {
		return nil, nil
	}
	return target.Objects().Filter(Filter{target.PrimaryKey: Lookup{"exact": id}}).First(ctx)
}

// RelatedMany resolves a reverse or many-to-many field to a queryset,
// postponing execution so callers can narrow it further.
func (e *Entity) RelatedMany(name string) (*QuerySet, error) {
	if f, ok := e.desc.Fields[name]; ok {
		switch f.Type {
		case TypeReverse:
			target, err := e.desc.relatedDescriptor(f)
			if err != nil {
				return nil, err
			}
			pk, _ := e.PK()
			return target.Objects().Filter(referenceFilter(f.Via, e.desc.PrimaryKey, pk)), nil
		case TypeManyToMany:
			target, err := e.desc.relatedDescriptor(f)
			if err != nil {
				return nil, err
			}
			return target.Objects().Filter(Filter{
				target.PrimaryKey: Lookup{"in": foreignKeys(target, e.attrs[name])},
			}), nil
		}
		return nil, fmt.Errorf("%s.%s: %w", e.desc.Name, name, ErrInvalidRelationField)
	}
	if rel, ok := e.desc.reverse[name]; ok {
		pk, _ := e.PK()
		return rel.source.Objects().Filter(referenceFilter(rel.via, e.desc.PrimaryKey, pk)), nil
	}
	return nil, fmt.Errorf("%s.%s: %w", e.desc.Name, name, ErrInvalidRelationField)
}

// Export converts the entity to its external representation, applying
// each field's ToExternal and expanding nested entities and prefetched
// collections.
func (e *Entity) Export() (map[string]any, error) {
	out := make(map[string]any, len(e.attrs))
	for name, v := range e.attrs {
		exported, err := exportValue(e.desc, name, v)
		if err != nil {
			return nil, fmt.Errorf("export %s.%s: %w", e.desc.Name, name, err)
		}
		out[name] = exported
	}
	return out, nil
}

func exportValue(d *Descriptor, name string, v any) (any, error) {
	switch value := v.(type) {
	case *Entity:
		return value.Export()
	case []*Entity:
		exported := make([]any, 0, len(value))
		for _, nested := range value {
			m, err := nested.Export()
			if err != nil {
				return nil, err
			}
			exported = append(exported, m)
		}
		return exported, nil
	}
	if f, ok := d.Fields[name]; ok && f.ToExternal != nil {
		return f.ToExternal(v)
	}
	return v, nil
}

// foreignKey extracts the referenced key from a stored relation value,
// supporting both the bare-key and object-with-key conventions.
func foreignKey(target *Descriptor, v any) (any, bool) {
	switch ref := v.(type) {
	case nil:
		return nil, false
	case *Entity:
		return ref.PK()
	case map[string]any:
		id, ok := ref[target.PrimaryKey]
		return id, ok && id != nil
	}
	return v, true
}

func foreignKeys(target *Descriptor, v any) []any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	keys := make([]any, 0, len(list))
	for _, item := range list {
		if id, ok := foreignKey(target, item); ok {
			keys = append(keys, id)
		}
	}
	return keys
}

// referenceFilter matches entities whose `via` field references the
// given key, under either storage convention: a bare key matches the
// OR branch, an object-with-key matches the dotted field path.
func referenceFilter(via, pk string, key any) Filter {
	return Filter{
		via + "." + pk: Lookup{"exact": key},
		Or:             Filter{via: Lookup{"exact": key}},
	}
}

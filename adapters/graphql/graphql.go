// Package graphql provides a network query backend that compiles a
// model's field tree into a GraphQL selection document and executes it
// over HTTP. Mutations are an explicit extension point: unless the
// integrator supplies them, Save and Delete fail loudly with
// modelq.ErrNotImplemented.
package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/artpar/modelq"
)

// Mutator is the optional write surface. Integrators whose schemas
// expose mutations implement it and attach it with WithMutator.
type Mutator interface {
	Save(ctx context.Context, e *modelq.Entity) error
	Delete(ctx context.Context, e *modelq.Entity) error
}

// Backend is a GraphQL implementation of modelq.Backend.
type Backend struct {
	client  *Client
	logger  zerolog.Logger
	mutator Mutator

	// queryField maps a model to the top-level query field name.
	queryField func(d *modelq.Descriptor) string
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithMutator enables Save and Delete.
func WithMutator(m Mutator) Option {
	return func(b *Backend) { b.mutator = m }
}

// WithQueryField overrides the model-to-query-field mapping. The
// default uses the model name as-is.
func WithQueryField(fn func(d *modelq.Descriptor) string) Option {
	return func(b *Backend) { b.queryField = fn }
}

// New creates a backend over the given transport.
func New(client *Client, opts ...Option) *Backend {
	b := &Backend{
		client:     client,
		logger:     zerolog.Nop(),
		queryField: func(d *modelq.Descriptor) string { return d.Name },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Query builds and executes the selection document for the model,
// passing the normalized filter, ordering and pagination as variables,
// then resolves the relation joins locally.
func (b *Backend) Query(ctx context.Context, d *modelq.Descriptor, opts modelq.Options) ([]*modelq.Entity, error) {
	field := b.queryField(d)
	doc := BuildDocument(d, field, opts.Only)

	variables := map[string]any{}
	if len(opts.Filter) > 0 {
		variables["filter"] = opts.Filter
	}
	if len(opts.Order) > 0 {
		variables["orderBy"] = orderInput(opts.Order)
	}
	if opts.Page.Limit > 0 {
		variables["limit"] = opts.Page.Limit
	}
	if opts.Page.Offset > 0 {
		variables["offset"] = opts.Page.Offset
	}

	b.logger.Debug().Str("model", d.Name).Str("field", field).Msg("executing graphql query")

	data, err := b.client.Do(ctx, doc, variables)
	if err != nil {
		return nil, err
	}
	payload, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("graphql: response missing field %q", field)
	}

	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", field, err)
	}

	results := make([]*modelq.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := d.NewFrom(row)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}

	if err := modelq.ResolveRelations(ctx, d, opts, results); err != nil {
		return nil, err
	}
	return results, nil
}

// Save delegates to the configured mutator, or fails with
// ErrNotImplemented.
func (b *Backend) Save(ctx context.Context, e *modelq.Entity) error {
	if b.mutator == nil {
		return fmt.Errorf("graphql save %s: %w", e.Descriptor().Name, modelq.ErrNotImplemented)
	}
	return b.mutator.Save(ctx, e)
}

// Delete delegates to the configured mutator, or fails with
// ErrNotImplemented.
func (b *Backend) Delete(ctx context.Context, e *modelq.Entity) error {
	if b.mutator == nil {
		return fmt.Errorf("graphql delete %s: %w", e.Descriptor().Name, modelq.ErrNotImplemented)
	}
	return b.mutator.Delete(ctx, e)
}

// BuildDocument renders the query document for one model: a single
// top-level field taking filter, ordering and pagination variables,
// with the selection set compiled from the field tree.
func BuildDocument(d *modelq.Descriptor, field string, only []string) string {
	var sb strings.Builder
	sb.WriteString("query($filter: JSON, $orderBy: [OrderBy!], $limit: Int, $offset: Int) { ")
	sb.WriteString(field)
	sb.WriteString("(filter: $filter, orderBy: $orderBy, limit: $limit, offset: $offset) ")
	writeSelection(&sb, d, only, map[string]bool{d.Name: true})
	sb.WriteString(" }")
	return sb.String()
}

// writeSelection renders the selection set for a descriptor:
// scalar fields by name, nested models expanded recursively, forward
// relations narrowed to the target key. Reverse and many-to-many
// fields resolve through prefetch, not selection. A per-branch name
// set breaks cycles.
func writeSelection(sb *strings.Builder, d *modelq.Descriptor, only []string, seen map[string]bool) {
	include := func(string) bool { return true }
	if len(only) > 0 {
		allowed := make(map[string]bool, len(only))
		for _, f := range only {
			allowed[f] = true
		}
		include = func(name string) bool { return allowed[name] || name == d.PrimaryKey }
	}

	sb.WriteString("{")
	for _, name := range selectionFields(d) {
		if !include(name) {
			continue
		}
		f := d.Fields[name]
		if f.Type == modelq.TypeNested && (f.Nested == nil || seen[f.Nested.Name]) {
			continue
		}
		sb.WriteString(" ")
		switch f.Type {
		case modelq.TypeNested:
			sb.WriteString(name + " ")
			branch := copySeen(seen)
			branch[f.Nested.Name] = true
			writeSelection(sb, f.Nested, nil, branch)
		case modelq.TypeRelation:
			key := modelq.DefaultPrimaryKey
			if target, ok := d.Registry().Get(f.To); ok {
				key = target.PrimaryKey
			}
			fmt.Fprintf(sb, "%s { %s }", name, key)
		default:
			sb.WriteString(name)
		}
	}
	sb.WriteString(" }")
}

// selectionFields lists the selectable field names in stable order,
// always including the primary key.
func selectionFields(d *modelq.Descriptor) []string {
	names := make([]string, 0, len(d.Fields)+1)
	seenPK := false
	for _, name := range d.FieldNames() {
		f := d.Fields[name]
		if f.Type == modelq.TypeReverse || f.Type == modelq.TypeManyToMany {
			continue
		}
		if name == d.PrimaryKey {
			seenPK = true
		}
		names = append(names, name)
	}
	if !seenPK {
		names = append([]string{d.PrimaryKey}, names...)
	}
	return names
}

func copySeen(seen map[string]bool) map[string]bool {
	out := make(map[string]bool, len(seen))
	for k, v := range seen {
		out[k] = v
	}
	return out
}

// orderInput maps internal sort keys into the operation's input shape.
func orderInput(keys []modelq.SortKey) []map[string]any {
	out := make([]map[string]any, len(keys))
	for i, k := range keys {
		direction := "ASC"
		if k.Desc {
			direction = "DESC"
		}
		out[i] = map[string]any{"field": k.Field, "direction": direction}
	}
	return out
}

// Ensure interface compliance.
var _ modelq.Backend = (*Backend)(nil)

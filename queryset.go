package modelq

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QuerySet is an immutable, lazily-executed query description bound to
// one model and one backend. Every builder method returns a new
// QuerySet with copied containers, leaving the receiver untouched, so
// a base query can be branched safely.
type QuerySet struct {
	desc    *Descriptor
	backend Backend

	filter    Filter
	order     []SortKey
	page      Page
	only      []string
	selectRel []string
	prefetch  map[string]Prefetch
	values    *valuesSpec
}

type valuesSpec struct {
	fields []string
	flat   bool
}

// NewQuerySet creates the root queryset for a model.
func NewQuerySet(d *Descriptor, b Backend) *QuerySet {
	return &QuerySet{desc: d, backend: b, filter: Filter{}}
}

// Descriptor returns the model the queryset is bound to.
func (q *QuerySet) Descriptor() *Descriptor { return q.desc }

func (q *QuerySet) clone() *QuerySet {
	c := &QuerySet{
		desc:    q.desc,
		backend: q.backend,
		page:    q.page,
		values:  q.values,
	}
	c.filter = make(Filter, len(q.filter))
	for k, v := range q.filter {
		c.filter[k] = v
	}
	c.order = append([]SortKey(nil), q.order...)
	c.only = append([]string(nil), q.only...)
	c.selectRel = append([]string(nil), q.selectRel...)
	if q.prefetch != nil {
		c.prefetch = make(map[string]Prefetch, len(q.prefetch))
		for k, v := range q.prefetch {
			c.prefetch[k] = v
		}
	}
	return c
}

// Filter merges the expression into the current filters. The merge is
// shallow: top-level keys overwrite, and nested logical subexpressions
// are replaced wholesale rather than deep-merged.
func (q *QuerySet) Filter(f Filter) *QuerySet {
	c := q.clone()
	for k, v := range f {
		c.filter[k] = v
	}
	return c
}

// Exclude merges the negation of the expression, equivalent to
// Filter(Filter{Not: f}).
func (q *QuerySet) Exclude(f Filter) *QuerySet {
	return q.Filter(Filter{Not: f})
}

// OrderBy replaces the ordering. A leading '-' marks a field as
// descending.
func (q *QuerySet) OrderBy(fields ...string) *QuerySet {
	keys := make([]SortKey, 0, len(fields))
	for _, f := range fields {
		if name, ok := strings.CutPrefix(f, "-"); ok {
			keys = append(keys, SortKey{Field: name, Desc: true})
			continue
		}
		keys = append(keys, SortKey{Field: f})
	}
	return q.Sort(keys...)
}

// Sort replaces the ordering with explicit sort keys.
func (q *QuerySet) Sort(keys ...SortKey) *QuerySet {
	c := q.clone()
	c.order = keys
	return c
}

// Limit sets the page limit, leaving any offset untouched.
func (q *QuerySet) Limit(n int) *QuerySet {
	c := q.clone()
	c.page.Limit = n
	return c
}

// Paginate replaces the pagination window.
func (q *QuerySet) Paginate(p Page) *QuerySet {
	c := q.clone()
	c.page = p
	return c
}

// Only restricts field projection. The restriction is advisory:
// backends may honor or ignore it.
func (q *QuerySet) Only(fields ...string) *QuerySet {
	c := q.clone()
	c.only = append([]string(nil), fields...)
	return c
}

// SelectRelated marks forward relation fields for eager resolution,
// inlined onto each result.
func (q *QuerySet) SelectRelated(fields ...string) *QuerySet {
	c := q.clone()
	c.selectRel = append(c.selectRel, fields...)
	return c
}

// PrefetchRelated marks reverse or many-to-many fields for eager
// resolution with default options. Names without a matching field
// declaration or reverse accessor are silently ignored.
func (q *QuerySet) PrefetchRelated(fields ...string) *QuerySet {
	c := q.clone()
	for _, name := range fields {
		c.addPrefetch(name, Prefetch{})
	}
	return c
}

// PrefetchWith marks one field for eager resolution with a narrowing
// configuration applied to the related queryset.
func (q *QuerySet) PrefetchWith(name string, cfg Prefetch) *QuerySet {
	c := q.clone()
	c.addPrefetch(name, cfg)
	return c
}

func (q *QuerySet) addPrefetch(name string, cfg Prefetch) {
	if !q.desc.hasManyField(name) {
		return
	}
	if q.prefetch == nil {
		q.prefetch = make(map[string]Prefetch)
	}
	q.prefetch[name] = cfg
}

func (d *Descriptor) hasManyField(name string) bool {
	if f, ok := d.Fields[name]; ok {
		return f.Type == TypeReverse || f.Type == TypeManyToMany
	}
	_, ok := d.reverse[name]
	return ok
}

// ValuesList configures post-execution projection for ExecuteValues.
// The flat flag only takes effect with a single projected field; with
// more it is ignored and rows stay as value tuples.
func (q *QuerySet) ValuesList(flat bool, fields ...string) *QuerySet {
	c := q.clone()
	c.values = &valuesSpec{fields: append([]string(nil), fields...), flat: flat}
	return c
}

// Execute compiles the queryset into backend options, resolves the
// related querysets for every select- and prefetch-related field, and
// delegates to the backend.
func (q *QuerySet) Execute(ctx context.Context) ([]*Entity, error) {
	if q.backend == nil {
		return nil, fmt.Errorf("query %s: %w", q.desc.Name, ErrNoBackend)
	}
	opts, err := q.buildOptions()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := q.backend.Query(ctx, q.desc, opts)
	if q.desc.Observer != nil {
		q.desc.Observer.ObserveQuery(q.desc.Name, time.Since(start), len(results), err)
	}
	return results, err
}

// ExecuteValues executes the queryset and applies the ValuesList
// projection: one []any tuple per result, or bare values when flat is
// set with exactly one projected field.
func (q *QuerySet) ExecuteValues(ctx context.Context) ([]any, error) {
	if q.values == nil {
		return nil, fmt.Errorf("query %s: no values projection configured", q.desc.Name)
	}
	results, err := q.Execute(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]any, 0, len(results))
	flat := q.values.flat && len(q.values.fields) == 1
	for _, e := range results {
		if flat {
			out = append(out, e.Get(q.values.fields[0]))
			continue
		}
		row := make([]any, len(q.values.fields))
		for i, f := range q.values.fields {
			row[i] = e.Get(f)
		}
		out = append(out, row)
	}
	return out, nil
}

// Get fetches the single entity matching the expression. Zero matches
// fail with ErrNotFound, more than one with ErrMultipleResults.
func (q *QuerySet) Get(ctx context.Context, f Filter) (*Entity, error) {
	results, err := q.Filter(f).Limit(2).Execute(ctx)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, fmt.Errorf("%s: %w", q.desc.Name, ErrNotFound)
	case 1:
		return results[0], nil
	}
	return nil, fmt.Errorf("%s: %w", q.desc.Name, ErrMultipleResults)
}

// First returns the first result, or (nil, nil) when the result set is
// empty. An empty outcome is not an error.
func (q *QuerySet) First(ctx context.Context) (*Entity, error) {
	results, err := q.Limit(1).Execute(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// Count executes the queryset and returns the result length. The
// count is not pushed down to the backend.
func (q *QuerySet) Count(ctx context.Context) (int, error) {
	results, err := q.Execute(ctx)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// Save delegates a single-entity write to the backend.
func (q *QuerySet) Save(ctx context.Context, e *Entity) error {
	if q.backend == nil {
		return fmt.Errorf("save %s: %w", q.desc.Name, ErrNoBackend)
	}
	return q.backend.Save(ctx, e)
}

// Delete delegates a single-entity removal to the backend.
func (q *QuerySet) Delete(ctx context.Context, e *Entity) error {
	if q.backend == nil {
		return fmt.Errorf("delete %s: %w", q.desc.Name, ErrNoBackend)
	}
	return q.backend.Delete(ctx, e)
}

func (q *QuerySet) buildOptions() (Options, error) {
	opts := Options{
		Filter:          NormalizeFilter(q.filter),
		Order:           append([]SortKey(nil), q.order...),
		Page:            q.page,
		Only:            append([]string(nil), q.only...),
		SelectRelated:   append([]string(nil), q.selectRel...),
		PrefetchRelated: make(map[string]Prefetch, len(q.prefetch)),
		Related:         make(map[string]*QuerySet),
	}

	for _, name := range q.selectRel {
		f, ok := q.desc.Fields[name]
		if !ok || f.Type != TypeRelation {
			return Options{}, fmt.Errorf("%s.%s: %w", q.desc.Name, name, ErrInvalidRelationField)
		}
		target, err := q.desc.relatedDescriptor(f)
		if err != nil {
			return Options{}, err
		}
		opts.Related[name] = target.Objects()
	}

	for name, cfg := range q.prefetch {
		opts.PrefetchRelated[name] = cfg
		target, err := q.desc.prefetchTarget(name)
		if err != nil {
			return Options{}, err
		}
		related := target.Objects()
		if cfg.Filter != nil {
			related = related.Filter(cfg.Filter)
		}
		if cfg.Exclude != nil {
			related = related.Exclude(cfg.Exclude)
		}
		if len(cfg.Only) > 0 {
			related = related.Only(cfg.Only...)
		}
		if len(cfg.Order) > 0 {
			related = related.OrderBy(cfg.Order...)
		}
		if cfg.Page != (Page{}) {
			related = related.Paginate(cfg.Page)
		}
		opts.Related[name] = related
	}
	return opts, nil
}

// prefetchTarget resolves the model a prefetch-related field points
// at: the declaring model for reverse fields wired by the registry,
// or the field's named target.
func (d *Descriptor) prefetchTarget(name string) (*Descriptor, error) {
	if f, ok := d.Fields[name]; ok {
		return d.relatedDescriptor(f)
	}
	if src, ok := d.reverseSource(name); ok {
		return src, nil
	}
	return nil, fmt.Errorf("%s.%s: %w", d.Name, name, ErrInvalidRelationField)
}

// NormalizeFilter rewrites a filter so every field condition is an
// explicit lookup map: nil, primitive and array values wrap as
// {exact: value}; existing lookup maps pass through unchanged.
// Logical subexpressions normalize recursively. The function is
// idempotent.
func NormalizeFilter(f Filter) Filter {
	out := make(Filter, len(f))
	for key, v := range f {
		if key == And || key == Or || key == Not {
			if sub, ok := asFilter(v); ok {
				out[key] = NormalizeFilter(sub)
			} else {
				out[key] = v
			}
			continue
		}
		if _, ok := asFilter(v); ok {
			out[key] = v
			continue
		}
		out[key] = Lookup{"exact": v}
	}
	return out
}

func asFilter(v any) (Filter, bool) {
	switch m := v.(type) {
	case Filter:
		return m, true
	case Lookup:
		return Filter(m), true
	case map[string]any:
		return Filter(m), true
	}
	return nil, false
}

package modelq

import (
	"context"
	"time"
)

// Filter is a filter expression node: field paths mapped to a literal
// (implicit exact match) or a Lookup, plus the optional logical keys
// And, Or and Not holding nested Filters.
type Filter map[string]any

// Lookup maps operator names to operands for one field condition.
type Lookup map[string]any

// Logical combinator keys. Only one logical key takes effect per
// expression node, in the priority And, Or, Not; combinations must be
// nested explicitly.
const (
	And = "AND"
	Or  = "OR"
	Not = "NOT"
)

// SortKey orders results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Page bounds a result set. A zero Limit means unbounded. Backends
// apply Offset before Limit.
type Page struct {
	Limit  int
	Offset int
}

// Prefetch narrows the related queryset resolved for one
// prefetch-related field.
type Prefetch struct {
	Filter  Filter
	Exclude Filter
	Only    []string
	Order   []string
	Page    Page
}

// Options is the backend-facing execution shape compiled by a
// QuerySet. Filter is always in normalized form: field conditions are
// explicit Lookup maps, never bare literals.
type Options struct {
	Filter          Filter
	Order           []SortKey
	Page            Page
	Only            []string
	SelectRelated   []string
	PrefetchRelated map[string]Prefetch

	// Related holds a prepared queryset per select- and
	// prefetch-related field. The backend performs the join; this
	// layer only supplies the querysets.
	Related map[string]*QuerySet
}

// Backend executes a compiled query and persists single entities.
// Implementations either translate the filter to a native query
// language or evaluate it with the match package.
type Backend interface {
	// Query returns the entities matching opts. Ordering is a stable
	// multi-key sort; Offset applies before Limit.
	Query(ctx context.Context, d *Descriptor, opts Options) ([]*Entity, error)

	// Save upserts an entity by primary key. Backends that support it
	// assign a generated key when none is set.
	Save(ctx context.Context, e *Entity) error

	// Delete removes an entity by primary key. A missing key is a
	// no-op, not an error.
	Delete(ctx context.Context, e *Entity) error
}

// Lifecycle signal names emitted around save and delete.
const (
	PreSave    = "pre_save"
	PostSave   = "post_save"
	PreDelete  = "pre_delete"
	PostDelete = "post_delete"
)

// SignalBus dispatches lifecycle notifications. Handler failures are
// the bus's concern; Emit never fails the calling operation.
type SignalBus interface {
	Emit(ctx context.Context, signal string, d *Descriptor, e *Entity)
}

// Observer receives query execution measurements.
type Observer interface {
	ObserveQuery(model string, elapsed time.Duration, results int, err error)
}

// IDGenerator produces primary keys for backends that auto-generate
// them. The strategy is injectable; tests typically use a sequential
// generator.
type IDGenerator interface {
	New() string
}

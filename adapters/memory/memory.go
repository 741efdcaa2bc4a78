// Package memory provides an in-process map-backed query backend.
// Filters are evaluated with the match package, ordering is a stable
// multi-key sort, and relation joins fan out through the shared
// resolver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/modelq"
	"github.com/artpar/modelq/lookup"
	"github.com/artpar/modelq/match"
)

// Store is an in-memory implementation of modelq.Backend. Entities
// are stored as detached copies keyed by model name and primary key;
// queries return fresh copies so callers never alias stored state.
type Store struct {
	mu      sync.RWMutex
	data    map[string]map[string]*modelq.Entity
	lookups *lookup.Registry
	ids     modelq.IDGenerator
}

// Option configures a Store.
type Option func(*Store)

// WithLookups overrides the operator registry used for matching.
func WithLookups(r *lookup.Registry) Option {
	return func(s *Store) { s.lookups = r }
}

// WithIDGenerator enables primary key auto-generation on save.
func WithIDGenerator(g modelq.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		data:    make(map[string]map[string]*modelq.Entity),
		lookups: lookup.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query returns the entities of the model matching the compiled
// options: filter, stable multi-key sort, offset before limit, then
// the select/prefetch joins.
func (s *Store) Query(ctx context.Context, d *modelq.Descriptor, opts modelq.Options) ([]*modelq.Entity, error) {
	s.mu.RLock()
	var matched []*modelq.Entity
	for _, e := range s.data[d.Name] {
		if len(opts.Filter) == 0 || match.Match(e, opts.Filter, s.lookups) {
			matched = append(matched, e.Clone())
		}
	}
	s.mu.RUnlock()

	sortEntities(matched, d, opts.Order)
	matched = page(matched, opts.Page)

	if err := modelq.ResolveRelations(ctx, d, opts, matched); err != nil {
		return nil, err
	}
	return matched, nil
}

// Save upserts a detached copy of the entity by primary key,
// generating a key first when none is set and a generator is
// configured.
func (s *Store) Save(ctx context.Context, e *modelq.Entity) error {
	d := e.Descriptor()
	pk, ok := e.PK()
	if !ok {
		if s.ids == nil {
			return fmt.Errorf("save %s: %w", d.Name, modelq.ErrMissingPrimaryKey)
		}
		generated := s.ids.New()
		e.SetPK(generated)
		pk = generated
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[d.Name] == nil {
		s.data[d.Name] = make(map[string]*modelq.Entity)
	}
	s.data[d.Name][keyString(pk)] = e.Clone()
	return nil
}

// Delete removes the entity by primary key. A missing key is a no-op.
func (s *Store) Delete(ctx context.Context, e *modelq.Entity) error {
	pk, ok := e.PK()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[e.Descriptor().Name], keyString(pk))
	return nil
}

// Len reports the number of stored entities for a model.
func (s *Store) Len(model string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[model])
}

func keyString(pk any) string {
	if s, ok := pk.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", pk)
}

// sortEntities applies a stable multi-key sort: secondary keys break
// ties of primary keys in the order given. When no ordering is
// requested, results are keyed by primary key for determinism.
// Missing values sort last in ascending order.
func sortEntities(entities []*modelq.Entity, d *modelq.Descriptor, keys []modelq.SortKey) {
	if len(keys) == 0 {
		keys = []modelq.SortKey{{Field: d.PrimaryKey}}
	}
	sort.SliceStable(entities, func(i, j int) bool {
		for _, k := range keys {
			if c := compareByKey(entities[i], entities[j], k); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

func compareByKey(a, b *modelq.Entity, k modelq.SortKey) int {
	va := match.Resolve(a, k.Field)
	vb := match.Resolve(b, k.Field)

	na := va == nil || va == lookup.Missing
	nb := vb == nil || vb == lookup.Missing
	if na && nb {
		return 0
	}
	if na != nb {
		// nulls last regardless of direction
		if na {
			return 1
		}
		return -1
	}

	rel, ok := lookup.Compare(va, vb)
	if !ok {
		// incomparable values fall back to their printed form
		sa, sb := fmt.Sprintf("%v", va), fmt.Sprintf("%v", vb)
		switch {
		case sa < sb:
			rel = -1
		case sa > sb:
			rel = 1
		default:
			rel = 0
		}
	}
	if k.Desc {
		rel = -rel
	}
	return rel
}

// page applies offset then limit.
func page(entities []*modelq.Entity, p modelq.Page) []*modelq.Entity {
	if p.Offset > 0 {
		if p.Offset >= len(entities) {
			return nil
		}
		entities = entities[p.Offset:]
	}
	if p.Limit > 0 && p.Limit < len(entities) {
		entities = entities[:p.Limit]
	}
	return entities
}

// Ensure interface compliance.
var _ modelq.Backend = (*Store)(nil)

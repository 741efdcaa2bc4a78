package modelq

import (
	"context"
	"fmt"
	"sync"
)

// ResolveRelations performs the select- and prefetch-related joins on
// a freshly fetched result set, using the prepared querysets the
// QuerySet supplied in opts.Related. Rows resolve concurrently and are
// jointly awaited; within a row the fields resolve one after another,
// so each goroutine is the only writer of its row's attribute map.
// Backends without a native join call this after fetching.
func ResolveRelations(ctx context.Context, d *Descriptor, opts Options, results []*Entity) error {
	if len(results) == 0 || len(opts.Related) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, e := range results {
		wg.Add(1)
		go func(e *Entity) {
			defer wg.Done()
			if err := resolveRow(ctx, d, opts, e); err != nil {
				fail(err)
			}
		}(e)
	}

	wg.Wait()
	return firstErr
}

// resolveRow fills in every requested relation field of a single row.
func resolveRow(ctx context.Context, d *Descriptor, opts Options, e *Entity) error {
	for _, name := range opts.SelectRelated {
		related, ok := opts.Related[name]
		if !ok {
			continue
		}
		if err := resolveForward(ctx, related, name, e); err != nil {
			return err
		}
	}
	for name := range opts.PrefetchRelated {
		related, ok := opts.Related[name]
		if !ok {
			continue
		}
		if err := resolveMany(ctx, d, related, name, e); err != nil {
			return err
		}
	}
	return nil
}

// resolveForward inlines the target entity of a forward relation onto
// the result row. Dangling references resolve to nil.
func resolveForward(ctx context.Context, related *QuerySet, name string, e *Entity) error {
	target := related.Descriptor()
	key, ok := foreignKey(target, e.Get(name))
	if !ok {
		return nil
	}
	resolved, err := related.Filter(Filter{target.PrimaryKey: Lookup{"exact": key}}).First(ctx)
	if err != nil {
		return err
	}
	if resolved != nil {
		e.Set(name, resolved)
	}
	return nil
}

// resolveMany attaches the collection of a reverse or many-to-many
// field to the result row.
func resolveMany(ctx context.Context, d *Descriptor, related *QuerySet, name string, e *Entity) error {
	rowFilter, err := prefetchFilter(d, name, e)
	if err != nil {
		return err
	}
	list, err := related.Filter(rowFilter).Execute(ctx)
	if err != nil {
		return err
	}
	e.Set(name, list)
	return nil
}

// prefetchFilter builds the per-row narrowing filter for one
// prefetch-related field.
func prefetchFilter(d *Descriptor, name string, e *Entity) (Filter, error) {
	if f, ok := d.Fields[name]; ok {
		switch f.Type {
		case TypeReverse:
			pk, _ := e.PK()
			return referenceFilter(f.Via, d.PrimaryKey, pk), nil
		case TypeManyToMany:
			target, err := d.relatedDescriptor(f)
			if err != nil {
				return nil, err
			}
			return Filter{target.PrimaryKey: Lookup{"in": foreignKeys(target, e.Get(name))}}, nil
		}
		return nil, fmt.Errorf("%s.%s: %w", d.Name, name, ErrInvalidRelationField)
	}
	if rel, ok := d.reverse[name]; ok {
		pk, _ := e.PK()
		return referenceFilter(rel.via, d.PrimaryKey, pk), nil
	}
	return nil, fmt.Errorf("%s.%s: %w", d.Name, name, ErrInvalidRelationField)
}

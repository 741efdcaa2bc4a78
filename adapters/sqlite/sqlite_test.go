package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/modelq"
	"github.com/artpar/modelq/adapters/idgen"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"),
		WithIDGenerator(idgen.NewSequential("id-")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newCatalog(t *testing.T) (*modelq.Registry, *Store, *modelq.Descriptor) {
	t.Helper()
	store := newStore(t)
	registry := modelq.NewRegistry()

	product := modelq.NewDescriptor("product", map[string]modelq.Field{
		"id":       modelq.String(),
		"name":     modelq.String().WithRequired(),
		"price":    modelq.Number(),
		"active":   modelq.Bool(),
		"added":    modelq.Date(),
		"metadata": modelq.JSON(),
	})
	product.Backend = store
	if err := registry.Register(product); err != nil {
		t.Fatal(err)
	}
	return registry, store, product
}

func seedProducts(t *testing.T, product *modelq.Descriptor) {
	t.Helper()
	rows := []map[string]any{
		{"id": "p1", "name": "anvil", "price": 99.5, "active": true, "added": "2026-01-01T00:00:00Z"},
		{"id": "p2", "name": "rope", "price": 12, "active": false, "added": "2026-02-01T00:00:00Z"},
		{"id": "p3", "name": "rocket", "price": 420, "active": true,
			"metadata": map[string]any{"origin": "acme"}},
	}
	for _, row := range rows {
		e, err := product.NewFrom(row)
		if err != nil {
			t.Fatal(err)
		}
		if err := e.Save(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSaveAndQueryRoundTrip(t *testing.T) {
	_, _, product := newCatalog(t)
	ctx := context.Background()
	seedProducts(t, product)

	e, err := product.Objects().Get(ctx, modelq.Filter{"id": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Get("name") != "anvil" {
		t.Errorf("name = %v", e.Get("name"))
	}
	if e.Get("price") != 99.5 {
		t.Errorf("price = %v (%T)", e.Get("price"), e.Get("price"))
	}
	if e.Get("active") != true {
		t.Errorf("active = %v (%T)", e.Get("active"), e.Get("active"))
	}
	added, ok := e.Get("added").(time.Time)
	if !ok || added.Year() != 2026 {
		t.Errorf("added = %v (%T)", e.Get("added"), e.Get("added"))
	}

	meta, err := product.Objects().Get(ctx, modelq.Filter{"id": "p3"})
	if err != nil {
		t.Fatal(err)
	}
	m, ok := meta.Get("metadata").(map[string]any)
	if !ok || m["origin"] != "acme" {
		t.Errorf("metadata = %v (%T)", meta.Get("metadata"), meta.Get("metadata"))
	}
}

func TestUpsert(t *testing.T) {
	_, _, product := newCatalog(t)
	ctx := context.Background()
	seedProducts(t, product)

	e, _ := product.NewFrom(map[string]any{"id": "p1", "name": "anvil mk2", "price": 120})
	if err := e.Save(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := product.Objects().Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d after upsert, want 3", n)
	}
	again, err := product.Objects().Get(ctx, modelq.Filter{"id": "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Get("name") != "anvil mk2" {
		t.Errorf("name = %v", again.Get("name"))
	}
}

func TestSaveGeneratesPrimaryKey(t *testing.T) {
	_, _, product := newCatalog(t)

	e, _ := product.NewFrom(map[string]any{"name": "dynamite"})
	if err := e.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pk, ok := e.PK(); !ok || pk == "" {
		t.Errorf("PK = %v, %v", pk, ok)
	}
}

func TestSaveWithoutGeneratorFails(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	d := modelq.NewDescriptor("thing", map[string]modelq.Field{"id": modelq.String()})
	d.Backend = store
	e, _ := d.NewFrom(map[string]any{})
	if err := e.Save(context.Background()); !errors.Is(err, modelq.ErrMissingPrimaryKey) {
		t.Errorf("error = %v, want ErrMissingPrimaryKey", err)
	}
}

func TestDelete(t *testing.T) {
	_, store, product := newCatalog(t)
	ctx := context.Background()
	seedProducts(t, product)

	e, err := product.Objects().Get(ctx, modelq.Filter{"id": "p2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := product.Objects().Get(ctx, modelq.Filter{"id": "p2"}); !errors.Is(err, modelq.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	// No key, no-op.
	if err := store.Delete(ctx, product.New()); err != nil {
		t.Errorf("delete without key = %v", err)
	}
}

func TestTranslatedFilters(t *testing.T) {
	_, _, product := newCatalog(t)
	ctx := context.Background()
	seedProducts(t, product)

	tests := []struct {
		name   string
		filter modelq.Filter
		want   []string
	}{
		{"exact", modelq.Filter{"name": "rope"}, []string{"p2"}},
		{"gt", modelq.Filter{"price": modelq.Lookup{"gt": 50}}, []string{"p1", "p3"}},
		{"gte lte window", modelq.Filter{"price": modelq.Lookup{"gte": 12, "lte": 100}}, []string{"p1", "p2"}},
		{"ne", modelq.Filter{"name": modelq.Lookup{"ne": "rope"}}, []string{"p1", "p3"}},
		{"in", modelq.Filter{"id": modelq.Lookup{"in": []any{"p1", "p3", "zzz"}}}, []string{"p1", "p3"}},
		{"bool", modelq.Filter{"active": true}, []string{"p1", "p3"}},
		{"isNull", modelq.Filter{"added": modelq.Lookup{"isNull": true}}, []string{"p3"}},
		{"exact nil", modelq.Filter{"added": nil}, []string{"p3"}},
		{"ne nil", modelq.Filter{"added": modelq.Lookup{"ne": nil}}, []string{"p1", "p2"}},
		{"range", modelq.Filter{"price": modelq.Lookup{"range": map[string]any{"start": 10, "end": 100}}}, []string{"p1", "p2"}},
		{
			"or branch",
			modelq.Filter{
				"name":    "rope",
				modelq.Or: modelq.Filter{"price": modelq.Lookup{"gt": 400}},
			},
			[]string{"p2", "p3"},
		},
		{
			"not branch",
			modelq.Filter{modelq.Not: modelq.Filter{"active": true}},
			[]string{"p2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := product.Objects().Filter(tt.filter).OrderBy("id").Execute(ctx)
			if err != nil {
				t.Fatal(err)
			}
			got := make([]string, len(results))
			for i, e := range results {
				got[i] = e.Get("id").(string)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("matched %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("matched %v, want %v", got, tt.want)
				}
			}
		})
	}
}

// Operators outside the SQL subset scan and match in process; both
// paths must agree on which rows qualify.
func TestScanFallback(t *testing.T) {
	_, _, product := newCatalog(t)
	ctx := context.Background()
	seedProducts(t, product)

	results, err := product.Objects().
		Filter(modelq.Filter{"name": modelq.Lookup{"startsWith": "ro"}}).
		OrderBy("id").
		Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Get("id") != "p2" || results[1].Get("id") != "p3" {
		t.Errorf("fallback matched %d rows", len(results))
	}

	// Case-sensitive: SQL LIKE would wrongly match, the scan must not.
	results, err = product.Objects().
		Filter(modelq.Filter{"name": modelq.Lookup{"startsWith": "RO"}}).
		Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("case-insensitive match leaked: %d rows", len(results))
	}

	// Dot paths force the fallback as well.
	results, err = product.Objects().
		Filter(modelq.Filter{"metadata.origin": "acme"}).
		Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Get("id") != "p3" {
		t.Errorf("dot path matched %d rows", len(results))
	}
}

func TestOrderingAndPagination(t *testing.T) {
	_, _, product := newCatalog(t)
	ctx := context.Background()
	seedProducts(t, product)

	results, err := product.Objects().OrderBy("-price").Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Get("id") != "p3" || results[2].Get("id") != "p2" {
		t.Errorf("descending order wrong: %v, %v", results[0].Get("id"), results[2].Get("id"))
	}

	page, err := product.Objects().OrderBy("id").Paginate(modelq.Page{Limit: 1, Offset: 1}).Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Get("id") != "p2" {
		t.Errorf("page = %v", page)
	}

	empty, err := product.Objects().Paginate(modelq.Page{Offset: 50}).Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("offset past end returned %d rows", len(empty))
	}
}

func TestRelationsAcrossTables(t *testing.T) {
	store := newStore(t)
	registry := modelq.NewRegistry()
	ctx := context.Background()

	author := modelq.NewDescriptor("author", map[string]modelq.Field{
		"id":   modelq.String(),
		"name": modelq.String(),
	})
	post := modelq.NewDescriptor("post", map[string]modelq.Field{
		"id":     modelq.String(),
		"title":  modelq.String(),
		"author": modelq.Relation("author"),
	})
	for _, d := range []*modelq.Descriptor{author, post} {
		d.Backend = store
		if err := registry.Register(d); err != nil {
			t.Fatal(err)
		}
	}
	if err := registry.Validate(); err != nil {
		t.Fatal(err)
	}

	for _, row := range []map[string]any{
		{"id": "a1", "name": "alice"},
	} {
		e, _ := author.NewFrom(row)
		if err := e.Save(ctx); err != nil {
			t.Fatal(err)
		}
	}
	for _, row := range []map[string]any{
		{"id": "p1", "title": "One", "author": "a1"},
		{"id": "p2", "title": "Two", "author": "a1"},
	} {
		e, _ := post.NewFrom(row)
		if err := e.Save(ctx); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("select related", func(t *testing.T) {
		results, err := post.Objects().OrderBy("id").SelectRelated("author").Execute(ctx)
		if err != nil {
			t.Fatal(err)
		}
		joined, ok := results[0].Get("author").(*modelq.Entity)
		if !ok || joined.Get("name") != "alice" {
			t.Errorf("author = %v", results[0].Get("author"))
		}
	})

	t.Run("prefetch reverse", func(t *testing.T) {
		results, err := author.Objects().PrefetchRelated("post_set").Execute(ctx)
		if err != nil {
			t.Fatal(err)
		}
		posts, ok := results[0].Get("post_set").([]*modelq.Entity)
		if !ok || len(posts) != 2 {
			t.Errorf("post_set = %v", results[0].Get("post_set"))
		}
	})
}

// Package sqlite provides a SQLite-backed query backend. One table is
// created per model from its field table. The common operator subset
// translates to SQL; filters the translator cannot express fall back
// to a full scan evaluated with the match package, so both paths share
// one filter semantics.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/modelq"
	"github.com/artpar/modelq/lookup"
	"github.com/artpar/modelq/match"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite implementation of modelq.Backend.
type Store struct {
	db      *sql.DB
	mu      sync.Mutex
	tables  map[string]bool
	lookups *lookup.Registry
	ids     modelq.IDGenerator
	logger  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLookups overrides the operator registry used on the scan
// fallback path.
func WithLookups(r *lookup.Registry) Option {
	return func(s *Store) { s.lookups = r }
}

// WithIDGenerator enables primary key auto-generation on save.
func WithIDGenerator(g modelq.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens (or creates) a SQLite database at path.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return NewFromDB(db, opts...), nil
}

// NewFromDB wraps an existing connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		tables:  make(map[string]bool),
		lookups: lookup.Default,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// EnsureTable creates the model's table if absent.
func (s *Store) EnsureTable(ctx context.Context, d *modelq.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables[d.Name] {
		return nil
	}

	cols := []string{fmt.Sprintf("%q TEXT PRIMARY KEY", d.PrimaryKey)}
	for _, name := range storedColumns(d) {
		if name == d.PrimaryKey {
			continue
		}
		cols = append(cols, fmt.Sprintf("%q %s", name, columnType(d.Fields[name])))
	}

	createSQL := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", d.Name, strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", d.Name, err)
	}

	s.logger.Debug().Str("model", d.Name).Msg("table ensured")
	s.tables[d.Name] = true
	return nil
}

// Query fetches matching rows, pushing translated filters, ordering
// and pagination into SQL when possible and completing the rest in
// process, then resolves the relation joins.
func (s *Store) Query(ctx context.Context, d *modelq.Descriptor, opts modelq.Options) ([]*modelq.Entity, error) {
	if err := s.EnsureTable(ctx, d); err != nil {
		return nil, err
	}

	where, args, filterOK := translateFilter(d, opts.Filter)
	orderSQL, orderOK := translateOrder(d, opts.Order)
	pushPage := filterOK && orderOK

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %q", columnList(d), d.Name)
	if filterOK && where != "" {
		sb.WriteString(" WHERE " + where)
	}
	if orderOK {
		sb.WriteString(" ORDER BY " + orderSQL)
	}
	if pushPage {
		if opts.Page.Limit > 0 {
			fmt.Fprintf(&sb, " LIMIT %d", opts.Page.Limit)
		} else if opts.Page.Offset > 0 {
			sb.WriteString(" LIMIT -1")
		}
		if opts.Page.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", opts.Page.Offset)
		}
	}

	if !filterOK {
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", d.Name, err)
	}
	defer rows.Close()

	var results []*modelq.Entity
	columns := storedColumns(d)
	for rows.Next() {
		e, err := s.scanRow(d, columns, rows)
		if err != nil {
			return nil, err
		}
		if !filterOK && len(opts.Filter) > 0 && !match.Match(e, opts.Filter, s.lookups) {
			continue
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.Name, err)
	}

	if !orderOK {
		sortEntities(results, opts.Order)
	}
	if !pushPage {
		results = page(results, opts.Page)
	}

	if err := modelq.ResolveRelations(ctx, d, opts, results); err != nil {
		return nil, err
	}
	return results, nil
}

// Save upserts the entity by primary key, generating a key first when
// none is set and a generator is configured.
func (s *Store) Save(ctx context.Context, e *modelq.Entity) error {
	d := e.Descriptor()
	if err := s.EnsureTable(ctx, d); err != nil {
		return err
	}

	if _, ok := e.PK(); !ok {
		if s.ids == nil {
			return fmt.Errorf("save %s: %w", d.Name, modelq.ErrMissingPrimaryKey)
		}
		e.SetPK(s.ids.New())
	}

	columns := storedColumns(d)
	names := make([]string, 0, len(columns))
	holders := make([]string, 0, len(columns))
	updates := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for _, name := range columns {
		encoded, err := encodeValue(d.Fields[name], e.Get(name))
		if err != nil {
			return fmt.Errorf("save %s.%s: %w", d.Name, name, err)
		}
		names = append(names, fmt.Sprintf("%q", name))
		holders = append(holders, "?")
		args = append(args, encoded)
		if name != d.PrimaryKey {
			updates = append(updates, fmt.Sprintf("%q = excluded.%q", name, name))
		}
	}

	upsertSQL := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)", d.Name,
		strings.Join(names, ", "), strings.Join(holders, ", "))
	if len(updates) > 0 {
		upsertSQL += fmt.Sprintf(" ON CONFLICT(%q) DO UPDATE SET %s", d.PrimaryKey, strings.Join(updates, ", "))
	} else {
		upsertSQL += fmt.Sprintf(" ON CONFLICT(%q) DO NOTHING", d.PrimaryKey)
	}

	if _, err := s.db.ExecContext(ctx, upsertSQL, args...); err != nil {
		return fmt.Errorf("save %s: %w", d.Name, err)
	}
	return nil
}

// Delete removes the entity by primary key. A missing key is a no-op.
func (s *Store) Delete(ctx context.Context, e *modelq.Entity) error {
	d := e.Descriptor()
	pk, ok := e.PK()
	if !ok {
		return nil
	}
	if err := s.EnsureTable(ctx, d); err != nil {
		return err
	}
	deleteSQL := fmt.Sprintf("DELETE FROM %q WHERE %q = ?", d.Name, d.PrimaryKey)
	if _, err := s.db.ExecContext(ctx, deleteSQL, pk); err != nil {
		return fmt.Errorf("delete %s: %w", d.Name, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Row encoding
// ---------------------------------------------------------------------------

// storedColumns lists the persisted field names in stable order.
// Reverse fields are query-time constructs and have no column.
func storedColumns(d *modelq.Descriptor) []string {
	names := make([]string, 0, len(d.Fields)+1)
	seen := false
	for name, f := range d.Fields {
		if f.Type == modelq.TypeReverse {
			continue
		}
		if name == d.PrimaryKey {
			seen = true
		}
		names = append(names, name)
	}
	if !seen {
		names = append(names, d.PrimaryKey)
	}
	sort.Strings(names)
	return names
}

func columnList(d *modelq.Descriptor) string {
	cols := storedColumns(d)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}

func columnType(f modelq.Field) string {
	switch f.Type {
	case modelq.TypeNumber:
		return "REAL"
	case modelq.TypeBool:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// scalarColumn reports whether a field maps to a directly comparable
// column. Structured columns (json, nested, relations) are stored as
// JSON text and never compared in SQL.
func scalarColumn(d *modelq.Descriptor, name string) bool {
	f, ok := d.Fields[name]
	if !ok {
		return name == d.PrimaryKey
	}
	switch f.Type {
	case modelq.TypeString, modelq.TypeNumber, modelq.TypeBool,
		modelq.TypeDate, modelq.TypeEmail, modelq.TypeEnum:
		return true
	}
	return false
}

func encodeValue(f modelq.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case modelq.TypeDate:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
		return v, nil
	case modelq.TypeBool:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return v, nil
	case modelq.TypeJSON, modelq.TypeNested, modelq.TypeRelation, modelq.TypeManyToMany:
		if e, ok := v.(*modelq.Entity); ok {
			v = e.Attrs()
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode column: %w", err)
		}
		return string(data), nil
	}
	return v, nil
}

func (s *Store) scanRow(d *modelq.Descriptor, columns []string, rows *sql.Rows) (*modelq.Entity, error) {
	values := make([]any, len(columns))
	holders := make([]any, len(columns))
	for i := range values {
		holders[i] = &values[i]
	}
	if err := rows.Scan(holders...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", d.Name, err)
	}

	raw := make(map[string]any, len(columns))
	for i, name := range columns {
		v, err := decodeValue(d.Fields[name], values[i])
		if err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", d.Name, name, err)
		}
		if v != nil {
			raw[name] = v
		}
	}
	return d.NewFrom(raw)
}

func decodeValue(f modelq.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch f.Type {
	case modelq.TypeBool:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case modelq.TypeJSON, modelq.TypeNested, modelq.TypeRelation, modelq.TypeManyToMany:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("decode column: %w", err)
		}
		return decoded, nil
	}
	return v, nil
}

// ---------------------------------------------------------------------------
// Filter translation
// ---------------------------------------------------------------------------

// translatableOps is the operator subset pushed into SQL. Everything
// else forces the scan fallback so the match package stays the single
// source of truth for operator semantics.
var translatableOps = map[string]string{
	"exact": "=",
	"eq":    "=",
	"is":    "=",
	"ne":    "!=",
	"gt":    ">",
	"gte":   ">=",
	"lt":    "<",
	"lte":   "<=",
}

// translateFilter compiles a normalized filter into a WHERE clause.
// The third return is false when any part of the tree cannot be
// expressed, in which case the caller scans and matches in process.
func translateFilter(d *modelq.Descriptor, f modelq.Filter) (string, []any, bool) {
	if len(f) == 0 {
		return "", nil, true
	}

	var fieldParts []string
	var args []any
	for key, cond := range f {
		if key == modelq.And || key == modelq.Or || key == modelq.Not {
			continue
		}
		part, condArgs, ok := translateCondition(d, key, cond)
		if !ok {
			return "", nil, false
		}
		fieldParts = append(fieldParts, part)
		args = append(args, condArgs...)
	}

	fieldSQL := strings.Join(fieldParts, " AND ")
	if fieldSQL == "" {
		fieldSQL = "1"
	}

	// Mirror the matcher's fixed logical-key priority exactly.
	if sub, ok := subFilter(f[modelq.And]); ok {
		subSQL, subArgs, ok := translateFilter(d, sub)
		if !ok {
			return "", nil, false
		}
		return fmt.Sprintf("(%s) AND (%s)", fieldSQL, orTrue(subSQL)), append(args, subArgs...), true
	}
	if sub, ok := subFilter(f[modelq.Or]); ok {
		subSQL, subArgs, ok := translateFilter(d, sub)
		if !ok {
			return "", nil, false
		}
		return fmt.Sprintf("(%s) OR (%s)", fieldSQL, orTrue(subSQL)), append(args, subArgs...), true
	}
	if sub, ok := subFilter(f[modelq.Not]); ok {
		subSQL, subArgs, ok := translateFilter(d, sub)
		if !ok {
			return "", nil, false
		}
		return fmt.Sprintf("(%s) AND NOT (%s)", fieldSQL, orTrue(subSQL)), append(args, subArgs...), true
	}
	return fieldSQL, args, true
}

func orTrue(s string) string {
	if s == "" {
		return "1"
	}
	return s
}

func subFilter(v any) (modelq.Filter, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case modelq.Filter:
		return m, true
	case map[string]any:
		return modelq.Filter(m), true
	}
	return nil, false
}

func translateCondition(d *modelq.Descriptor, field string, cond any) (string, []any, bool) {
	if strings.Contains(field, ".") || !scalarColumn(d, field) {
		return "", nil, false
	}
	ops, ok := condLookup(cond)
	if !ok {
		return "", nil, false
	}

	var parts []string
	var args []any
	col := fmt.Sprintf("%q", field)
	for op, operand := range ops {
		switch {
		case translatableOps[op] != "":
			// A nil operand never matches through "= NULL"; use the
			// IS forms so {field: nil} behaves like the matcher.
			if operand == nil {
				switch op {
				case "exact", "eq", "is":
					parts = append(parts, col+" IS NULL")
				case "ne":
					parts = append(parts, col+" IS NOT NULL")
				default:
					return "", nil, false
				}
				continue
			}
			encoded, err := encodeOperand(d, field, operand)
			if err != nil {
				return "", nil, false
			}
			parts = append(parts, fmt.Sprintf("%s %s ?", col, translatableOps[op]))
			args = append(args, encoded)
		case op == "in":
			list, ok := operand.([]any)
			if !ok {
				return "", nil, false
			}
			if len(list) == 0 {
				parts = append(parts, "0")
				continue
			}
			holders := make([]string, len(list))
			for i, item := range list {
				// IN (NULL) never matches; let the scan handle it.
				if item == nil {
					return "", nil, false
				}
				encoded, err := encodeOperand(d, field, item)
				if err != nil {
					return "", nil, false
				}
				holders[i] = "?"
				args = append(args, encoded)
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, strings.Join(holders, ", ")))
		case op == "isNull":
			want, ok := operand.(bool)
			if !ok {
				return "", nil, false
			}
			if want {
				parts = append(parts, col+" IS NULL")
			} else {
				parts = append(parts, col+" IS NOT NULL")
			}
		case op == "range":
			bounds, ok := operand.(map[string]any)
			if !ok {
				return "", nil, false
			}
			lo, err := encodeOperand(d, field, bounds["start"])
			if err != nil {
				return "", nil, false
			}
			hi, err := encodeOperand(d, field, bounds["end"])
			if err != nil {
				return "", nil, false
			}
			parts = append(parts, fmt.Sprintf("%s BETWEEN ? AND ?", col))
			args = append(args, lo, hi)
		default:
			return "", nil, false
		}
	}
	return "(" + strings.Join(parts, " AND ") + ")", args, true
}

func condLookup(cond any) (map[string]any, bool) {
	switch m := cond.(type) {
	case modelq.Lookup:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

// encodeOperand converts a filter operand the same way the column was
// encoded, so comparisons happen in storage representation.
func encodeOperand(d *modelq.Descriptor, field string, operand any) (any, error) {
	f, ok := d.Fields[field]
	if !ok {
		return operand, nil
	}
	if f.ToInternal != nil {
		internal, err := f.ToInternal(operand)
		if err != nil {
			return nil, err
		}
		operand = internal
	}
	return encodeValue(f, operand)
}

func translateOrder(d *modelq.Descriptor, keys []modelq.SortKey) (string, bool) {
	if len(keys) == 0 {
		return fmt.Sprintf("%q ASC", d.PrimaryKey), true
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.Contains(k.Field, ".") || !scalarColumn(d, k.Field) {
			return "", false
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, fmt.Sprintf("%q %s", k.Field, dir))
	}
	return strings.Join(parts, ", "), true
}

// sortEntities is the in-process fallback ordering, matching the
// memory backend's semantics.
func sortEntities(entities []*modelq.Entity, keys []modelq.SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(entities, func(i, j int) bool {
		for _, k := range keys {
			va := match.Resolve(entities[i], k.Field)
			vb := match.Resolve(entities[j], k.Field)
			rel, ok := lookup.Compare(va, vb)
			if !ok {
				rel = strings.Compare(fmt.Sprintf("%v", va), fmt.Sprintf("%v", vb))
			}
			if k.Desc {
				rel = -rel
			}
			if rel != 0 {
				return rel < 0
			}
		}
		return false
	})
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

// Package lookup maps filter operator names to comparison functions.
// It is the leaf dependency of the filter matcher: operators are looked
// up by name at match time, and unknown names fall back to strict
// equality so the matcher stays total.
package lookup

import (
	"reflect"
	"strings"
	"sync"
	"time"
)

// Fn compares an entity value against a filter operand.
// Fn must never panic: operators that cannot apply to a value
// (for example string operators on numbers) return false.
type Fn func(value, operand any) bool

// Missing is passed as the value when a filter path does not resolve
// on the entity. It compares equal to nothing.
var Missing any = missing{}

type missing struct{}

// Registry maps operator names to comparison functions.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Fn
}

// NewRegistry creates a registry pre-loaded with the built-in operators.
func NewRegistry() *Registry {
	r := &Registry{ops: make(map[string]Fn)}
	r.registerBuiltins()
	return r
}

// Default is the process-wide registry used when no explicit registry
// is supplied.
var Default = NewRegistry()

// Register adds or replaces an operator.
func (r *Registry) Register(name string, fn Fn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[name] = fn
}

// Resolve returns the comparison function for an operator name.
// Unknown operators resolve to strict equality rather than an error.
func (r *Registry) Resolve(name string) Fn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.ops[name]; ok {
		return fn
	}
	return strictEqual
}

// Has reports whether an operator is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[name]
	return ok
}

func (r *Registry) registerBuiltins() {
	r.ops["eq"] = equal
	r.ops["exact"] = equal
	r.ops["ne"] = func(v, o any) bool { return !equal(v, o) }
	r.ops["is"] = strictEqual
	r.ops["gt"] = ordered(func(c int) bool { return c > 0 })
	r.ops["gte"] = ordered(func(c int) bool { return c >= 0 })
	r.ops["lt"] = ordered(func(c int) bool { return c < 0 })
	r.ops["lte"] = ordered(func(c int) bool { return c <= 0 })
	r.ops["in"] = in
	r.ops["notIn"] = func(v, o any) bool { return !in(v, o) }
	r.ops["contains"] = contains
	r.ops["iContains"] = stringOp(func(s, sub string) bool {
		return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	})
	r.ops["startsWith"] = stringOp(strings.HasPrefix)
	r.ops["iStartsWith"] = stringOp(func(s, p string) bool {
		return strings.HasPrefix(strings.ToLower(s), strings.ToLower(p))
	})
	r.ops["endsWith"] = stringOp(strings.HasSuffix)
	r.ops["iEndsWith"] = stringOp(func(s, p string) bool {
		return strings.HasSuffix(strings.ToLower(s), strings.ToLower(p))
	})
	r.ops["iExact"] = stringOp(strings.EqualFold)
	r.ops["isNull"] = isNull
	r.ops["exists"] = exists
	r.ops["range"] = between

	// length closes over the registry so a nested lookup object can be
	// re-evaluated against the collection's length.
	r.ops["length"] = func(v, o any) bool { return r.length(v, o) }
}

// Compare orders two values. It understands numbers (int and float
// kinds compare numerically), strings, and time.Time. The second
// return is false when the values are not mutually comparable.
func Compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
		return 0, false
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			switch {
			case ta.Before(tb):
				return -1, true
			case ta.After(tb):
				return 1, true
			}
			return 0, true
		}
	}
	return 0, false
}

// Equal reports whether two values are equal under the matcher's loose
// semantics: numeric kinds are coerced before comparison, everything
// else uses deep equality.
func Equal(a, b any) bool { return equal(a, b) }

func equal(a, b any) bool {
	if a == Missing || b == Missing {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Equal(tb)
		}
	}
	return reflect.DeepEqual(a, b)
}

func strictEqual(a, b any) bool {
	if a == Missing {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func ordered(pass func(int) bool) Fn {
	return func(v, o any) bool {
		c, ok := Compare(v, o)
		return ok && pass(c)
	}
}

// stringOp wraps a string predicate; non-string values fail the
// lookup instead of raising.
func stringOp(pred func(s, operand string) bool) Fn {
	return func(v, o any) bool {
		s, ok := v.(string)
		if !ok {
			return false
		}
		os, ok := o.(string)
		if !ok {
			return false
		}
		return pred(s, os)
	}
}

func in(v, o any) bool {
	rv := reflect.ValueOf(o)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if equal(v, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// contains matches substrings on strings and membership on slices.
func contains(v, o any) bool {
	if s, ok := v.(string); ok {
		sub, ok := o.(string)
		return ok && strings.Contains(s, sub)
	}
	rv := reflect.ValueOf(v)
	if rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), o) {
				return true
			}
		}
	}
	return false
}

func isNull(v, o any) bool {
	want, ok := o.(bool)
	if !ok {
		return false
	}
	return (v == nil || v == Missing) == want
}

func exists(v, o any) bool {
	want, ok := o.(bool)
	if !ok {
		return false
	}
	return (v != Missing) == want
}

// between is inclusive on both ends. The operand is a map with
// "start" and "end" keys, or a two-element slice.
func between(v, o any) bool {
	var start, end any
	switch bounds := o.(type) {
	case map[string]any:
		start, end = bounds["start"], bounds["end"]
	case []any:
		if len(bounds) != 2 {
			return false
		}
		start, end = bounds[0], bounds[1]
	default:
		return false
	}
	lo, ok := Compare(v, start)
	if !ok || lo < 0 {
		return false
	}
	hi, ok := Compare(v, end)
	return ok && hi <= 0
}

// length matches against the element count of a string, slice, array
// or map. The operand is either a literal count or a nested lookup
// object re-evaluated against the length.
func (r *Registry) length(v, o any) bool {
	n, ok := lengthOf(v)
	if !ok {
		return false
	}
	if nested, ok := o.(map[string]any); ok {
		for op, operand := range nested {
			if !r.Resolve(op)(n, operand) {
				return false
			}
		}
		return true
	}
	return equal(n, o)
}

func lengthOf(v any) (int, bool) {
	if v == nil || v == Missing {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

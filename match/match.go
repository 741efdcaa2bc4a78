// Package match evaluates a single entity against a filter expression.
// A filter expression is a tree of field conditions and the logical
// combinators AND, OR and NOT. Evaluation is a pure function of the
// entity and the expression.
package match

import (
	"reflect"
	"strings"

	"github.com/artpar/modelq/lookup"
)

// Logical combinator keys recognized at any level of a filter
// expression. All other keys are field paths.
const (
	And = "AND"
	Or  = "OR"
	Not = "NOT"
)

// Source resolves a single attribute by name. Entities implement it;
// plain map[string]any values are handled directly.
type Source interface {
	Attr(name string) (any, bool)
}

// Match reports whether src satisfies the filter expression.
//
// Field values that are plain objects are treated as operator maps and
// every operator must pass; any other value is an implicit exact
// match. When more than one logical key is present on a single node,
// only the first in the fixed priority AND, OR, NOT takes effect; the
// others are ignored. Expressions that need several combinators must
// nest them explicitly.
func Match(src any, filter map[string]any, reg *lookup.Registry) bool {
	if reg == nil {
		reg = lookup.Default
	}

	fieldResult := true
	for key, cond := range filter {
		if key == And || key == Or || key == Not {
			continue
		}
		if !matchField(src, key, cond, reg) {
			fieldResult = false
		}
	}

	if sub, ok := subExpr(filter[And]); ok {
		return fieldResult && Match(src, sub, reg)
	}
	if sub, ok := subExpr(filter[Or]); ok {
		return fieldResult || Match(src, sub, reg)
	}
	if sub, ok := subExpr(filter[Not]); ok {
		return fieldResult && !Match(src, sub, reg)
	}
	return fieldResult
}

func matchField(src any, path string, cond any, reg *lookup.Registry) bool {
	value := Resolve(src, path)

	if ops, ok := lookupMap(cond); ok {
		for op, operand := range ops {
			if !reg.Resolve(op)(value, operand) {
				return false
			}
		}
		return true
	}
	return reg.Resolve("exact")(value, cond)
}

// Resolve walks a dot-separated path through nested maps and Sources.
// Unresolvable paths yield lookup.Missing.
func Resolve(src any, path string) any {
	cur := src
	for _, part := range strings.Split(path, ".") {
		v, ok := attr(cur, part)
		if !ok {
			return lookup.Missing
		}
		cur = v
	}
	return cur
}

func attr(src any, name string) (any, bool) {
	switch s := src.(type) {
	case nil:
		return nil, false
	case Source:
		return s.Attr(name)
	case map[string]any:
		v, ok := s[name]
		return v, ok
	}
	// Named map types (e.g. Filter-like aliases) still resolve.
	rv := reflect.ValueOf(src)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(name))
		if v.IsValid() {
			return v.Interface(), true
		}
	}
	return nil, false
}

// subExpr interprets a logical key's payload as a nested expression.
func subExpr(v any) (map[string]any, bool) {
	if v == nil {
		return nil, false
	}
	return lookupMap(v)
}

// lookupMap converts any string-keyed map value (including named map
// types) into a map[string]any. Slices and non-map values are not
// lookup maps.
func lookupMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	for _, k := range rv.MapKeys() {
		out[k.String()] = rv.MapIndex(k).Interface()
	}
	return out, true
}

package web

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/artpar/modelq"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// listParams are the queryset inputs extracted from a list request.
type listParams struct {
	Filter modelq.Filter
	Sort   []string
	Limit  int
	Offset int
}

// parseListParams maps query parameters onto queryset inputs.
//
//	status__in=draft,booked
//	amount__gte=1000
//	name=alice            (bare key means exact)
//	_sort=-created,name
//	_limit=20&_offset=40
func parseListParams(q url.Values, d *modelq.Descriptor) listParams {
	p := listParams{Limit: defaultLimit}

	if v := q.Get("_limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= maxLimit {
			p.Limit = n
		}
	}
	if v := q.Get("_offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}

	if v := strings.TrimSpace(q.Get("_sort")); v != "" {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" && part != "-" {
				p.Sort = append(p.Sort, part)
			}
		}
	}

	filter := modelq.Filter{}
	for key, vals := range q {
		if strings.HasPrefix(key, "_") || len(vals) == 0 || vals[0] == "" {
			continue
		}
		// key is either a field path or field__op
		field, op := key, "exact"
		if i := strings.LastIndex(key, "__"); i > 0 {
			field, op = key[:i], key[i+2:]
		}
		filter[field] = modelq.Lookup{op: parseOperand(vals[0], op, field, d)}
	}
	if len(filter) > 0 {
		p.Filter = filter
	}
	return p
}

// parseOperand converts a raw query value into the operand shape the
// lookup expects: lists for membership tests, the field's internal
// representation for scalars when the field is known.
func parseOperand(raw, op, field string, d *modelq.Descriptor) any {
	switch op {
	case "in", "notIn":
		parts := strings.Split(raw, ",")
		out := make([]any, 0, len(parts))
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, coerceValue(part, field, d))
			}
		}
		return out
	case "isNull", "exists":
		return raw == "true" || raw == "1"
	case "range":
		bounds := strings.SplitN(raw, ",", 2)
		if len(bounds) == 2 {
			return []any{
				coerceValue(strings.TrimSpace(bounds[0]), field, d),
				coerceValue(strings.TrimSpace(bounds[1]), field, d),
			}
		}
		return coerceValue(raw, field, d)
	default:
		return coerceValue(raw, field, d)
	}
}

// coerceValue runs the field's internal converter when the path names
// a declared top-level field. Dot paths and unknown fields stay
// strings; loose equality handles numeric text either way.
func coerceValue(raw, field string, d *modelq.Descriptor) any {
	if d == nil || strings.Contains(field, ".") {
		return raw
	}
	f, ok := d.Fields[field]
	if !ok || f.ToInternal == nil {
		return raw
	}
	v, err := f.ToInternal(raw)
	if err != nil {
		return raw
	}
	return v
}

package modelq

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strconv"
	"time"
)

// FieldType identifies a field's kind. The built-in set is closed;
// integrators may use additional string tags for custom fields as long
// as they supply their own converters.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeNumber     FieldType = "number"
	TypeBool       FieldType = "bool"
	TypeDate       FieldType = "date"
	TypeEmail      FieldType = "email"
	TypeEnum       FieldType = "enum"
	TypeJSON       FieldType = "json"
	TypeRelation   FieldType = "relation"
	TypeReverse    FieldType = "reverse"
	TypeManyToMany FieldType = "manyToMany"
	TypeNested     FieldType = "nested"
)

// Converter transforms a field value between its external and internal
// representations. Converters pass nil through and are idempotent:
// converting an already-converted value yields the same result.
type Converter func(any) (any, error)

// ValidatorFunc validates a single field value.
type ValidatorFunc func(any) error

// Field is the declarative descriptor for one attribute of a model.
// Fields are owned by a Descriptor and shared by all its entities;
// they are not mutated after registration.
type Field struct {
	// Type is the field kind. See the Type constants.
	Type FieldType

	// Required marks the field as mandatory during FullClean.
	Required bool

	// Default is applied during normalization when the field is absent
	// from the input.
	Default any

	// Values lists the valid values for enum fields.
	Values []string

	// To names the target model for relation, reverse and many-to-many
	// fields.
	To string

	// ReverseName overrides the accessor name wired onto the target
	// model at registry validation. Defaults to "<model>_set".
	ReverseName string

	// Via names the forward relation field on the target model that a
	// reverse field traverses.
	Via string

	// Nested holds the embedded model for nested fields.
	Nested *Descriptor

	// ToInternal converts raw input to the normalized representation.
	ToInternal Converter

	// ToExternal converts a normalized value back to its external
	// representation.
	ToExternal Converter

	// Validate checks a normalized value during FullClean.
	Validate ValidatorFunc
}

// IsRelation reports whether the field is a forward relation.
func (f Field) IsRelation() bool {
	return f.Type == TypeRelation || f.Type == TypeManyToMany
}

// WithRequired returns a copy of the field marked required.
func (f Field) WithRequired() Field {
	f.Required = true
	return f
}

// WithDefault returns a copy of the field carrying a default value.
func (f Field) WithDefault(v any) Field {
	f.Default = v
	return f
}

// WithValidator returns a copy of the field with an extra validator
// chained after the built-in one.
func (f Field) WithValidator(fn ValidatorFunc) Field {
	prev := f.Validate
	f.Validate = func(v any) error {
		if prev != nil {
			if err := prev(v); err != nil {
				return err
			}
		}
		return fn(v)
	}
	return f
}

// identity is the default converter.
func identity(v any) (any, error) { return v, nil }

// String declares a string field.
func String() Field {
	return Field{Type: TypeString, ToInternal: toStringValue, ToExternal: identity, Validate: validateString}
}

// Number declares a numeric field. Numeric strings parse to numbers;
// all numeric kinds normalize to float64.
func Number() Field {
	return Field{Type: TypeNumber, ToInternal: toNumberValue, ToExternal: identity, Validate: validateNumber}
}

// Bool declares a boolean field. The strings "true" and "false" parse.
func Bool() Field {
	return Field{Type: TypeBool, ToInternal: toBoolValue, ToExternal: identity, Validate: validateBool}
}

// Date declares a date field. Inputs parse from RFC 3339 (or a bare
// date) into time.Time and serialize back to RFC 3339.
func Date() Field {
	return Field{Type: TypeDate, ToInternal: toDateValue, ToExternal: dateToExternal, Validate: validateDate}
}

// Email declares a string field validated as an address.
func Email() Field {
	return Field{Type: TypeEmail, ToInternal: toStringValue, ToExternal: identity, Validate: validateEmail}
}

// Enum declares a string field restricted to the given values.
func Enum(values ...string) Field {
	f := Field{Type: TypeEnum, Values: values, ToInternal: toStringValue, ToExternal: identity}
	f.Validate = func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		for _, allowed := range values {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q not in %v", s, values)
	}
	return f
}

// JSON declares a field holding arbitrary structured data. String
// input parses as JSON; structured input passes through. The external
// form is the JSON encoding.
func JSON() Field {
	return Field{Type: TypeJSON, ToInternal: jsonToInternal, ToExternal: jsonToExternal}
}

// Relation declares a forward relation to the named model. The stored
// value is either a bare primary key or an object carrying one.
func Relation(to string) Field {
	return Field{Type: TypeRelation, To: to, ToInternal: identity, ToExternal: identity}
}

// Reverse declares the reverse side of a relation: entities of the
// `to` model whose `via` field reference this one.
func Reverse(to, via string) Field {
	return Field{Type: TypeReverse, To: to, Via: via, ToInternal: identity, ToExternal: identity}
}

// ManyToMany declares a field holding a list of keys (bare or
// object-with-key) referencing the named model.
func ManyToMany(to string) Field {
	return Field{Type: TypeManyToMany, To: to, ToInternal: identity, ToExternal: identity}
}

// Nested declares a field embedding another model. Raw input maps are
// normalized through the nested model's own field table.
func Nested(d *Descriptor) Field {
	return Field{Type: TypeNested, Nested: d, ToInternal: identity, ToExternal: identity}
}

// InferFields derives a field table from a sample record: one string,
// number or boolean field per property, with identity conversion for
// anything else. It replaces explicit declarations for throwaway
// models and tests.
func InferFields(sample map[string]any) map[string]Field {
	fields := make(map[string]Field, len(sample))
	for name, v := range sample {
		switch v.(type) {
		case string:
			fields[name] = String()
		case bool:
			fields[name] = Bool()
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			fields[name] = Number()
		default:
			fields[name] = Field{Type: TypeString, ToInternal: identity, ToExternal: identity}
		}
	}
	return fields
}

// ---------------------------------------------------------------------------
// Converters
// ---------------------------------------------------------------------------

func toStringValue(v any) (any, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	return fmt.Sprintf("%v", v), nil
}

func toNumberValue(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", n, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot convert %T to number", v)
}

func toBoolValue(v any) (any, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return nil, fmt.Errorf("parse bool %q: %w", b, err)
		}
		return parsed, nil
	}
	return nil, fmt.Errorf("cannot convert %T to bool", v)
}

// dateLayouts are tried in order when parsing date input.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func toDateValue(v any) (any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return d, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("parse date %q", d)
	}
	return nil, fmt.Errorf("cannot convert %T to date", v)
}

func dateToExternal(v any) (any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return d.Format(time.RFC3339), nil
	case string:
		return d, nil
	}
	return nil, fmt.Errorf("cannot serialize %T as date", v)
}

func jsonToInternal(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return parsed, nil
}

func jsonToExternal(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

// ---------------------------------------------------------------------------
// Validators
// ---------------------------------------------------------------------------

func validateString(v any) error {
	if _, ok := v.(string); !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	return nil
}

func validateNumber(v any) error {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	}
	return fmt.Errorf("expected number, got %T", v)
}

func validateBool(v any) error {
	if _, ok := v.(bool); !ok {
		return fmt.Errorf("expected bool, got %T", v)
	}
	return nil
}

func validateDate(v any) error {
	if _, ok := v.(time.Time); !ok {
		return fmt.Errorf("expected date, got %T", v)
	}
	return nil
}

func validateEmail(v any) error {
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", v)
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return fmt.Errorf("invalid email %q", s)
	}
	return nil
}

package modelq

import (
	"errors"
	"testing"
	"time"
)

func TestStringConversion(t *testing.T) {
	f := String()

	tests := []struct {
		name  string
		in    any
		want  any
		fails bool
	}{
		{"string passes", "hello", "hello", false},
		{"nil passes", nil, nil, false},
		{"number stringifies", 42, "42", false},
		{"bool stringifies", true, "true", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ToInternal(tt.in)
			if (err != nil) != tt.fails {
				t.Fatalf("ToInternal(%v) error = %v", tt.in, err)
			}
			if !tt.fails && got != tt.want {
				t.Errorf("ToInternal(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNumberConversion(t *testing.T) {
	f := Number()

	tests := []struct {
		name  string
		in    any
		want  any
		fails bool
	}{
		{"float passes", 3.5, 3.5, false},
		{"int normalizes", 3, float64(3), false},
		{"int64 normalizes", int64(9), float64(9), false},
		{"numeric string parses", "12.5", 12.5, false},
		{"nil passes", nil, nil, false},
		{"garbage string fails", "abc", nil, true},
		{"bool fails", true, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.ToInternal(tt.in)
			if (err != nil) != tt.fails {
				t.Fatalf("ToInternal(%v) error = %v", tt.in, err)
			}
			if !tt.fails && got != tt.want {
				t.Errorf("ToInternal(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	// Idempotence: converting twice yields the same value.
	once, _ := f.ToInternal("7")
	twice, err := f.ToInternal(once)
	if err != nil || once != twice {
		t.Errorf("conversion not idempotent: %v then %v (err %v)", once, twice, err)
	}
}

func TestBoolConversion(t *testing.T) {
	f := Bool()

	if v, err := f.ToInternal("true"); err != nil || v != true {
		t.Errorf(`ToInternal("true") = %v, %v`, v, err)
	}
	if v, err := f.ToInternal(false); err != nil || v != false {
		t.Errorf("ToInternal(false) = %v, %v", v, err)
	}
	if _, err := f.ToInternal("yes"); err == nil {
		t.Error(`ToInternal("yes") should fail`)
	}
}

func TestDateConversion(t *testing.T) {
	f := Date()

	t.Run("rfc3339 parses", func(t *testing.T) {
		v, err := f.ToInternal("2026-08-23T10:00:00Z")
		if err != nil {
			t.Fatal(err)
		}
		ts, ok := v.(time.Time)
		if !ok || ts.Year() != 2026 || ts.Month() != time.August {
			t.Errorf("parsed %v", v)
		}
	})

	t.Run("bare date parses", func(t *testing.T) {
		v, err := f.ToInternal("2026-08-23")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := v.(time.Time); !ok {
			t.Errorf("parsed %T", v)
		}
	})

	t.Run("time passes through", func(t *testing.T) {
		now := time.Now()
		v, err := f.ToInternal(now)
		if err != nil || v != now {
			t.Errorf("ToInternal(time) = %v, %v", v, err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		internal, err := f.ToInternal("2026-08-23T10:00:00Z")
		if err != nil {
			t.Fatal(err)
		}
		external, err := f.ToExternal(internal)
		if err != nil {
			t.Fatal(err)
		}
		s, ok := external.(string)
		if !ok || s == "" {
			t.Errorf("ToExternal = %v", external)
		}
		again, err := f.ToInternal(external)
		if err != nil {
			t.Fatal(err)
		}
		if !internal.(time.Time).Equal(again.(time.Time)) {
			t.Errorf("round trip drifted: %v vs %v", internal, again)
		}
	})

	t.Run("garbage fails", func(t *testing.T) {
		if _, err := f.ToInternal("not-a-date"); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestEnumValidation(t *testing.T) {
	f := Enum("draft", "published")

	if err := f.Validate("draft"); err != nil {
		t.Errorf("valid value rejected: %v", err)
	}
	if err := f.Validate("archived"); err == nil {
		t.Error("invalid value accepted")
	}
	if err := f.Validate(3); err == nil {
		t.Error("non-string accepted")
	}
}

func TestEmailValidation(t *testing.T) {
	f := Email()

	if err := f.Validate("alice@example.com"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	if err := f.Validate("not an address"); err == nil {
		t.Error("invalid address accepted")
	}
}

func TestJSONConversion(t *testing.T) {
	f := JSON()

	t.Run("string parses", func(t *testing.T) {
		v, err := f.ToInternal(`{"a": 1}`)
		if err != nil {
			t.Fatal(err)
		}
		m, ok := v.(map[string]any)
		if !ok || m["a"] != float64(1) {
			t.Errorf("parsed %v", v)
		}
	})

	t.Run("structured passes through", func(t *testing.T) {
		in := map[string]any{"b": true}
		v, err := f.ToInternal(in)
		if err != nil {
			t.Fatal(err)
		}
		if v.(map[string]any)["b"] != true {
			t.Errorf("got %v", v)
		}
	})

	t.Run("external is encoding", func(t *testing.T) {
		v, err := f.ToExternal(map[string]any{"a": 1})
		if err != nil {
			t.Fatal(err)
		}
		if v != `{"a":1}` {
			t.Errorf("ToExternal = %v", v)
		}
	})

	t.Run("invalid json fails", func(t *testing.T) {
		if _, err := f.ToInternal("{broken"); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestFieldBuilders(t *testing.T) {
	f := String().WithRequired().WithDefault("n/a")
	if !f.Required || f.Default != "n/a" {
		t.Errorf("builders not applied: %+v", f)
	}

	base := String()
	if base.Required {
		t.Error("WithRequired must not mutate the original")
	}

	checked := Number().WithValidator(func(v any) error {
		if v.(float64) < 0 {
			return errors.New("negative")
		}
		return nil
	})
	if err := checked.Validate(float64(5)); err != nil {
		t.Errorf("chained validator rejected valid value: %v", err)
	}
	if err := checked.Validate(float64(-1)); err == nil {
		t.Error("chained validator accepted invalid value")
	}
}

func TestInferFields(t *testing.T) {
	fields := InferFields(map[string]any{
		"name":   "alice",
		"age":    30,
		"active": true,
		"tags":   []any{"a"},
	})

	if fields["name"].Type != TypeString {
		t.Errorf("name inferred as %s", fields["name"].Type)
	}
	if fields["age"].Type != TypeNumber {
		t.Errorf("age inferred as %s", fields["age"].Type)
	}
	if fields["active"].Type != TypeBool {
		t.Errorf("active inferred as %s", fields["active"].Type)
	}
	// Unrecognized shapes keep identity conversion.
	if v, err := fields["tags"].ToInternal([]any{"a"}); err != nil || len(v.([]any)) != 1 {
		t.Errorf("tags conversion = %v, %v", v, err)
	}
}

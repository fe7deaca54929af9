package typeexpr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Check reports whether v, a value produced by encoding/json (preferably
// with UseNumber), is compatible with t.
func Check(t Type, v any) error {
	switch t.kind {
	case KindAny:
		return nil
	case KindScalar:
		return checkScalar(t.scalar, v)
	case KindList:
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected %s, got %s", t, describe(v))
		}
		elem := t.Elem()
		for i, x := range arr {
			if err := Check(elem, x); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case KindDict:
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected %s, got %s", t, describe(v))
		}
		key, val := t.Key(), t.Elem()
		for k, x := range obj {
			if err := checkKey(key, k); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
			if err := Check(val, x); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		return nil
	}
	return nil
}

func checkScalar(name string, v any) error {
	ok := false
	switch name {
	case "str":
		_, ok = v.(string)
	case "bool":
		_, ok = v.(bool)
	case "int":
		switch n := v.(type) {
		case json.Number:
			_, err := n.Int64()
			ok = err == nil
		case float64:
			ok = n == math.Trunc(n) && !math.IsInf(n, 0)
		case int, int64, int32:
			ok = true
		}
	case "float":
		switch v.(type) {
		case json.Number, float64, float32, int, int64, int32:
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("expected %s, got %s", name, describe(v))
	}
	return nil
}

// JSON object keys are always strings; non-str key types must parse.
func checkKey(t Type, k string) error {
	switch {
	case t.kind == KindAny, t.kind == KindScalar && t.scalar == "str":
		return nil
	case t.kind == KindScalar:
		_, err := Coerce(t, k)
		return err
	default:
		return fmt.Errorf("unsupported key type %s", t)
	}
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number, float64, float32, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Violation is one failed field of an object check.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string { return v.Field + ": " + v.Reason }

// ValidateObject checks v against a field list. It returns nil when v is
// an object carrying every required field with a compatible value.
func ValidateObject(fields []Field, v any) []Violation {
	obj, ok := v.(map[string]any)
	if !ok {
		return []Violation{{Field: "", Reason: "expected object, got " + describe(v)}}
	}
	var out []Violation
	for _, f := range fields {
		x, present := obj[f.Name]
		if !present || x == nil {
			if !f.Optional {
				out = append(out, Violation{Field: f.Name, Reason: "field required"})
			}
			continue
		}
		if err := Check(f.Type, x); err != nil {
			out = append(out, Violation{Field: f.Name, Reason: err.Error()})
		}
	}
	return out
}

// Coerce converts a textual value (query string, header) into a value of t.
// Lists and dicts are decoded from JSON text.
func Coerce(t Type, text string) (any, error) {
	switch t.kind {
	case KindAny:
		return text, nil
	case KindScalar:
		switch t.scalar {
		case "str":
			return text, nil
		case "int":
			n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected int, got %q", text)
			}
			return n, nil
		case "float":
			f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if err != nil {
				return nil, fmt.Errorf("expected float, got %q", text)
			}
			return f, nil
		case "bool":
			b, err := strconv.ParseBool(strings.TrimSpace(text))
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", text)
			}
			return b, nil
		}
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("expected %s: %w", t, err)
	}
	if err := Check(t, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CoerceValues converts repeated query values. Lists of scalars take every
// value; everything else takes the first one.
func CoerceValues(t Type, values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	if t.kind == KindList && t.Elem().kind != KindList && t.Elem().kind != KindDict {
		if len(values) == 1 && strings.HasPrefix(strings.TrimSpace(values[0]), "[") {
			return Coerce(t, values[0])
		}
		out := make([]any, 0, len(values))
		for _, s := range values {
			x, err := Coerce(t.Elem(), s)
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
		return out, nil
	}
	return Coerce(t, values[0])
}

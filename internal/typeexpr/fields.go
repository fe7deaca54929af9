package typeexpr

import (
	"strings"
)

// Field is one "name:type" entry of an annotation field list.
type Field struct {
	Name     string
	Type     Type
	Optional bool
}

func (f Field) String() string {
	s := f.Name + ":" + f.Type.String()
	if f.Optional {
		s += "?"
	}
	return s
}

// ParseFields parses a comma separated field list such as
// "name:str, tags:list[str], extra:dict[str,int]?".
//
// A missing type means Any. A '?' in the type text marks the field optional;
// '!' is accepted and ignored.
func ParseFields(raw string) ([]Field, error) {
	parts := SplitTopLevel(raw)
	out := make([]Field, 0, len(parts))
	for _, part := range parts {
		name, typ, hasType := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		optional := false
		if n, ok := strings.CutSuffix(name, "?"); ok {
			name, optional = strings.TrimSpace(n), true
		}
		if name == "" || !isIdent(name) {
			return nil, &ExprError{Text: part, Reason: "field name must be an identifier"}
		}
		f := Field{Name: name, Optional: optional}
		if hasType {
			if strings.Contains(typ, "?") {
				f.Optional = true
			}
			typ = strings.NewReplacer("?", "", "!", "").Replace(typ)
			t, err := Resolve(typ)
			if err != nil {
				return nil, err
			}
			f.Type = t
		}
		out = append(out, f)
	}
	return out, nil
}

// SplitTopLevel splits s on commas that are not nested inside [] or {}.
// Empty entries are dropped and the rest are trimmed.
func SplitTopLevel(s string) []string {
	var (
		out   []string
		depth int
		start int
	)
	flush := func(end int) {
		if p := strings.TrimSpace(s[start:end]); p != "" {
			out = append(out, p)
		}
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[', '{':
			depth++
		case ']', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				flush(i)
				start = i + 1
			}
		}
	}
	flush(len(s))
	return out
}

func isIdent(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}

// IsIdent reports whether s is a valid parameter identifier.
func IsIdent(s string) bool { return isIdent(s) }

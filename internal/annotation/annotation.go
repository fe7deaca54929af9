package annotation

import (
	"errors"
	"strings"

	"cellserve/internal/cell"
)

var (
	ErrUnknownAnnotationKind = errors.New("unknown annotation kind")
	ErrUnknownAnnotationKey  = errors.New("unknown annotation key")
	ErrDuplicateKey          = errors.New("duplicate annotation key")
	ErrMissingRequiredField  = errors.New("missing required field")
	ErrConflictingField      = errors.New("conflicting fields")
)

type Kind uint8

const (
	KindHTTP Kind = iota + 1
	KindWS
	KindSchedule
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "HTTP"
	case KindWS:
		return "WS"
	case KindSchedule:
		return "SCHEDULE"
	default:
		return "unknown"
	}
}

// Methods lists the HTTP verbs accepted on the verb line.
var Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// Keys recognized per kind.
const (
	KeyBody     = "body"
	KeyQuery    = "query"
	KeyResp     = "resp"
	KeyHeaders  = "headers"
	KeyType     = "type"
	KeyMessage  = "message"
	KeyValidate = "validate"
	KeyCron     = "cron"
	KeyInterval = "interval"
)

var allowedKeys = map[Kind][]string{
	KindHTTP:     {KeyBody, KeyQuery, KeyResp, KeyHeaders},
	KindWS:       {KeyType, KeyMessage, KeyValidate},
	KindSchedule: {KeyCron, KeyInterval},
}

// RawField is one "key: value" line, value unparsed.
type RawField struct {
	Key   string
	Value string
}

// Annotation is a parsed cell header. It is immutable; accessors copy.
type Annotation struct {
	kind   Kind
	loc    cell.Location
	method string
	path   string
	fields []RawField
}

func (a Annotation) Kind() Kind              { return a.kind }
func (a Annotation) Location() cell.Location { return a.loc }

// Method is the HTTP verb; empty for other kinds.
func (a Annotation) Method() string { return a.method }

// Path is the route path for HTTP and WS annotations.
func (a Annotation) Path() string { return a.path }

// Fields returns the key/value lines in header order.
func (a Annotation) Fields() []RawField {
	return append([]RawField(nil), a.fields...)
}

// Value returns the raw value for key.
func (a Annotation) Value(key string) (string, bool) {
	for _, f := range a.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Parse parses header text (comment markers optional) into an Annotation.
func Parse(header string, loc cell.Location) (Annotation, error) {
	lines := headerLines(header)
	if len(lines) == 0 {
		return Annotation{}, cell.Errorf(ErrUnknownAnnotationKind, loc, "empty header")
	}

	marker := strings.Fields(lines[0])[0]
	rest := strings.TrimSpace(strings.TrimPrefix(lines[0], marker))
	a := Annotation{loc: loc}
	lines = lines[1:]

	switch marker {
	case "@HTTP":
		a.kind = KindHTTP
		verbLine := rest
		if verbLine == "" && len(lines) > 0 && isVerbLine(lines[0]) {
			verbLine = lines[0]
			lines = lines[1:]
		}
		if verbLine == "" {
			return Annotation{}, cell.Errorf(ErrMissingRequiredField, loc, "@HTTP needs a method and path line")
		}
		method, path, err := parseVerbLine(verbLine, loc)
		if err != nil {
			return Annotation{}, err
		}
		a.method, a.path = method, path
	case "@WS":
		a.kind = KindWS
		if rest == "" {
			return Annotation{}, cell.Errorf(ErrMissingRequiredField, loc, "@WS needs a path")
		}
		a.path = rest
	case "@SCHEDULE":
		a.kind = KindSchedule
		if rest != "" {
			return Annotation{}, cell.Errorf(ErrUnknownAnnotationKey, loc, "unexpected %q after @SCHEDULE", rest)
		}
	default:
		return Annotation{}, cell.Errorf(ErrUnknownAnnotationKind, loc, "%q", marker)
	}

	allowed := allowedKeys[a.kind]
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return Annotation{}, cell.Errorf(ErrUnknownAnnotationKey, loc, "line %q is not a key: value pair", line)
		}
		if !contains(allowed, key) {
			return Annotation{}, cell.Errorf(ErrUnknownAnnotationKey, loc, "%q is not valid for @%s", key, a.kind)
		}
		if _, dup := a.Value(key); dup {
			return Annotation{}, cell.Errorf(ErrDuplicateKey, loc, "%q", key)
		}
		a.fields = append(a.fields, RawField{Key: key, Value: unquote(strings.TrimSpace(value))})
	}

	if a.kind == KindSchedule {
		_, hasCron := a.Value(KeyCron)
		_, hasInterval := a.Value(KeyInterval)
		switch {
		case hasCron && hasInterval:
			return Annotation{}, cell.Errorf(ErrConflictingField, loc, "cron and interval are mutually exclusive")
		case !hasCron && !hasInterval:
			return Annotation{}, cell.Errorf(ErrMissingRequiredField, loc, "@SCHEDULE needs cron or interval")
		}
	}
	return a, nil
}

// IsAnnotated reports whether header starts with an annotation marker.
// Cells whose header does not are plain code.
func IsAnnotated(header string) bool {
	lines := headerLines(header)
	return len(lines) > 0 && strings.HasPrefix(lines[0], "@")
}

// headerLines strips comment markers and drops blank lines.
func headerLines(header string) []string {
	var out []string
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func isVerbLine(line string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && contains(Methods, fields[0])
}

func parseVerbLine(line string, loc cell.Location) (string, string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !contains(Methods, fields[0]) {
		return "", "", cell.Errorf(ErrMissingRequiredField, loc, "expected one of %s, got %q", strings.Join(Methods, "|"), line)
	}
	if len(fields) != 2 {
		return "", "", cell.Errorf(ErrMissingRequiredField, loc, "expected \"METHOD /path\", got %q", line)
	}
	return fields[0], fields[1], nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

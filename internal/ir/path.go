package ir

import (
	"strconv"
	"strings"

	"cellserve/internal/typeexpr"
)

// Segment is one '/'-separated piece of a path template.
type Segment struct {
	Literal string
	Param   string
}

func (s Segment) IsParam() bool { return s.Param != "" }

// PathTemplate is a route path such as "/users/{id}/posts".
type PathTemplate struct {
	raw      string
	segments []Segment
}

// ParsePath parses a path template. Parameters are whole segments of the
// form {name} where name is an identifier.
func ParsePath(raw string) (PathTemplate, error) {
	if !strings.HasPrefix(raw, "/") {
		return PathTemplate{}, pathError(raw, "must start with '/'")
	}
	p := PathTemplate{raw: raw}
	if raw == "/" {
		return p, nil
	}
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw[1:], "/") {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if !typeexpr.IsIdent(name) {
				return PathTemplate{}, pathError(raw, "invalid parameter "+strconv.Quote(part))
			}
			if seen[name] {
				return PathTemplate{}, pathError(raw, "repeated parameter "+strconv.Quote(name))
			}
			seen[name] = true
			p.segments = append(p.segments, Segment{Param: name})
			continue
		}
		if strings.ContainsAny(part, "{}") {
			return PathTemplate{}, pathError(raw, "unbalanced braces in "+strconv.Quote(part))
		}
		p.segments = append(p.segments, Segment{Literal: part})
	}
	return p, nil
}

func (p PathTemplate) String() string { return p.raw }

// Params lists parameter names in path order.
func (p PathTemplate) Params() []string {
	var out []string
	for _, s := range p.segments {
		if s.IsParam() {
			out = append(out, s.Param)
		}
	}
	return out
}

// HasParam reports whether the template declares {name}.
func (p PathTemplate) HasParam(name string) bool {
	for _, s := range p.segments {
		if s.Param == name {
			return true
		}
	}
	return false
}

// Key is the template with parameter names erased: "/users/{}/posts".
// Two templates with equal keys match the same requests.
func (p PathTemplate) Key() string {
	if len(p.segments) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range p.segments {
		b.WriteByte('/')
		if s.IsParam() {
			b.WriteString("{}")
		} else {
			b.WriteString(s.Literal)
		}
	}
	return b.String()
}

// MuxPattern renders the template for net/http.ServeMux with positional
// parameter names p0, p1, ... so templates with the same Key produce the
// same pattern.
func (p PathTemplate) MuxPattern() string {
	if len(p.segments) == 0 {
		return "/{$}"
	}
	var b strings.Builder
	n := 0
	for _, s := range p.segments {
		b.WriteByte('/')
		if s.IsParam() {
			b.WriteString("{p" + strconv.Itoa(n) + "}")
			n++
		} else {
			b.WriteString(s.Literal)
		}
	}
	return b.String()
}

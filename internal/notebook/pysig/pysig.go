// Package pysig finds the function a notebook cell defines and reads its
// parameter list. It is a scanner, not a Python parser: it takes the first
// top-level "def" or "async def" of the cell body.
package pysig

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"cellserve/internal/cell"
)

var reDef = regexp.MustCompile(`(?m)^(async[ \t]+)?def[ \t]+([A-Za-z_][A-Za-z0-9_]*)[ \t]*\(`)

// Parse returns the signature of the first function in body, or
// cell.ErrNoFunction.
func Parse(body string) (cell.Signature, error) {
	m := reDef.FindStringSubmatchIndex(body)
	if m == nil {
		return cell.Signature{}, cell.ErrNoFunction
	}
	sig := cell.Signature{
		Name:  body[m[4]:m[5]],
		Async: m[2] >= 0,
	}
	open := m[1] - 1
	params, ok := enclosed(body, open)
	if !ok {
		return cell.Signature{}, fmt.Errorf("pysig: unterminated parameter list of %s", sig.Name)
	}
	for _, p := range splitParams(params) {
		name, typ := p, ""
		if i := strings.IndexByte(name, '='); i >= 0 {
			name = name[:i]
		}
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name, typ = name[:i], strings.TrimSpace(name[i+1:])
		}
		name = strings.TrimLeft(strings.TrimSpace(name), "*")
		if name == "" || name == "/" {
			continue
		}
		sig.Params = append(sig.Params, cell.Param{Name: name, Type: typ})
	}
	return sig, nil
}

// enclosed returns the text between s[open] == '(' and its matching ')'.
func enclosed(s string, open int) (string, bool) {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return s[open+1 : i], true
			}
		}
	}
	return "", false
}

func splitParams(s string) []string {
	var (
		out   []string
		depth int
		start int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// Index answers signature lookups for cells added to it.
type Index struct {
	mu     sync.RWMutex
	bodies map[cell.Location]string
}

var _ cell.SignatureLookup = (*Index)(nil)

func NewIndex() *Index {
	return &Index{bodies: make(map[cell.Location]string)}
}

// Add records the body of the cell at loc.
func (x *Index) Add(loc cell.Location, body string) {
	x.mu.Lock()
	x.bodies[loc] = body
	x.mu.Unlock()
}

func (x *Index) Lookup(loc cell.Location) (cell.Signature, error) {
	x.mu.RLock()
	body, ok := x.bodies[loc]
	x.mu.RUnlock()
	if !ok {
		return cell.Signature{}, cell.ErrNoFunction
	}
	return Parse(body)
}

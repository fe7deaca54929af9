// Package typeexpr resolves the small type grammar used in cell annotations:
//
//	TYPE := SCALAR | "list" "[" TYPE "]" | "dict" "[" TYPE "," TYPE "]" | "Any"
//	SCALAR := "str" | "int" | "float" | "bool"
//
// Whitespace between tokens is ignored. Resolved types print back in a
// canonical form that resolves to an equal type.
package typeexpr

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidTypeExpression = errors.New("invalid type expression")

// ExprError reports where resolution failed.
type ExprError struct {
	Text   string
	Pos    int
	Reason string
}

func (e *ExprError) Error() string {
	return fmt.Sprintf("%v %q at offset %d: %s", ErrInvalidTypeExpression, e.Text, e.Pos, e.Reason)
}

func (e *ExprError) Unwrap() error { return ErrInvalidTypeExpression }

type Kind uint8

const (
	KindAny Kind = iota
	KindScalar
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return "any"
	}
}

// Type is a resolved type expression. The zero value is Any.
type Type struct {
	kind   Kind
	scalar string
	elem   *Type // list element, dict value
	key    *Type // dict key
}

var (
	Str   = Type{kind: KindScalar, scalar: "str"}
	Int   = Type{kind: KindScalar, scalar: "int"}
	Float = Type{kind: KindScalar, scalar: "float"}
	Bool  = Type{kind: KindScalar, scalar: "bool"}
)

// AnyType returns the Any type.
func AnyType() Type { return Type{} }

func List(elem Type) Type { return Type{kind: KindList, elem: &elem} }

func Dict(key, value Type) Type { return Type{kind: KindDict, key: &key, elem: &value} }

func (t Type) Kind() Kind { return t.kind }

// Name is the scalar name ("str", "int", ...), empty for other kinds.
func (t Type) Name() string { return t.scalar }

// Elem is the list element type or the dict value type.
func (t Type) Elem() Type {
	if t.elem == nil {
		return Type{}
	}
	return *t.elem
}

// Key is the dict key type.
func (t Type) Key() Type {
	if t.key == nil {
		return Type{}
	}
	return *t.key
}

// Equal compares structurally.
func (t Type) Equal(o Type) bool {
	if t.kind != o.kind {
		return false
	}
	switch t.kind {
	case KindScalar:
		return t.scalar == o.scalar
	case KindList:
		return t.Elem().Equal(o.Elem())
	case KindDict:
		return t.Key().Equal(o.Key()) && t.Elem().Equal(o.Elem())
	default:
		return true
	}
}

// String prints the canonical form, e.g. "dict[str,list[int]]".
func (t Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Type) write(b *strings.Builder) {
	switch t.kind {
	case KindScalar:
		b.WriteString(t.scalar)
	case KindList:
		b.WriteString("list[")
		t.Elem().write(b)
		b.WriteByte(']')
	case KindDict:
		b.WriteString("dict[")
		t.Key().write(b)
		b.WriteByte(',')
		t.Elem().write(b)
		b.WriteByte(']')
	default:
		b.WriteString("Any")
	}
}

// Resolve parses text into a Type.
func Resolve(text string) (Type, error) {
	p := parser{src: text}
	t, err := p.typ()
	if err != nil {
		return Type{}, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return Type{}, p.fail("unexpected trailing input")
	}
	return t, nil
}

// MustResolve is Resolve for literals known to be valid.
func MustResolve(text string) Type {
	t, err := Resolve(text)
	if err != nil {
		panic(err)
	}
	return t
}

type parser struct {
	src string
	pos int
}

func (p *parser) fail(reason string) error {
	return &ExprError{Text: p.src, Pos: p.pos, Reason: reason}
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *parser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return p.fail(fmt.Sprintf("expected %q, got end of input", c))
	}
	if p.src[p.pos] != c {
		return p.fail(fmt.Sprintf("expected %q, got %q", c, p.src[p.pos]))
	}
	p.pos++
	return nil
}

func (p *parser) typ() (Type, error) {
	start := p.pos
	name := p.ident()
	switch name {
	case "str", "int", "float", "bool":
		return Type{kind: KindScalar, scalar: name}, nil
	case "Any":
		return Type{}, nil
	case "list":
		if err := p.expect('['); err != nil {
			return Type{}, err
		}
		elem, err := p.typ()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(']'); err != nil {
			return Type{}, err
		}
		return List(elem), nil
	case "dict":
		if err := p.expect('['); err != nil {
			return Type{}, err
		}
		key, err := p.typ()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(','); err != nil {
			return Type{}, err
		}
		val, err := p.typ()
		if err != nil {
			return Type{}, err
		}
		if err := p.expect(']'); err != nil {
			return Type{}, err
		}
		return Dict(key, val), nil
	case "":
		if p.pos >= len(p.src) {
			return Type{}, p.fail("expected type, got end of input")
		}
		return Type{}, p.fail(fmt.Sprintf("expected type, got %q", p.src[p.pos]))
	default:
		p.pos = start
		p.skipSpace()
		return Type{}, p.fail(fmt.Sprintf("unknown type %q", name))
	}
}

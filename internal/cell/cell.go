// Package cell holds the small vocabulary shared by the compile stages:
// where an annotated cell lives, what its function looks like, and the
// located error every stage reports.
package cell

import (
	"errors"
	"fmt"
	"strconv"
)

// Location identifies a cell inside a notebook document.
type Location struct {
	Document string
	Cell     int
}

func (l Location) String() string {
	if l.Document == "" {
		return "cell " + strconv.Itoa(l.Cell)
	}
	return l.Document + "#" + strconv.Itoa(l.Cell)
}

// IsZero reports whether l was never set.
func (l Location) IsZero() bool { return l.Document == "" && l.Cell == 0 }

// Param is one declared parameter of a cell function.
type Param struct {
	Name string
	// Type is the native annotation text, if any.
	Type string
}

// Signature describes the function defined by a cell body.
type Signature struct {
	Name   string
	Async  bool
	Params []Param
}

// Has reports whether the signature declares a parameter named name.
func (s Signature) Has(name string) bool {
	for _, p := range s.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// ErrNoFunction is returned by lookups when a cell defines no function.
var ErrNoFunction = errors.New("cell defines no function")

// SignatureLookup resolves the function signature of the cell at loc.
type SignatureLookup interface {
	Lookup(loc Location) (Signature, error)
}

// LookupFunc adapts a plain function to SignatureLookup.
type LookupFunc func(loc Location) (Signature, error)

func (f LookupFunc) Lookup(loc Location) (Signature, error) { return f(loc) }

// Error is a compile error tied to a cell.
//
// Kind is one of the package-level sentinels of the stage that failed and is
// what errors.Is matches against. Other is set when the failure involves a
// second cell (duplicate routes).
type Error struct {
	Kind   error
	Loc    Location
	Other  *Location
	Detail string
}

// Errorf builds a located error of the given kind.
func Errorf(kind error, loc Location, format string, args ...any) *Error {
	return &Error{Kind: kind, Loc: loc, Detail: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Loc.String() + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Other != nil {
		msg += " (also at " + e.Other.String() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Kind }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

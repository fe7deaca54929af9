// Package binding maps the callable refs of a compiled service to Go
// handlers. Cells name functions; a Table supplies their implementations.
package binding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"cellserve/internal/ir"
	"cellserve/internal/ws"
)

var (
	ErrDuplicateBinding = errors.New("handler already bound")
	ErrUnbound          = errors.New("no handler bound")
	ErrModeMismatch     = errors.New("handler kind does not match socket mode")
)

// Request is what an HTTP handler sees. Values are already coerced to the
// declared types.
type Request struct {
	Method string
	Route  string
	// Params holds path parameters by their declared names.
	Params  map[string]string
	Query   map[string]any
	Headers map[string]any
	// Body is the decoded JSON body, nil when none was sent.
	Body any

	Raw *http.Request
}

func (r *Request) Param(name string) string { return r.Params[name] }

// HTTPHandler answers one request. The result is JSON encoded; a nil
// result produces `null`.
type HTTPHandler func(ctx context.Context, req *Request) (any, error)

// JobFunc is the body of a scheduled task.
type JobFunc func(ctx context.Context) error

// StatusError makes an HTTP handler answer with Status and {"detail": Detail}.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string { return fmt.Sprintf("%d %s", e.Status, e.Detail) }

func Errorf(status int, format string, args ...any) error {
	return &StatusError{Status: status, Detail: fmt.Sprintf(format, args...)}
}

type kind uint8

const (
	kindHTTP kind = iota + 1
	kindSocket
	kindStream
	kindJob
)

func (k kind) String() string {
	switch k {
	case kindHTTP:
		return "http"
	case kindSocket:
		return "socket"
	case kindStream:
		return "stream"
	case kindJob:
		return "job"
	}
	return "unknown"
}

type entry struct {
	kind   kind
	http   HTTPHandler
	event  ws.EventHandler
	stream ws.StreamHandler
	job    JobFunc
}

// Table is a set of named handlers. One name binds one handler.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewTable() *Table { return &Table{entries: map[string]entry{}} }

func (t *Table) add(name string, e entry) error {
	if name == "" {
		return fmt.Errorf("binding: empty %s handler name", e.kind)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.entries[name]; ok {
		return fmt.Errorf("%w: %q (%s)", ErrDuplicateBinding, name, prev.kind)
	}
	t.entries[name] = e
	return nil
}

func (t *Table) HTTP(name string, h HTTPHandler) error {
	return t.add(name, entry{kind: kindHTTP, http: h})
}

func (t *Table) Socket(name string, h ws.EventHandler) error {
	return t.add(name, entry{kind: kindSocket, event: h})
}

func (t *Table) Stream(name string, h ws.StreamHandler) error {
	return t.add(name, entry{kind: kindStream, stream: h})
}

func (t *Table) Job(name string, fn JobFunc) error {
	return t.add(name, entry{kind: kindJob, job: fn})
}

func (t *Table) get(name string) (entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[name]
	return e, ok
}

func (t *Table) LookupHTTP(ref ir.CallableRef) (HTTPHandler, bool) {
	e, ok := t.get(ref.Func)
	if !ok || e.kind != kindHTTP {
		return nil, false
	}
	return e.http, true
}

func (t *Table) LookupJob(ref ir.CallableRef) (JobFunc, bool) {
	e, ok := t.get(ref.Func)
	if !ok || e.kind != kindJob {
		return nil, false
	}
	return e.job, true
}

// Endpoint builds the dispatcher endpoint for a socket route. Event routes
// need a Socket handler, stream routes a Stream handler.
func (t *Table) Endpoint(r ir.SocketRoute) (*ws.Endpoint, error) {
	e, ok := t.get(r.Target.Func)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnbound, r.Target.Func, r.Target.Loc)
	}
	ep := &ws.Endpoint{Path: r.Path.String(), Message: r.Message, Validate: r.Validate}
	if r.Path.HasParam(ir.ClientIDParam) {
		ep.IDParam = ir.ClientIDParam
	}
	switch {
	case r.Mode == ir.ModeEvent && e.kind == kindSocket:
		ep.Event = e.event
	case r.Mode == ir.ModeStream && e.kind == kindStream:
		ep.Stream = e.stream
	default:
		return nil, fmt.Errorf("%w: %s is a %s handler, route %s is %s", ErrModeMismatch, r.Target.Func, e.kind, r.Path, r.Mode)
	}
	return ep, nil
}

// Names lists bound handler names, sorted.
func (t *Table) Names() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Unbound is a compiled target the table cannot serve.
type Unbound struct {
	What   string
	Target ir.CallableRef
}

func (u Unbound) String() string {
	return fmt.Sprintf("%s: %s -> %s (no handler)", u.Target.Loc, u.What, u.Target.Func)
}

// Missing reports every route, socket and schedule of svc without a
// matching handler.
func (t *Table) Missing(svc *ir.CompiledService) []Unbound {
	var out []Unbound
	for _, r := range svc.Routes() {
		if _, ok := t.LookupHTTP(r.Target); !ok {
			out = append(out, Unbound{What: r.Method + " " + r.Path.String(), Target: r.Target})
		}
	}
	for _, s := range svc.Sockets() {
		if _, err := t.Endpoint(s); err != nil {
			out = append(out, Unbound{What: "WS " + s.Path.String(), Target: s.Target})
		}
	}
	for _, e := range svc.Schedules() {
		if _, ok := t.LookupJob(e.Target); !ok {
			out = append(out, Unbound{What: e.Name(), Target: e.Target})
		}
	}
	return out
}

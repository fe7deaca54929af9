package ir

import (
	"cellserve/internal/cell"
	"cellserve/internal/trigger"
	"cellserve/internal/typeexpr"
)

// CallableRef points at the function a cell defines.
type CallableRef struct {
	Loc cell.Location
	// Func is the function name, or generated_func_N for schedule cells
	// without a function definition.
	Func   string
	Async  bool
	Params []string
}

// Mode is the delivery mode of a socket route.
type Mode uint8

const (
	ModeEvent Mode = iota
	ModeStream
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "event"
}

type HTTPRoute struct {
	Method  string
	Path    PathTemplate
	Body    []typeexpr.Field
	Query   []typeexpr.Field
	Resp    []typeexpr.Field
	Headers []typeexpr.Field
	Target  CallableRef
}

type SocketRoute struct {
	Path     PathTemplate
	Mode     Mode
	Message  []typeexpr.Field
	Validate bool
	Target   CallableRef
}

// ClientIDParam is the path parameter that names a socket connection.
const ClientIDParam = "client_id"

type ScheduleEntry struct {
	Spec trigger.Spec
	// Source is the annotation text the trigger came from, e.g. "interval: 30s".
	Source string
	Target CallableRef
}

// Name identifies the job, e.g. "cleanup_cron".
func (e ScheduleEntry) Name() string {
	if _, ok := e.Spec.(trigger.Interval); ok {
		return e.Target.Func + "_interval"
	}
	return e.Target.Func + "_cron"
}

// Warning is a non-fatal finding of the build.
type Warning struct {
	Loc     cell.Location
	Message string
}

func (w Warning) String() string { return w.Loc.String() + ": " + w.Message }

// CompiledService is the immutable result of Build. It is safe for
// concurrent reads; accessors return copies.
type CompiledService struct {
	routes    []HTTPRoute
	sockets   []SocketRoute
	schedules []ScheduleEntry
	warnings  []Warning
}

func (s *CompiledService) Routes() []HTTPRoute {
	out := make([]HTTPRoute, len(s.routes))
	for i, r := range s.routes {
		r.Body = cloneFields(r.Body)
		r.Query = cloneFields(r.Query)
		r.Resp = cloneFields(r.Resp)
		r.Headers = cloneFields(r.Headers)
		r.Target = r.Target.clone()
		out[i] = r
	}
	return out
}

func (s *CompiledService) Sockets() []SocketRoute {
	out := make([]SocketRoute, len(s.sockets))
	for i, r := range s.sockets {
		r.Message = cloneFields(r.Message)
		r.Target = r.Target.clone()
		out[i] = r
	}
	return out
}

func (s *CompiledService) Schedules() []ScheduleEntry {
	out := make([]ScheduleEntry, len(s.schedules))
	for i, e := range s.schedules {
		e.Target = e.Target.clone()
		out[i] = e
	}
	return out
}

func (s *CompiledService) Warnings() []Warning { return append([]Warning(nil), s.warnings...) }

// Empty reports whether nothing was compiled.
func (s *CompiledService) Empty() bool {
	return len(s.routes) == 0 && len(s.sockets) == 0 && len(s.schedules) == 0
}

func (c CallableRef) clone() CallableRef {
	c.Params = append([]string(nil), c.Params...)
	return c
}

func cloneFields(fs []typeexpr.Field) []typeexpr.Field {
	if fs == nil {
		return nil
	}
	return append([]typeexpr.Field(nil), fs...)
}

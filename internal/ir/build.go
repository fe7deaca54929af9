package ir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cellserve/internal/annotation"
	"cellserve/internal/cell"
	"cellserve/internal/trigger"
	"cellserve/internal/typeexpr"
)

type options struct {
	reference time.Time
	location  *time.Location
}

type Option func(*options)

// WithReference sets the instant cron triggers are checked from. Defaults
// to time.Now.
func WithReference(t time.Time) Option { return func(o *options) { o.reference = t } }

// WithLocation sets the zone cron triggers are checked in.
func WithLocation(loc *time.Location) Option { return func(o *options) { o.location = loc } }

type builder struct {
	opts   options
	lookup cell.SignatureLookup

	svc       CompiledService
	routeAt   map[string]cell.Location
	socketAt  map[string]cell.Location
	generated int
}

// Build validates annotations and produces the service tables. No partial
// service is returned on error.
func Build(anns []annotation.Annotation, lookup cell.SignatureLookup, opts ...Option) (*CompiledService, error) {
	b := &builder{
		lookup:   lookup,
		routeAt:  make(map[string]cell.Location),
		socketAt: make(map[string]cell.Location),
	}
	for _, o := range opts {
		o(&b.opts)
	}
	if b.opts.reference.IsZero() {
		b.opts.reference = time.Now()
	}
	if b.opts.location != nil {
		b.opts.reference = b.opts.reference.In(b.opts.location)
	}

	for _, a := range anns {
		var err error
		switch a.Kind() {
		case annotation.KindHTTP:
			err = b.http(a)
		case annotation.KindWS:
			err = b.socket(a)
		case annotation.KindSchedule:
			err = b.schedule(a)
		default:
			err = cell.Errorf(annotation.ErrUnknownAnnotationKind, a.Location(), "%v", a.Kind())
		}
		if err != nil {
			return nil, err
		}
	}
	svc := b.svc
	return &svc, nil
}

func (b *builder) signature(loc cell.Location) (cell.Signature, bool, error) {
	if b.lookup == nil {
		return cell.Signature{}, false, nil
	}
	sig, err := b.lookup.Lookup(loc)
	switch {
	case errors.Is(err, cell.ErrNoFunction):
		return cell.Signature{}, false, nil
	case err != nil:
		return cell.Signature{}, false, fmt.Errorf("%s: signature lookup: %w", loc, err)
	}
	return sig, true, nil
}

func (b *builder) http(a annotation.Annotation) error {
	loc := a.Location()
	path, err := ParsePath(a.Path())
	if err != nil {
		return located(loc, err)
	}
	sig, hasFunc, err := b.signature(loc)
	if err != nil {
		return err
	}
	if err := checkBound(loc, path, sig); err != nil {
		return err
	}

	r := HTTPRoute{Method: a.Method(), Path: path, Target: ref(loc, sig)}
	for _, f := range []struct {
		key string
		dst *[]typeexpr.Field
	}{
		{annotation.KeyBody, &r.Body},
		{annotation.KeyQuery, &r.Query},
		{annotation.KeyResp, &r.Resp},
		{annotation.KeyHeaders, &r.Headers},
	} {
		raw, ok := a.Value(f.key)
		if !ok {
			continue
		}
		fields, err := typeexpr.ParseFields(raw)
		if err != nil {
			return located(loc, fmt.Errorf("%s: %w", f.key, err))
		}
		*f.dst = fields
	}
	for i := range r.Headers {
		r.Headers[i].Optional = true
	}

	key := r.Method + " " + path.Key()
	if first, dup := b.routeAt[key]; dup {
		return duplicate(loc, first, r.Method+" "+path.String())
	}
	b.routeAt[key] = loc

	if hasFunc {
		for _, group := range []struct {
			key    string
			fields []typeexpr.Field
		}{{annotation.KeyBody, r.Body}, {annotation.KeyQuery, r.Query}} {
			for _, f := range group.fields {
				if !sig.Has(f.Name) {
					b.warn(loc, "%s field %q is not a parameter of %s", group.key, f.Name, sig.Name)
				}
			}
		}
	} else {
		b.warn(loc, "no function found for %s %s", r.Method, path)
	}

	b.svc.routes = append(b.svc.routes, r)
	return nil
}

func (b *builder) socket(a annotation.Annotation) error {
	loc := a.Location()
	path, err := ParsePath(a.Path())
	if err != nil {
		return located(loc, err)
	}
	sig, hasFunc, err := b.signature(loc)
	if err != nil {
		return err
	}
	if err := checkBound(loc, path, sig); err != nil {
		return err
	}

	s := SocketRoute{Path: path, Target: ref(loc, sig)}
	if raw, ok := a.Value(annotation.KeyType); ok {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "event", "":
			s.Mode = ModeEvent
		case "stream":
			s.Mode = ModeStream
		default:
			return cell.Errorf(ErrInvalidWSMode, loc, "%q (want event or stream)", raw)
		}
	}
	if raw, ok := a.Value(annotation.KeyMessage); ok {
		fields, err := typeexpr.ParseFields(raw)
		if err != nil {
			return located(loc, fmt.Errorf("message: %w", err))
		}
		s.Message = fields
	}
	if raw, ok := a.Value(annotation.KeyValidate); ok {
		v, err := parseFlag(raw)
		if err != nil {
			return cell.Errorf(ErrInvalidFlag, loc, "validate: %q", raw)
		}
		s.Validate = v
	}
	if s.Validate && len(s.Message) == 0 {
		b.warn(loc, "validate is set but no message schema is declared")
	}

	key := path.Key()
	if first, dup := b.socketAt[key]; dup {
		return duplicate(loc, first, "WS "+path.String())
	}
	b.socketAt[key] = loc

	if !hasFunc {
		b.warn(loc, "no function found for WS %s", path)
	}
	b.svc.sockets = append(b.svc.sockets, s)
	return nil
}

func (b *builder) schedule(a annotation.Annotation) error {
	loc := a.Location()
	cronText, _ := a.Value(annotation.KeyCron)
	intervalText, _ := a.Value(annotation.KeyInterval)

	spec, err := trigger.NewSpec(cronText, intervalText)
	if err != nil {
		return located(loc, err)
	}
	if _, err := trigger.NextFireAfter(spec, b.opts.reference); err != nil {
		return located(loc, err)
	}

	sig, _, err := b.signature(loc)
	if err != nil {
		return err
	}
	target := ref(loc, sig)
	if target.Func == "" {
		target.Func = "generated_func_" + strconv.Itoa(b.generated)
		b.generated++
	}

	source := "interval: " + intervalText
	if _, ok := spec.(trigger.Cron); ok {
		source = "cron: " + spec.String()
	}
	b.svc.schedules = append(b.svc.schedules, ScheduleEntry{Spec: spec, Source: source, Target: target})
	return nil
}

func (b *builder) warn(loc cell.Location, format string, args ...any) {
	b.svc.warnings = append(b.svc.warnings, Warning{Loc: loc, Message: fmt.Sprintf(format, args...)})
}

func checkBound(loc cell.Location, path PathTemplate, sig cell.Signature) error {
	for _, p := range path.Params() {
		if !sig.Has(p) {
			return cell.Errorf(ErrUnboundPathParameter, loc, "{%s} in %s is not a parameter of the cell function", p, path)
		}
	}
	return nil
}

func duplicate(loc, first cell.Location, what string) error {
	e := cell.Errorf(ErrDuplicateRoute, loc, "%s", what)
	e.Other = &first
	return e
}

func ref(loc cell.Location, sig cell.Signature) CallableRef {
	r := CallableRef{Loc: loc, Func: sig.Name, Async: sig.Async}
	for _, p := range sig.Params {
		r.Params = append(r.Params, p.Name)
	}
	return r
}

// Kinds that stay visible through errors.Is on located errors.
var knownKinds = []error{
	typeexpr.ErrInvalidTypeExpression,
	trigger.ErrInvalidCronField,
	trigger.ErrInvalidIntervalSpec,
	trigger.ErrNoMatchingTime,
	trigger.ErrConflictingTrigger,
	trigger.ErrMissingTrigger,
	ErrInvalidPath,
}

func located(loc cell.Location, err error) error {
	kind := err
	for _, k := range knownKinds {
		if errors.Is(err, k) {
			kind = k
			break
		}
	}
	e := &cell.Error{Kind: kind, Loc: loc}
	if kind != err {
		e.Detail = strings.TrimPrefix(strings.TrimPrefix(err.Error(), kind.Error()), " ")
	}
	return e
}

func parseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

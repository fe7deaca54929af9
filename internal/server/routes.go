package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"cellserve/internal/binding"
	"cellserve/internal/ir"
	"cellserve/internal/storage"
	"cellserve/internal/typeexpr"
	"cellserve/internal/ws"
	"cellserve/internal/ws/gorillaws"
	"cellserve/pkg/logx"
)

// mount is what one mux pattern serves: an HTTP route, a socket, or a GET
// route and a socket sharing a path, split by the Upgrade header.
type mount struct {
	http   *ir.HTTPRoute
	socket *ir.SocketRoute
}

func (s *Service) routes(deps Deps) (http.Handler, error) {
	mux := http.NewServeMux()

	if err := handle(mux, "GET /healthz", s.healthz(deps)); err != nil {
		return nil, err
	}
	if s.cfg.Metrics && deps.MetricsHandler != nil {
		if err := handle(mux, "GET "+s.cfg.MetricsPath, deps.MetricsHandler); err != nil {
			return nil, err
		}
	}
	if s.cfg.Pprof {
		if err := mountPprof(mux, s.cfg.PprofToken); err != nil {
			return nil, err
		}
	}

	mounts := map[string]*mount{}
	var order []string
	at := func(pattern string) *mount {
		m, ok := mounts[pattern]
		if !ok {
			m = &mount{}
			mounts[pattern] = m
			order = append(order, pattern)
		}
		return m
	}
	routes := deps.Service.Routes()
	for i := range routes {
		r := &routes[i]
		at(r.Method + " " + r.Path.MuxPattern()).http = r
	}
	sockets := deps.Service.Sockets()
	for i := range sockets {
		sk := &sockets[i]
		at("GET " + sk.Path.MuxPattern()).socket = sk
	}

	up := newUpgrader(s.cfg)
	for _, pattern := range order {
		m := mounts[pattern]
		var httpH, wsH http.Handler
		if m.http != nil {
			httpH = s.routeHandler(*m.http, deps)
		}
		if m.socket != nil {
			wsH = s.socketHandler(*m.socket, deps, up)
		}
		var h http.Handler
		switch {
		case httpH != nil && wsH != nil:
			h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if gorillaws.IsUpgrade(r) {
					wsH.ServeHTTP(w, r)
					return
				}
				httpH.ServeHTTP(w, r)
			})
		case httpH != nil:
			h = httpH
		default:
			h = wsH
		}
		if err := handle(mux, pattern, h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// handle registers h, turning ServeMux's conflict panic into an error.
func handle(mux *http.ServeMux, pattern string, h http.Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("server: route %q: %v", pattern, p)
		}
	}()
	mux.Handle(pattern, h)
	return nil
}

// pathParams maps the positional mux wildcards back to declared names.
func pathParams(r *http.Request, p ir.PathTemplate) map[string]string {
	names := p.Params()
	out := make(map[string]string, len(names))
	for i, name := range names {
		out[name] = r.PathValue(fmt.Sprintf("p%d", i))
	}
	return out
}

type detailItem struct {
	Loc string `json:"loc"`
	Msg string `json:"msg"`
}

func (s *Service) routeHandler(route ir.HTTPRoute, deps Deps) http.Handler {
	name := route.Path.String()
	handler, bound := deps.Table.LookupHTTP(route.Target)
	log := s.log.With(logx.String("route", route.Method+" "+name), logx.String("func", route.Target.Func))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() { deps.Metrics.RequestDone(route.Method, name, sw.status, time.Since(start)) }()

		if !bound {
			writeJSON(sw, http.StatusNotImplemented, map[string]string{"detail": "no handler bound for " + route.Target.Func})
			return
		}

		req := &binding.Request{
			Method: r.Method,
			Route:  name,
			Params: pathParams(r, route.Path),
			Raw:    r,
		}
		var problems []detailItem

		q, bad := coerceQuery(r, route.Query)
		req.Query, problems = q, append(problems, bad...)
		hd, bad := coerceHeaders(r, route.Headers)
		req.Headers, problems = hd, append(problems, bad...)

		body, status, err := readBody(sw, r, s.cfg.MaxBodyBytes)
		if err != nil {
			writeJSON(sw, status, map[string]string{"detail": err.Error()})
			return
		}
		if len(route.Body) > 0 {
			if body == nil {
				problems = append(problems, detailItem{Loc: "body", Msg: "field required"})
			} else {
				for _, v := range typeexpr.ValidateObject(route.Body, body) {
					loc := "body"
					if v.Field != "" {
						loc += "." + v.Field
					}
					problems = append(problems, detailItem{Loc: loc, Msg: v.Reason})
				}
			}
		}
		req.Body = body

		if len(problems) > 0 {
			writeJSON(sw, http.StatusUnprocessableEntity, map[string]any{"detail": problems})
			return
		}

		out, err := call(r.Context(), handler, req, log)
		if err != nil {
			var se *binding.StatusError
			if errors.As(err, &se) {
				writeJSON(sw, se.Status, map[string]string{"detail": se.Detail})
				return
			}
			log.Error("handler failed", logx.Err(err))
			writeJSON(sw, http.StatusInternalServerError, map[string]string{"detail": "Internal Server Error: " + err.Error()})
			return
		}

		if len(route.Resp) > 0 {
			if v := checkResponse(out, route.Resp); len(v) > 0 {
				log.Error("response does not match declared schema", logx.Any("violations", v))
				writeJSON(sw, http.StatusInternalServerError, map[string]any{"detail": "Internal Server Error: response validation failed"})
				return
			}
		}
		writeJSON(sw, http.StatusOK, out)
	})
}

func call(ctx context.Context, h binding.HTTPHandler, req *binding.Request, log logx.Logger) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(ctx, req)
}

// coerceQuery converts declared query fields. Missing required fields are
// problems; undeclared parameters pass through as strings.
func coerceQuery(r *http.Request, fields []typeexpr.Field) (map[string]any, []detailItem) {
	values := r.URL.Query()
	out := make(map[string]any, len(values))
	var problems []detailItem
	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
		vs, ok := values[f.Name]
		if !ok || len(vs) == 0 {
			if !f.Optional {
				problems = append(problems, detailItem{Loc: "query." + f.Name, Msg: "field required"})
			}
			continue
		}
		v, err := typeexpr.CoerceValues(f.Type, vs)
		if err != nil {
			problems = append(problems, detailItem{Loc: "query." + f.Name, Msg: err.Error()})
			continue
		}
		out[f.Name] = v
	}
	for k, vs := range values {
		if !declared[k] && len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out, problems
}

// headerName maps x_request_id to X-Request-Id.
func headerName(field string) string {
	return http.CanonicalHeaderKey(strings.ReplaceAll(field, "_", "-"))
}

// coerceHeaders converts declared headers that are present. Headers are
// never required.
func coerceHeaders(r *http.Request, fields []typeexpr.Field) (map[string]any, []detailItem) {
	out := make(map[string]any, len(fields))
	var problems []detailItem
	for _, f := range fields {
		raw := r.Header.Get(headerName(f.Name))
		if raw == "" {
			continue
		}
		v, err := typeexpr.Coerce(f.Type, raw)
		if err != nil {
			problems = append(problems, detailItem{Loc: "header." + f.Name, Msg: err.Error()})
			continue
		}
		out[f.Name] = v
	}
	return out, problems
}

// readBody decodes a JSON body. An empty body yields nil.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) (any, int, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, 0, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", mbe.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, 0, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err)
	}
	if dec.More() {
		return nil, http.StatusBadRequest, errors.New("invalid JSON body: trailing data")
	}
	return v, 0, nil
}

// checkResponse validates a handler result against the declared response
// fields by round-tripping it through JSON.
func checkResponse(out any, fields []typeexpr.Field) []typeexpr.Violation {
	b, err := json.Marshal(out)
	if err != nil {
		return []typeexpr.Violation{{Field: "response", Reason: err.Error()}}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return []typeexpr.Violation{{Field: "response", Reason: err.Error()}}
	}
	return typeexpr.ValidateObject(fields, v)
}

func (s *Service) socketHandler(route ir.SocketRoute, deps Deps, up *gorillaws.Upgrader) http.Handler {
	name := route.Path.String()
	ep, err := deps.Table.Endpoint(route)
	log := s.log.With(logx.String("socket", name), logx.String("func", route.Target.Func))
	if err != nil {
		log.Warn("socket not bound", logx.Err(err))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ep == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"detail": err.Error()})
			return
		}
		if !gorillaws.IsUpgrade(r) {
			w.Header().Set("Upgrade", "websocket")
			writeJSON(w, http.StatusUpgradeRequired, map[string]string{"detail": "websocket upgrade required"})
			return
		}
		params := pathParams(r, route.Path)
		conn, uerr := up.Upgrade(w, r)
		if uerr != nil {
			log.Debug("upgrade failed", logx.Err(uerr))
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Done()
		if serr := deps.Dispatcher.Serve(r.Context(), conn, ep, params); serr != nil && !errors.Is(serr, ws.ErrConnConflict) {
			log.Debug("session ended", logx.Err(serr))
		}
	})
}

const (
	healthRuns    = 10
	maxHealthRuns = 100
)

// healthz reports the service shape and, with Deps.Runs, the latest runs.
// ?runs=N (at most 100) and ?task=NAME narrow the run list.
func (s *Service) healthz(deps Deps) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := healthRuns
		if v := r.URL.Query().Get("runs"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "runs must be a non-negative integer"})
				return
			}
			limit = min(n, maxHealthRuns)
		}

		out := map[string]any{
			"status":      "ok",
			"routes":      len(deps.Service.Routes()),
			"sockets":     len(deps.Service.Sockets()),
			"connections": deps.Dispatcher.Registry().Len(),
		}
		if deps.Health != nil {
			out["scheduler"] = deps.Health()
		}
		if deps.Runs != nil {
			runs, err := deps.Runs.RecentRuns(r.Context(), r.URL.Query().Get("task"), limit)
			switch {
			case err != nil:
				s.log.Warn("run history unavailable", logx.Err(err))
				out["recent_runs_error"] = err.Error()
			case runs == nil:
				out["recent_runs"] = []storage.RunRecord{}
			default:
				out["recent_runs"] = runs
			}
		}
		if snap := s.Snapshot(); snap != nil {
			out["goroutines"] = snap.Goroutines
		}
		writeJSON(w, http.StatusOK, out)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b, _ = json.Marshal(map[string]string{"detail": "Internal Server Error: " + err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellserve/internal/binding"
	"cellserve/internal/compiler"
	"cellserve/internal/ir"
	"cellserve/internal/metrics"
	"cellserve/internal/notebook"
	"cellserve/internal/storage"
	"cellserve/internal/ws"
	"cellserve/pkg/logx"
)

const cells = `# @HTTP GET /users/{id}
# query: verbose:bool, limit:int?
# headers: x_count:int
def get_user(id, verbose, limit):
    pass
---
# @HTTP
# POST /users
# body: name:str, tags:list[str]?
# resp: id:int
def create_user(name, tags):
    pass
---
# @HTTP GET /fail/{mode}
def fail(mode):
    pass
---
# @HTTP DELETE /nobody
def nobody():
    pass
---
# @WS /chat/{client_id}
# validate: true
# message: text:str
def chat(client_id, text):
    pass
---
# @HTTP GET /room
def room_info():
    pass
---
# @WS /room
def room_socket():
    pass`

func compileService(t *testing.T, src string) *ir.CompiledService {
	t.Helper()
	doc := notebook.Document{ID: "app.ipynb"}
	for i, s := range strings.Split(src, "\n---\n") {
		doc.Cells = append(doc.Cells, notebook.Cell{Index: i, Type: "code", Source: s})
	}
	res, err := compiler.CompileDocuments([]notebook.Document{doc})
	require.NoError(t, err)
	return res.Service
}

type reqRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *reqRecorder) RequestDone(method, route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, method+" "+route+" "+http.StatusText(status))
}

func testTable(t *testing.T) *binding.Table {
	t.Helper()
	tb := binding.NewTable()
	require.NoError(t, tb.HTTP("get_user", func(_ context.Context, req *binding.Request) (any, error) {
		return map[string]any{"id": req.Param("id"), "query": req.Query, "headers": req.Headers}, nil
	}))
	require.NoError(t, tb.HTTP("create_user", func(_ context.Context, req *binding.Request) (any, error) {
		body := req.Body.(map[string]any)
		if body["name"] == "bad" {
			return map[string]any{"id": "not a number"}, nil
		}
		return map[string]any{"id": 7}, nil
	}))
	require.NoError(t, tb.HTTP("fail", func(_ context.Context, req *binding.Request) (any, error) {
		switch req.Param("mode") {
		case "status":
			return nil, binding.Errorf(http.StatusNotFound, "user not found")
		case "panic":
			panic("kaboom")
		}
		return nil, errors.New("boom")
	}))
	require.NoError(t, tb.Socket("chat", func(_ context.Context, s *ws.Session, ev ws.Event) (ws.Reply, error) {
		return ws.ToClient(map[string]any{"from": s.ID(), "echo": ev.Data}, s.ID()), nil
	}))
	require.NoError(t, tb.HTTP("room_info", func(context.Context, *binding.Request) (any, error) {
		return "plain", nil
	}))
	require.NoError(t, tb.Socket("room_socket", func(_ context.Context, s *ws.Session, ev ws.Event) (ws.Reply, error) {
		return ws.ToClient("socket", s.ID()), nil
	}))
	return tb
}

func newTestService(t *testing.T, cfg Config, deps Deps) *Service {
	t.Helper()
	if deps.Service == nil {
		deps.Service = compileService(t, cells)
	}
	if deps.Table == nil {
		deps.Table = testTable(t)
	}
	deps.Log = logx.Nop()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr map[string]string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestQueryAndHeaderCoercion(t *testing.T) {
	h := newTestService(t, Config{}, Deps{}).Handler()

	code, out := do(t, h, "GET", "/users/42?verbose=true&limit=5&extra=x", "", map[string]string{"X-Count": "3"})
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "42", out["id"])
	assert.Equal(t, map[string]any{"verbose": true, "limit": float64(5), "extra": "x"}, out["query"])
	assert.Equal(t, map[string]any{"x_count": float64(3)}, out["headers"])

	// limit is optional, headers are never required
	code, _ = do(t, h, "GET", "/users/42?verbose=0", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, out = do(t, h, "GET", "/users/42?limit=x", "", map[string]string{"X-Count": "many"})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	locs := detailLocs(out)
	assert.ElementsMatch(t, []string{"query.verbose", "query.limit", "header.x_count"}, locs)
}

func detailLocs(out map[string]any) []string {
	var locs []string
	for _, d := range out["detail"].([]any) {
		locs = append(locs, d.(map[string]any)["loc"].(string))
	}
	return locs
}

func TestBodyValidation(t *testing.T) {
	h := newTestService(t, Config{MaxBodyBytes: 64}, Deps{}).Handler()

	code, out := do(t, h, "POST", "/users", `{"name":"ann","tags":["a"]}`, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, float64(7), out["id"])

	code, out = do(t, h, "POST", "/users", `{"tags":[1]}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.ElementsMatch(t, []string{"body.name", "body.tags"}, detailLocs(out))

	code, out = do(t, h, "POST", "/users", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, []string{"body"}, detailLocs(out))

	code, _ = do(t, h, "POST", "/users", `{"name":`, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, "POST", "/users", `{"name":"`+strings.Repeat("x", 100)+`"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)

	code, out = do(t, h, "POST", "/users", `{"name":"bad"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, out["detail"], "response validation")
}

func TestHandlerErrors(t *testing.T) {
	h := newTestService(t, Config{}, Deps{}).Handler()

	code, out := do(t, h, "GET", "/fail/status", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "user not found", out["detail"])

	code, out = do(t, h, "GET", "/fail/plain", "", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Internal Server Error: boom", out["detail"])

	code, out = do(t, h, "GET", "/fail/panic", "", nil)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, out["detail"], "kaboom")

	code, out = do(t, h, "DELETE", "/nobody", "", nil)
	assert.Equal(t, http.StatusNotImplemented, code)
	assert.Contains(t, out["detail"], "nobody")

	code, _ = do(t, h, "PUT", "/nobody", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestMetricsAndHealth(t *testing.T) {
	rec := &reqRecorder{}
	col := metrics.NewCollector()
	h := newTestService(t, Config{Metrics: true}, Deps{
		Metrics:        rec,
		MetricsHandler: col.Handler(),
		Health:         func() any { return map[string]any{"tasks": 0} },
	}).Handler()

	code, out := do(t, h, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, float64(0), out["connections"])
	assert.Equal(t, map[string]any{"tasks": float64(0)}, out["scheduler"])
	assert.NotContains(t, out, "recent_runs")

	do(t, h, "GET", "/fail/status", "", nil)
	assert.Equal(t, []string{"GET /fail/{mode} Not Found"}, rec.seen)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

type runList struct {
	runs  []storage.RunRecord
	err   error
	task  string
	limit int
}

func (l *runList) RecentRuns(_ context.Context, task string, limit int) ([]storage.RunRecord, error) {
	l.task, l.limit = task, limit
	return l.runs, l.err
}

func TestHealthRecentRuns(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	runs := &runList{runs: []storage.RunRecord{{Task: "sweep", Scheduled: at, Outcome: storage.OutcomeOK}}}
	h := newTestService(t, Config{}, Deps{Runs: runs}).Handler()

	code, out := do(t, h, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out["recent_runs"], 1)
	first := out["recent_runs"].([]any)[0].(map[string]any)
	assert.Equal(t, "sweep", first["task"])
	assert.Equal(t, "ok", first["outcome"])
	assert.Equal(t, "2026-10-16T09:00:00Z", first["scheduled"])
	assert.Equal(t, 10, runs.limit)
	assert.Empty(t, runs.task)

	code, _ = do(t, h, "GET", "/healthz?runs=500&task=sweep", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 100, runs.limit)
	assert.Equal(t, "sweep", runs.task)

	code, _ = do(t, h, "GET", "/healthz?runs=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	runs.runs = nil
	code, out = do(t, h, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{}, out["recent_runs"])

	runs.err = errors.New("disk gone")
	code, out = do(t, h, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "disk gone", out["recent_runs_error"])
	assert.NotContains(t, out, "recent_runs")
}

func TestRouteConflictIsError(t *testing.T) {
	svc := compileService(t, "# @HTTP GET /healthz\ndef health():\n    pass")
	_, err := New(Config{}, Deps{Service: svc, Log: logx.Nop()})
	assert.ErrorContains(t, err, "/healthz")
}

func TestPprofToken(t *testing.T) {
	h := newTestService(t, Config{Pprof: true, PprofToken: "s3cret"}, Deps{}).Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/debug/pprof/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/debug/pprof/?token=nope", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":6060"))
}

func wsURL(base, path string) string {
	return "ws" + strings.TrimPrefix(base, "http") + path
}

func TestSocketRoundTrip(t *testing.T) {
	s := newTestService(t, Config{}, Deps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	cli, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/chat/ann"), nil)
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(`{"text":"hi"}`)))
	var got map[string]any
	require.NoError(t, cli.ReadJSON(&got))
	assert.Equal(t, "ann", got["from"])
	assert.Equal(t, map[string]any{"text": "hi"}, got["echo"])

	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(`{"text":1}`)))
	require.NoError(t, cli.ReadJSON(&got))
	assert.Equal(t, "error", got["type"])
	assert.Equal(t, "schema_validation", got["error"])

	// a second client with the same id is refused
	dup, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/chat/ann"), nil)
	require.NoError(t, err)
	defer dup.Close()
	require.NoError(t, dup.ReadJSON(&got))
	assert.Equal(t, "error", got["type"])
	_, _, err = dup.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ws.ClosePolicy, ce.Code)

	resp, err := http.Get(srv.URL + "/chat/ann")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestSharedPathSplitsOnUpgrade(t *testing.T) {
	s := newTestService(t, Config{}, Deps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/room")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "\"plain\"\n", string(b))

	cli, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/room"), nil)
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte("x")))
	_, msg, err := cli.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"socket"`, string(msg))
}

func TestUnboundSocket(t *testing.T) {
	h := newTestService(t, Config{}, Deps{Table: binding.NewTable()}).Handler()
	req := httptest.NewRequest("GET", "/chat/ann", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStartStopClosesSockets(t *testing.T) {
	s := newTestService(t, Config{Addr: "127.0.0.1:0", ShutdownTimeout: 5 * time.Second}, Deps{})
	require.NoError(t, s.Start(context.Background()))
	base := "http://" + s.Addr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cli, _, err := websocket.DefaultDialer.Dial(wsURL(base, "/chat/bob"), nil)
	require.NoError(t, err)
	defer cli.Close()
	require.NoError(t, cli.WriteMessage(websocket.TextMessage, []byte(`{"text":"hi"}`)))
	_, _, err = cli.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	_ = cli.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = cli.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ws.CloseGoingAway, ce.Code)
	assert.Nil(t, s.Snapshot())
}

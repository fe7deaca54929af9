package builtin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellserve/internal/binding"
	"cellserve/internal/ir"
	"cellserve/internal/ws"
	"cellserve/pkg/logx"
)

type pubFunc func(ws.Reply) error

func (f pubFunc) Publish(r ws.Reply) error { return f(r) }

var fixed = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newHandlers(d Deps) *handlers {
	if d.Now == nil {
		d.Now = func() time.Time { return fixed }
	}
	if d.TickEvery == 0 {
		d.TickEvery = 10 * time.Millisecond
	}
	return &handlers{d: d, log: logx.Nop()}
}

func TestRegister(t *testing.T) {
	tb := binding.NewTable()
	require.NoError(t, Register(tb, Deps{Log: logx.Nop()}))
	assert.Equal(t, []string{"chat", "clock", "echo", "health", "ticker"}, tb.Names())

	_, ok := tb.LookupJob(ir.CallableRef{Func: "clock"})
	assert.True(t, ok)
	// twice is a conflict
	assert.ErrorIs(t, Register(tb, Deps{}), binding.ErrDuplicateBinding)
}

func TestEchoAndHealth(t *testing.T) {
	h := newHandlers(Deps{Status: func() any { return map[string]int{"connections": 2} }})
	out, err := h.echo(context.Background(), &binding.Request{
		Method: "POST",
		Route:  "/users/{id}",
		Params: map[string]string{"id": "7"},
		Body:   map[string]any{"name": "ann"},
	})
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "POST", m["method"])
	assert.Equal(t, map[string]string{"id": "7"}, m["params"])
	assert.Equal(t, map[string]any{"name": "ann"}, m["body"])

	out, err = h.health(context.Background(), &binding.Request{})
	require.NoError(t, err)
	m = out.(map[string]any)
	assert.Equal(t, "ok", m["status"])
	assert.Equal(t, "2024-05-01T12:00:00Z", m["time"])
	assert.Equal(t, map[string]int{"connections": 2}, m["detail"])
}

func TestChatReplyTargets(t *testing.T) {
	cases := []struct {
		name string
		data any
		want ws.Target
	}{
		{"plain text", "hi", ws.All{}},
		{"no target keys", map[string]any{"text": "hi"}, ws.All{}},
		{"room", map[string]any{"room": "lobby", "text": "hi"}, ws.Room{ID: "lobby"}},
		{"client", map[string]any{"to": "bob", "text": "hi"}, ws.Client{ID: "bob"}},
		{"member", map[string]any{"room": "lobby", "to": "bob"}, ws.Client{ID: "bob", InRoom: "lobby"}},
		{"tuple keys", map[string]any{"client_id": "carl"}, ws.Client{ID: "carl"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := chatReply("ann", tc.data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.Target)
			assert.Equal(t, "ann", r.Value.(map[string]any)["from"])
		})
	}

	_, err := chatReply("ann", map[string]any{"to": true})
	assert.ErrorIs(t, err, ws.ErrBadTarget)
}

func TestClockPublishes(t *testing.T) {
	var got []ws.Reply
	h := newHandlers(Deps{Publisher: pubFunc(func(r ws.Reply) error {
		got = append(got, r)
		return nil
	})})
	require.NoError(t, h.clock(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, ws.All{}, got[0].Target)
	assert.Equal(t, "clock", got[0].Value.(map[string]any)["type"])

	boom := errors.New("boom")
	h = newHandlers(Deps{Publisher: pubFunc(func(ws.Reply) error { return boom })})
	assert.ErrorIs(t, h.clock(context.Background()), boom)

	assert.Error(t, newHandlers(Deps{}).clock(context.Background()))
}

func TestTickerStream(t *testing.T) {
	h := newHandlers(Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbox := make(chan ws.Event, 1)
	inbox <- ws.Event{Data: "ping"}

	var kinds []string
	for r, err := range h.ticker(ctx, nil, inbox) {
		require.NoError(t, err)
		kinds = append(kinds, r.Value.(map[string]any)["type"].(string))
		if len(kinds) == 3 {
			break
		}
	}
	assert.Contains(t, kinds, "echo")
	assert.Contains(t, kinds, "tick")
}

func TestTickerStopsOnRequest(t *testing.T) {
	h := newHandlers(Deps{TickEvery: time.Hour})
	inbox := make(chan ws.Event, 1)
	inbox <- ws.Event{Data: map[string]any{"stop": true}}
	n := 0
	for range h.ticker(context.Background(), nil, inbox) {
		n++
	}
	assert.Zero(t, n)
}

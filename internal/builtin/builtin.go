// Package builtin provides Go handlers that notebook cells can bind to by
// function name: echo and health for HTTP, chat and ticker for sockets,
// clock for schedules.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"cellserve/internal/binding"
	"cellserve/internal/ws"
	"cellserve/pkg/logx"
)

// Publisher delivers replies from outside a connection. *ws.Dispatcher
// implements it.
type Publisher interface {
	Publish(r ws.Reply) error
}

// Deps are what the built-ins need from the running process.
type Deps struct {
	Log       logx.Logger
	Publisher Publisher
	// Status feeds the health handler; nil reports only "ok".
	Status func() any
	// TickEvery is the ticker stream period; 0 means one second.
	TickEvery time.Duration
	Now       func() time.Time
}

// Register binds every built-in handler into t.
func Register(t *binding.Table, d Deps) error {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.TickEvery <= 0 {
		d.TickEvery = time.Second
	}
	h := &handlers{d: d, log: d.Log.With(logx.Component("builtin"))}
	return errors.Join(
		t.HTTP("echo", h.echo),
		t.HTTP("health", h.health),
		t.Socket("chat", h.chat),
		t.Stream("ticker", h.ticker),
		t.Job("clock", h.clock),
	)
}

type handlers struct {
	d   Deps
	log logx.Logger
}

// echo returns what it was given.
func (h *handlers) echo(_ context.Context, req *binding.Request) (any, error) {
	return map[string]any{
		"method":  req.Method,
		"route":   req.Route,
		"params":  req.Params,
		"query":   req.Query,
		"headers": req.Headers,
		"body":    req.Body,
	}, nil
}

func (h *handlers) health(context.Context, *binding.Request) (any, error) {
	out := map[string]any{"status": "ok", "time": h.d.Now().UTC().Format(time.RFC3339)}
	if h.d.Status != nil {
		out["detail"] = h.d.Status()
	}
	return out, nil
}

// chat understands:
//
//	{"action":"join","room":R}     join R, ack to sender
//	{"action":"leave","room":R}    leave R, ack to sender
//	{"room":R,"text":T}            send to everyone in R
//	{"to":C,"text":T}              send to client C (restricted to R if "room" is also set)
//	anything else                  broadcast
func (h *handlers) chat(_ context.Context, s *ws.Session, ev ws.Event) (ws.Reply, error) {
	msg, _ := ev.Data.(map[string]any)
	action, _ := msg["action"].(string)
	room, _ := msg["room"].(string)
	switch action {
	case "join", "leave":
		if room == "" {
			return ws.ToClient(map[string]any{"type": "error", "message": action + " needs a room"}, s.ID()), nil
		}
		var err error
		if action == "join" {
			err = s.Join(room)
		} else {
			err = s.Leave(room)
		}
		if err != nil {
			return ws.NoReply, err
		}
		return ws.ToClient(map[string]any{"type": action, "room": room}, s.ID()), nil
	case "":
	default:
		return ws.NoReply, ws.Fail(ws.CloseInvalidPayload, "unknown action %q", action)
	}
	return chatReply(s.ID(), ev.Data)
}

// chatReply addresses a chat message from sender.
func chatReply(sender string, data any) (ws.Reply, error) {
	out := map[string]any{"type": "message", "from": sender, "data": data}
	msg, ok := data.(map[string]any)
	if !ok {
		return ws.Broadcast(out), nil
	}
	target := map[string]any{}
	for _, k := range []string{"room_id", "client_id"} {
		if v, ok := msg[k]; ok {
			target[k] = v
		}
	}
	if v, ok := msg["room"]; ok {
		target["room_id"] = v
	}
	if v, ok := msg["to"]; ok {
		target["client_id"] = v
	}
	if len(target) == 0 {
		return ws.Broadcast(out), nil
	}
	return ws.FromTuple(out, target)
}

// ticker streams the time every TickEvery. Inbound messages are echoed
// back into the stream; {"stop": true} ends it.
func (h *handlers) ticker(ctx context.Context, s *ws.Session, inbox <-chan ws.Event) iter.Seq2[ws.Reply, error] {
	id := ""
	if s != nil {
		id = s.ID()
	}
	return func(yield func(ws.Reply, error) bool) {
		t := time.NewTicker(h.d.TickEvery)
		defer t.Stop()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-inbox:
				if !ok {
					return
				}
				if m, _ := ev.Data.(map[string]any); m["stop"] == true {
					return
				}
				if !yield(ws.ToClient(map[string]any{"type": "echo", "data": ev.Data}, id), nil) {
					return
				}
			case now := <-t.C:
				n++
				if !yield(ws.ToClient(map[string]any{"type": "tick", "n": n, "time": now.UTC().Format(time.RFC3339Nano)}, id), nil) {
					return
				}
			}
		}
	}
}

// clock broadcasts the current time to every open connection.
func (h *handlers) clock(context.Context) error {
	if h.d.Publisher == nil {
		return errors.New("clock: no publisher")
	}
	now := h.d.Now().UTC()
	if err := h.d.Publisher.Publish(ws.Broadcast(map[string]any{"type": "clock", "time": now.Format(time.RFC3339)})); err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	h.log.Debug("clock published", logx.Time("time", now))
	return nil
}

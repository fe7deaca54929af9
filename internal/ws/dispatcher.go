package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"cellserve/internal/runtime/supervisor"
	"cellserve/internal/typeexpr"
	"cellserve/pkg/logx"
)

const (
	inboxSize  = 16
	closeGrace = 5 * time.Second
	maxReason  = 120
)

// Config tunes connections. Changes apply to connections opened after
// Apply.
type Config struct {
	SendBuffer int
	// RatePerSec limits inbound messages per connection; 0 disables.
	RatePerSec float64
	Burst      int
}

// Recorder receives dispatcher counters. *metrics.Collector implements it.
type Recorder interface {
	ConnOpened(path string)
	ConnClosed(path string)
	MessageIn(path string)
	FrameOut(kind string)
	Dropped(reason string)
}

type nopRecorder struct{}

func (nopRecorder) ConnOpened(string) {}
func (nopRecorder) ConnClosed(string) {}
func (nopRecorder) MessageIn(string)  {}
func (nopRecorder) FrameOut(string)   {}
func (nopRecorder) Dropped(string)    {}

var ErrUndeliverable = errors.New("undeliverable reply")

// DeliveryError reports a reply whose target does not exist.
type DeliveryError struct {
	Target Target
	Reason string
}

func (e *DeliveryError) Error() string { return e.Reason }
func (e *DeliveryError) Unwrap() error { return ErrUndeliverable }

// Dispatcher runs connections against endpoints and routes replies.
type Dispatcher struct {
	reg *Registry
	log logx.Logger
	rec Recorder

	mu  sync.RWMutex
	cfg Config

	// sup runs the per-connection writer, stream and keepalive goroutines.
	sup *supervisor.Supervisor

	newID func() string
}

// keepaliver is a Transport that needs a ping loop while it is open.
type keepaliver interface {
	Keepalive(ctx context.Context)
}

func NewDispatcher(reg *Registry, cfg Config, log logx.Logger, rec Recorder) *Dispatcher {
	if reg == nil {
		reg = NewRegistry()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Dispatcher{
		reg:   reg,
		cfg:   cfg,
		log:   log,
		rec:   rec,
		sup:   supervisor.New(context.Background(), supervisor.WithLogger(log)),
		newID: uuid.NewString,
	}
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Snapshot reports the connection goroutines started so far.
func (d *Dispatcher) Snapshot() supervisor.Snapshot { return d.sup.Snapshot() }

// Wait blocks until every connection goroutine has returned or ctx is done.
// Call it after the listener has stopped accepting sockets.
func (d *Dispatcher) Wait(ctx context.Context) error { return d.sup.Wait(ctx) }

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Serve runs one connection until it closes. params are the matched path
// parameters; the endpoint's IDParam becomes the connection id, otherwise
// a random id is assigned.
func (d *Dispatcher) Serve(ctx context.Context, tr Transport, ep *Endpoint, params map[string]string) error {
	var id string
	if ep.IDParam != "" {
		id = params[ep.IDParam]
	}
	if id == "" {
		id = d.newID()
	}
	cfg := d.config()
	c := newConn(ctx, id, ep.Path, params, tr, cfg.SendBuffer)
	log := d.log.With(logx.String("conn", id), logx.String("path", ep.Path))

	if err := d.reg.Register(c); err != nil {
		log.Warn("connection rejected", logx.Err(err))
		if b, encErr := encode(errorFrame(KindHandlerError, "client id already connected")); encErr == nil {
			_ = tr.WriteMessage(ctx, b)
		}
		_ = tr.Close(ClosePolicy, "client id in use")
		return err
	}
	d.rec.ConnOpened(ep.Path)
	log.Debug("connection opened")
	stopWatch := context.AfterFunc(ctx, func() { c.closeWith(CloseGoingAway, "server shutting down", nil, false) })
	defer stopWatch()

	d.sup.Go0("ws.writer", func(context.Context) {
		if err := c.writeLoop(context.WithoutCancel(ctx)); err != nil {
			log.Debug("writer stopped", logx.Err(err))
		}
	})
	if ka, ok := tr.(keepaliver); ok {
		d.sup.Go0("ws.keepalive", func(context.Context) { ka.Keepalive(c.ctx) })
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	sess := &Session{conn: c, reg: d.reg}
	var inbox chan Event
	if ep.streaming() {
		inbox = make(chan Event, inboxSize)
		d.sup.Go0("ws.stream", func(context.Context) { d.runStream(c, ep, sess, inbox, log) })
	}

	err := d.readLoop(c, ep, sess, inbox, limiter, log)
	if inbox != nil {
		close(inbox)
	}

	// A server-initiated close owns the final frame; let it go out first.
	if c.closing.Load() {
		select {
		case <-c.done:
		case <-time.After(closeGrace):
		}
	}
	c.beginClose()
	c.stopWriter()
	<-c.done
	_ = tr.Close(CloseNormal, "")

	d.reg.Unregister(id)
	c.state.Store(int32(StateClosed))
	d.rec.ConnClosed(ep.Path)
	log.Debug("connection closed", logx.Err(err))
	return err
}

func (d *Dispatcher) readLoop(c *Conn, ep *Endpoint, sess *Session, inbox chan Event, limiter *rate.Limiter, log logx.Logger) error {
	for {
		data, err := c.tr.ReadMessage(c.ctx)
		if err != nil {
			if c.State() != StateOpen || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		d.rec.MessageIn(ep.Path)

		if limiter != nil && !limiter.Allow() {
			d.sendError(c, errorFrame(KindRateLimited, "too many messages"))
			continue
		}

		ev := decodeEvent(data)
		if ep.Validate && len(ep.Message) > 0 {
			if v := typeexpr.ValidateObject(ep.Message, ev.Data); len(v) > 0 {
				f := errorFrame(KindSchemaValidation, "message does not match schema")
				f.Violations = v
				d.sendError(c, f)
				continue
			}
		}

		if inbox != nil {
			offer(inbox, ev)
			continue
		}

		reply, err := d.callEvent(c, ep, sess, ev, log)
		if err != nil {
			d.fail(c, err, log)
			return nil
		}
		d.deliver(c, reply)
	}
}

// offer keeps the newest messages when the producer falls behind.
func offer(inbox chan Event, ev Event) {
	select {
	case inbox <- ev:
		return
	default:
	}
	select {
	case <-inbox:
	default:
	}
	select {
	case inbox <- ev:
	default:
	}
}

func (d *Dispatcher) callEvent(c *Conn, ep *Endpoint, sess *Session, ev Event, log logx.Logger) (r Reply, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("handler panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return ep.Event(c.ctx, sess, ev)
}

func (d *Dispatcher) runStream(c *Conn, ep *Endpoint, sess *Session, inbox <-chan Event, log logx.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("stream panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			d.fail(c, fmt.Errorf("stream panic: %v", p), log)
		}
	}()
	for r, err := range ep.Stream(c.ctx, sess, inbox) {
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			d.fail(c, err, log)
			return
		}
		d.deliver(c, r)
	}
	if c.ctx.Err() == nil {
		c.closeWith(CloseNormal, "stream finished", nil, true)
	}
}

// fail flushes the queued replies, sends a final error frame and closes
// the connection. StatusError
// picks the close code; anything else closes with 1007.
func (d *Dispatcher) fail(c *Conn, err error, log logx.Logger) {
	code, msg := CloseInvalidPayload, err.Error()
	var se *StatusError
	if errors.As(err, &se) {
		code, msg = se.Code, se.Message
	}
	log.Warn("handler error, closing connection", logx.Int("code", code), logx.Err(err))

	f := errorFrame(KindHandlerError, msg)
	f.Code = code
	b, encErr := encode(f)
	if encErr != nil {
		b = nil
	}
	d.rec.FrameOut(KindHandlerError)
	c.closeWith(code, truncate(msg, maxReason), b, true)
}

// Publish delivers a reply that has no sending connection, e.g. from a
// scheduled job. Broadcast and room replies to nobody are not errors.
func (d *Dispatcher) Publish(r Reply) error { return d.deliver(nil, r) }

// deliver routes r. Missing targets are reported to from as a
// delivery_error frame; the sender's connection stays open.
func (d *Dispatcher) deliver(from *Conn, r Reply) error {
	if r.IsZero() {
		return nil
	}
	data, err := encode(r.Value)
	if err != nil {
		derr := &DeliveryError{Target: r.Target, Reason: "reply is not JSON encodable: " + err.Error()}
		d.undeliverable(from, derr)
		return derr
	}

	switch t := r.Target.(type) {
	case All:
		for _, c := range d.reg.Open() {
			d.push(c, data)
		}
	case Room:
		if !d.reg.HasRoom(t.ID) {
			if from == nil {
				return nil
			}
			derr := &DeliveryError{Target: t, Reason: fmt.Sprintf("room %q does not exist", t.ID)}
			d.undeliverable(from, derr)
			return derr
		}
		for _, c := range d.reg.Members(t.ID) {
			d.push(c, data)
		}
	case Client:
		c, ok := d.reg.Get(t.ID)
		var derr *DeliveryError
		switch {
		case !ok || c.State() != StateOpen:
			derr = &DeliveryError{Target: t, Reason: fmt.Sprintf("client %q is not connected", t.ID)}
		case t.InRoom != "" && !c.InRoom(t.InRoom):
			derr = &DeliveryError{Target: t, Reason: fmt.Sprintf("client %q is not in room %q", t.ID, t.InRoom)}
		}
		if derr != nil {
			d.undeliverable(from, derr)
			return derr
		}
		d.push(c, data)
	default:
		derr := &DeliveryError{Target: r.Target, Reason: fmt.Sprintf("unsupported target %T", r.Target)}
		d.undeliverable(from, derr)
		return derr
	}
	return nil
}

func (d *Dispatcher) undeliverable(from *Conn, derr *DeliveryError) {
	d.rec.Dropped("undeliverable")
	if from == nil {
		d.log.Warn("reply dropped", logx.String("reason", derr.Reason))
		return
	}
	d.sendError(from, errorFrame(KindDeliveryError, derr.Reason))
}

func (d *Dispatcher) push(c *Conn, data []byte) {
	switch err := c.send(data); {
	case err == nil:
		d.rec.FrameOut("data")
	case errors.Is(err, ErrSendQueueFull):
		d.rec.Dropped("queue_full")
		d.log.Warn("send queue full, frame dropped", logx.String("conn", c.id))
	}
}

func (d *Dispatcher) sendError(c *Conn, f ErrorFrame) {
	b, err := encode(f)
	if err != nil {
		return
	}
	if c.send(b) == nil {
		d.rec.FrameOut(f.Error)
	}
}

func decodeEvent(data []byte) Event {
	ev := Event{Raw: data}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if _, err := dec.Token(); errors.Is(err, io.EOF) {
			ev.Data = v
			return ev
		}
	}
	ev.Data = string(data)
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// Transport is one accepted socket. ReadMessage returns text payloads
// only. Close sends a close frame with code and reason and releases the
// socket; it must be safe to call more than once and concurrently with
// ReadMessage.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

var (
	ErrConnConflict  = errors.New("connection id already in use")
	ErrConnNotFound  = errors.New("connection not found")
	ErrConnNotOpen   = errors.New("connection not open")
	ErrSendQueueFull = errors.New("send queue full")
)

type closeRequest struct {
	code   int
	reason string
	final  []byte
	// drain writes the frames queued before the close ahead of final.
	drain bool
}

// Conn is a registered connection. Sends are queued and written by a single
// writer goroutine. Once the connection leaves Open no new frames are
// accepted; a draining close still writes the ones already queued.
type Conn struct {
	id     string
	path   string
	params map[string]string
	tr     Transport

	state atomic.Int32

	mu    sync.Mutex // guards rooms
	rooms map[string]struct{}

	out      chan []byte
	closeReq chan closeRequest
	closing  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(parent context.Context, id, path string, params map[string]string, tr Transport, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		id:       id,
		path:     path,
		params:   params,
		tr:       tr,
		rooms:    make(map[string]struct{}),
		out:      make(chan []byte, buffer),
		closeReq: make(chan closeRequest, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Path() string { return c.path }

// Param returns a path parameter of the endpoint the connection matched.
func (c *Conn) Param(name string) string { return c.params[name] }

func (c *Conn) State() State { return State(c.state.Load()) }

// Context is cancelled when the connection starts closing.
func (c *Conn) Context() context.Context { return c.ctx }

// Rooms returns the rooms the connection belongs to, sorted.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// InRoom reports membership.
func (c *Conn) InRoom(room string) bool {
	c.mu.Lock()
	_, ok := c.rooms[room]
	c.mu.Unlock()
	return ok
}

// send queues an encoded frame.
func (c *Conn) send(data []byte) error {
	if c.State() != StateOpen {
		return ErrConnNotOpen
	}
	select {
	case c.out <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// beginClose moves the connection to Closing and cancels its context.
// It reports whether this call made the transition.
func (c *Conn) beginClose() bool {
	for {
		s := c.state.Load()
		if s >= int32(StateClosing) {
			return false
		}
		if c.state.CompareAndSwap(s, int32(StateClosing)) {
			c.cancel()
			return true
		}
	}
}

// closeWith asks the writer to send final (if any) and close with code.
// With drain set the frames already queued go out first.
func (c *Conn) closeWith(code int, reason string, final []byte, drain bool) {
	if !c.beginClose() {
		return
	}
	c.closing.Store(true)
	c.closeReq <- closeRequest{code: code, reason: reason, final: final, drain: drain}
}

func (c *Conn) stopWriter() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// writeLoop drains the send queue. It exits on a close request, on quit,
// or on the first write error.
func (c *Conn) writeLoop(wctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case req := <-c.closeReq:
			return c.finish(wctx, req, nil)
		default:
		}
		select {
		case req := <-c.closeReq:
			return c.finish(wctx, req, nil)
		case data := <-c.out:
			if c.State() != StateOpen {
				// Closing: data is written only if the close drains.
				select {
				case req := <-c.closeReq:
					return c.finish(wctx, req, data)
				case <-c.quit:
					return nil
				}
			}
			if err := c.tr.WriteMessage(wctx, data); err != nil {
				c.beginClose()
				return err
			}
		case <-c.quit:
			return nil
		}
	}
}

// finish writes what the close still owes the peer and closes the
// transport. held is a queued frame the writer took before it saw the
// close request.
func (c *Conn) finish(wctx context.Context, req closeRequest, held []byte) error {
	var frames [][]byte
	if req.drain {
		if held != nil {
			frames = append(frames, held)
		}
	queued:
		for {
			select {
			case data := <-c.out:
				frames = append(frames, data)
			default:
				break queued
			}
		}
	}
	if len(req.final) > 0 {
		frames = append(frames, req.final)
	}

	var err error
	for _, f := range frames {
		if err = c.tr.WriteMessage(wctx, f); err != nil {
			break
		}
	}
	if cerr := c.tr.Close(req.code, req.reason); err == nil {
		err = cerr
	}
	return err
}

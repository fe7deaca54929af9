// Package gorillaws adapts gorilla/websocket connections to ws.Transport.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingPeriod   = 50 * time.Second
	pongWait     = 60 * time.Second
)

// Options configure accepted connections.
type Options struct {
	// ReadLimit caps inbound message size in bytes; 0 means 1 MiB.
	ReadLimit int64
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

// Upgrader upgrades HTTP requests into Transports.
type Upgrader struct {
	up    websocket.Upgrader
	limit int64
}

func NewUpgrader(opts Options) *Upgrader {
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	limit := opts.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	return &Upgrader{
		up:    websocket.Upgrader{CheckOrigin: check},
		limit: limit,
	}
}

// IsUpgrade reports whether r asks for a websocket.
func IsUpgrade(r *http.Request) bool { return websocket.IsWebSocketUpgrade(r) }

// Upgrade completes the handshake. On failure a response has already been
// written to w.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wc, err := u.up.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newConn(wc, u.limit), nil
}

// Conn is a ws.Transport over a gorilla connection. ReadMessage and
// WriteMessage must each be called from a single goroutine; Close may be
// called from anywhere.
type Conn struct {
	wc *websocket.Conn

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
}

func newConn(wc *websocket.Conn, limit int64) *Conn {
	c := &Conn{wc: wc, stop: make(chan struct{})}
	wc.SetReadLimit(limit)
	_ = wc.SetReadDeadline(time.Now().Add(pongWait))
	wc.SetPongHandler(func(string) error {
		return wc.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// Keepalive pings the peer every pingPeriod until ctx ends, the connection
// is closed or a ping fails. The caller runs it on its own goroutine.
func (c *Conn) Keepalive(ctx context.Context) {
	c.keepalive(ctx, pingPeriod)
}

func (c *Conn) keepalive(ctx context.Context, period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-t.C:
			if err := c.wc.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// ReadMessage returns the next text message. A normal close by the peer
// is reported as io.EOF. Binary frames are skipped.
func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		op, data, err := c.wc.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
				errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, err
		}
		_ = c.wc.SetReadDeadline(time.Now().Add(pongWait))
		if op == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.wc.SetWriteDeadline(deadline)
	return c.wc.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the socket. Later calls return
// the first result.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.stop)
		msg := websocket.FormatCloseMessage(code, reason)
		werr := c.wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		c.closeErr = c.wc.Close()
		if c.closeErr == nil && werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.closeErr = werr
		}
	})
	return c.closeErr
}

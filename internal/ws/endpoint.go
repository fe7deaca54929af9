package ws

import (
	"context"
	"iter"

	"cellserve/internal/typeexpr"
)

// Event is one inbound message.
type Event struct {
	// Data is the decoded JSON value, or the raw text when the frame is
	// not JSON.
	Data any
	Raw  []byte
}

// Session is the handler's view of its connection.
type Session struct {
	conn *Conn
	reg  *Registry
}

func (s *Session) ID() string               { return s.conn.id }
func (s *Session) Param(name string) string { return s.conn.Param(name) }
func (s *Session) Rooms() []string          { return s.conn.Rooms() }
func (s *Session) Join(room string) error   { return s.reg.JoinRoom(s.conn.id, room) }
func (s *Session) Leave(room string) error  { return s.reg.LeaveRoom(s.conn.id, room) }

// EventHandler answers one message. Returning an error ends the
// connection; see StatusError.
type EventHandler func(ctx context.Context, s *Session, ev Event) (Reply, error)

// StreamHandler produces replies until ctx is done or the sequence ends.
// Validated inbound messages arrive on inbox; producers may ignore it.
// A yielded error ends the connection like an EventHandler error.
type StreamHandler func(ctx context.Context, s *Session, inbox <-chan Event) iter.Seq2[Reply, error]

// Endpoint is a socket route bound to its handler. Exactly one of Event
// and Stream is set.
type Endpoint struct {
	Path string
	// IDParam is the path parameter that names the connection. Empty means
	// every connection gets a random id.
	IDParam  string
	Message  []typeexpr.Field
	Validate bool
	Event    EventHandler
	Stream   StreamHandler
}

func (e *Endpoint) streaming() bool { return e.Stream != nil }

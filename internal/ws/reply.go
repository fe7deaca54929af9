package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Target says who receives a reply.
type Target interface{ isTarget() }

// All delivers to every open connection.
type All struct{}

// Room delivers to every member of the room.
type Room struct{ ID string }

// Client delivers to one connection. With InRoom set, the client must also
// be a member of that room.
type Client struct {
	ID     string
	InRoom string
}

func (All) isTarget()    {}
func (Room) isTarget()   {}
func (Client) isTarget() {}

// Reply is a handler result. The zero Reply sends nothing.
type Reply struct {
	Value  any
	Target Target
}

// NoReply is returned by handlers that have nothing to send.
var NoReply Reply

func (r Reply) IsZero() bool { return r.Target == nil }

func Broadcast(v any) Reply             { return Reply{Value: v, Target: All{}} }
func ToRoom(v any, room string) Reply   { return Reply{Value: v, Target: Room{ID: room}} }
func ToClient(v any, id string) Reply   { return Reply{Value: v, Target: Client{ID: id}} }
func ToMember(v any, room, id string) Reply {
	return Reply{Value: v, Target: Client{ID: id, InRoom: room}}
}

var ErrBadTarget = errors.New("unsupported delivery target")

// FromTuple maps the dynamic (value, target) shapes handlers written
// against a loosely typed runtime produce:
//
//	(v, nil)                            broadcast
//	(v, "C") / (v, 42)                  client C
//	(v, {"room_id": R})                 room R
//	(v, {"client_id": C})               client C
//	(v, {"room_id": R, "client_id": C}) client C, only as a member of R
func FromTuple(value, target any) (Reply, error) {
	switch t := target.(type) {
	case nil:
		return Broadcast(value), nil
	case string:
		return ToClient(value, t), nil
	case int:
		return ToClient(value, strconv.Itoa(t)), nil
	case int64:
		return ToClient(value, strconv.FormatInt(t, 10)), nil
	case json.Number:
		return ToClient(value, t.String()), nil
	case float64:
		if t != math.Trunc(t) {
			return Reply{}, fmt.Errorf("%w: client id %v", ErrBadTarget, t)
		}
		return ToClient(value, strconv.FormatInt(int64(t), 10)), nil
	case map[string]any:
		room, hasRoom := idString(t["room_id"])
		client, hasClient := idString(t["client_id"])
		switch {
		case hasRoom && hasClient:
			return ToMember(value, room, client), nil
		case hasRoom:
			return ToRoom(value, room), nil
		case hasClient:
			return ToClient(value, client), nil
		}
		return Reply{}, fmt.Errorf("%w: object needs room_id or client_id", ErrBadTarget)
	default:
		return Reply{}, fmt.Errorf("%w: %T", ErrBadTarget, target)
	}
}

func idString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	}
	return "", false
}

// Close codes used by the dispatcher.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseInvalidPayload = 1007
	ClosePolicy         = 1008
	CloseInternal       = 1011
)

// StatusError is raised by a handler to end the connection: the client
// receives one final error frame and the socket closes with Code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return fmt.Sprintf("ws status %d: %s", e.Code, e.Message) }

// Fail builds a StatusError.
func Fail(code int, format string, args ...any) error {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}

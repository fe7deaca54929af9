package ws

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

const shardCount = 32

type connShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

type roomShard struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Conn
}

// Registry indexes connections by id and rooms by name.
type Registry struct {
	conns [shardCount]connShard
	rooms [shardCount]roomShard
	n     atomic.Int64
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.conns {
		r.conns[i].conns = make(map[string]*Conn)
		r.rooms[i].rooms = make(map[string]map[string]*Conn)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) connShard(id string) *connShard { return &r.conns[shardOf(id)] }
func (r *Registry) roomShard(id string) *roomShard { return &r.rooms[shardOf(id)] }

// Register adds c and marks it Open. A taken id is rejected with
// ErrConnConflict and the existing connection is left untouched.
func (r *Registry) Register(c *Conn) error {
	s := r.connShard(c.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.conns[c.id]; taken {
		return ErrConnConflict
	}
	s.conns[c.id] = c
	c.state.Store(int32(StateOpen))
	r.n.Add(1)
	return nil
}

// Unregister removes the connection and its room memberships. Rooms left
// empty are deleted. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	s := r.connShard(id)
	s.mu.Lock()
	c, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
		r.n.Add(-1)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	c.beginClose()
	c.mu.Lock()
	for room := range c.rooms {
		r.removeMember(room, c)
	}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Conn, bool) {
	s := r.connShard(id)
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	return c, ok
}

// Len is the number of registered connections.
func (r *Registry) Len() int { return int(r.n.Load()) }

// JoinRoom adds connection id to room, creating the room if needed.
// Joining twice is a no-op.
func (r *Registry) JoinRoom(id, room string) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrConnNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// Checked under c.mu: Unregister moves to Closing before taking it.
	if c.State() != StateOpen {
		return ErrConnNotOpen
	}
	if _, in := c.rooms[room]; in {
		return nil
	}
	c.rooms[room] = struct{}{}

	s := r.roomShard(room)
	s.mu.Lock()
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		s.rooms[room] = members
	}
	members[c.id] = c
	s.mu.Unlock()
	return nil
}

// LeaveRoom removes connection id from room. Leaving a room the
// connection is not in is a no-op.
func (r *Registry) LeaveRoom(id, room string) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrConnNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, in := c.rooms[room]; !in {
		return nil
	}
	delete(c.rooms, room)
	r.removeMember(room, c)
	return nil
}

// removeMember must be called with c.mu held.
func (r *Registry) removeMember(room string, c *Conn) {
	s := r.roomShard(room)
	s.mu.Lock()
	if members := s.rooms[room]; members != nil {
		if members[c.id] == c {
			delete(members, c.id)
		}
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()
}

// Members returns the connections in room, sorted by id.
func (r *Registry) Members(room string) []*Conn {
	s := r.roomShard(room)
	s.mu.Lock()
	out := make([]*Conn, 0, len(s.rooms[room]))
	for _, c := range s.rooms[room] {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// HasRoom reports whether room currently has members.
func (r *Registry) HasRoom(room string) bool {
	s := r.roomShard(room)
	s.mu.Lock()
	_, ok := s.rooms[room]
	s.mu.Unlock()
	return ok
}

// Rooms returns the names of all non-empty rooms, sorted.
func (r *Registry) Rooms() []string {
	var out []string
	for i := range r.rooms {
		s := &r.rooms[i]
		s.mu.Lock()
		for name := range s.rooms {
			out = append(out, name)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Open returns every connection currently in the Open state.
func (r *Registry) Open() []*Conn {
	var out []*Conn
	for i := range r.conns {
		s := &r.conns[i]
		s.mu.RLock()
		for _, c := range s.conns {
			if c.State() == StateOpen {
				out = append(out, c)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

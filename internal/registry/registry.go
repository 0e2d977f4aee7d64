// Package registry tracks which users are reachable over a live
// connection in this process.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// ErrClosed is returned by Conn.Send after the connection went away.
var ErrClosed = errors.New("connection closed")

// ErrBackpressure is returned by Conn.Send when the connection's
// outbound buffer is full.
var ErrBackpressure = errors.New("connection send buffer full")

// Conn is an addressable live connection.
type Conn interface {
	// ID is unique per connection, not per user.
	ID() string
	UserID() string

	// Send queues ev for delivery without blocking.
	Send(ev model.Event) error
}

const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Registry maps user ids to their single active connection. It is
// safe for concurrent use.
type Registry struct {
	shards [shardCount]*shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Register makes conn the active connection of its user. A previously
// registered connection is returned so the caller can close it.
func (r *Registry) Register(conn Conn) (Conn, bool) {
	s := r.shardFor(conn.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, replaced := s.conns[conn.UserID()]
	s.conns[conn.UserID()] = conn
	if replaced && prev.ID() == conn.ID() {
		return nil, false
	}
	return prev, replaced
}

// Unregister removes conn if it is still the user's active connection
// and reports whether it did. A stale unregister racing a newer
// Register leaves the newer entry alone.
func (r *Registry) Unregister(conn Conn) bool {
	s := r.shardFor(conn.UserID())
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.conns[conn.UserID()]
	if !ok || current.ID() != conn.ID() {
		return false
	}
	delete(s.conns, conn.UserID())
	return true
}

// Lookup returns the user's active connection.
func (r *Registry) Lookup(userID string) (Conn, bool) {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.conns[userID]
	return conn, ok
}

// Send pushes ev to userID if reachable. It returns ErrClosed when the
// user has no registered connection.
func (r *Registry) Send(userID string, ev model.Event) error {
	conn, ok := r.Lookup(userID)
	if !ok {
		return ErrClosed
	}
	return conn.Send(ev)
}

// Each calls fn for every registered connection. fn runs outside the
// shard locks.
func (r *Registry) Each(fn func(Conn)) {
	for _, s := range r.shards {
		s.mu.RLock()
		conns := make([]Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.RUnlock()

		for _, c := range conns {
			fn(c)
		}
	}
}

// Len returns the number of reachable users.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.conns)
		s.mu.RUnlock()
	}
	return n
}

package hub

import (
	"sort"
	"sync"
)

// Registry is the live map from user id to that user's connection. It holds
// no I/O under its lock; callers close evicted connections themselves.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]*Conn)}
}

// Put registers c as the user's connection and returns the connection it
// replaced, if any. Newer connections always win.
func (r *Registry) Put(c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[c.UserID()]
	r.conns[c.UserID()] = c
	if prev == c {
		return nil
	}
	return prev
}

// Get returns the registered connection of a user.
func (r *Registry) Get(userID int64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[userID]
	return c, ok
}

// RemoveIfCurrent removes c only when it is still the user's registered
// connection, so a stale close cannot unregister a newer connection.
func (r *Registry) RemoveIfCurrent(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.UserID()]; ok && cur == c {
		delete(r.conns, c.UserID())
		return true
	}
	return false
}

// Snapshot returns a point-in-time copy of every registered connection.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// UserIDs lists connected users in ascending order.
func (r *Registry) UserIDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

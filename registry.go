package mailbus

import (
	"log/slog"
	"sort"
	"sync"
)

// ConnRegistry holds the connections of one bus, keyed by id.
type ConnRegistry struct {
	conns map[uint64]*Conn
	mu    sync.RWMutex
}

func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[uint64]*Conn),
	}
}

func (cr *ConnRegistry) Register(c *Conn) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	cr.conns[c.id] = c
}

func (cr *ConnRegistry) Lookup(id uint64) *Conn {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return cr.conns[id]
}

func (cr *ConnRegistry) Remove(id uint64) *Conn {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	c := cr.conns[id]
	if c == nil {
		return nil
	}

	delete(cr.conns, id)

	return c
}

func (cr *ConnRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return len(cr.conns)
}

// All returns every registered connection ordered by id.
func (cr *ConnRegistry) All() []*Conn {
	cr.mu.RLock()
	out := make([]*Conn, 0, len(cr.conns))
	for _, c := range cr.conns {
		out = append(out, c)
	}
	cr.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Range calls fn for each connection in id order under the read lock until
// fn returns false. fn must not register or remove connections.
func (cr *ConnRegistry) Range(fn func(c *Conn) bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	ordered := make([]*Conn, 0, len(cr.conns))
	for _, c := range cr.conns {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	for _, c := range ordered {
		if !fn(c) {
			return
		}
	}
}

// RemoveAll deactivates and drops every connection.
func (cr *ConnRegistry) RemoveAll() {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for id, c := range cr.conns {
		slog.Debug("connection dropped", "conn", id)
		c.shutdown()
		delete(cr.conns, id)
	}
}

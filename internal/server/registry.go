package server

import (
	"errors"
	"sync"
)

var (
	ErrNotRegistered   = errors.New("connection is not registered")
	ErrSendBufferFull  = errors.New("connection send buffer is full")
	errNilRegistration = errors.New("nil connection")
)

// Registry is the set of live connections.
//
// A connection's send channel is closed by Remove while holding the write
// lock, and Deliver only writes to it while holding the read lock after
// checking membership, so a delivery can never hit a closed channel.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Connection]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Connection]struct{})}
}

// Add registers c. Adding a registered connection is a no-op.
func (r *Registry) Add(c *Connection) error {
	if c == nil {
		return errNilRegistration
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	return nil
}

// Remove deregisters c and closes its send channel. It reports whether c was
// registered; removing an absent connection does nothing.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	close(c.send)
	return true
}

// Snapshot returns the connections registered at the moment of the call.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[c]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Deliver queues payload on c without blocking.
func (r *Registry) Deliver(c *Connection, payload []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.conns[c]; !ok {
		return ErrNotRegistered
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

package chat

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Conn is one client connection as seen by the relay. ID must be unique for
// the lifetime of the process; it is the connection's identity.
type Conn interface {
	ID() string
	ReadFrame(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, frame []byte) error
}

// Registry tracks open connections and the display name bound to each.
// A single mutex guards all state; nothing blocks while holding it.
type Registry struct {
	mu    sync.Mutex
	open  map[string]Conn
	names map[string]string
	order []string // bound connection IDs in bind order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		open:  make(map[string]Conn),
		names: make(map[string]string),
	}
}

// Register adds a newly accepted connection to the open set.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[c.ID()] = c
}

// Bind binds username to c, replacing any earlier binding in place, and
// returns every bound username in bind order. Names are not validated and
// need not be unique.
func (r *Registry) Bind(c Conn, username string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	if _, ok := r.open[id]; !ok {
		return nil, fmt.Errorf("bind %s: %w", id, ErrNotRegistered)
	}
	if _, bound := r.names[id]; !bound {
		r.order = append(r.order, id)
	}
	r.names[id] = username
	return r.snapshotLocked(), nil
}

// Unbind removes the binding for c and returns the name it held. It reports
// false when c was not bound, so repeated calls are harmless.
func (r *Registry) Unbind(c Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(c.ID())
}

// Unregister removes c from the open set. A binding still present is dropped
// with it so that bindings never outlive their connection.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := c.ID()
	r.unbindLocked(id)
	delete(r.open, id)
}

// Username returns the name bound to c.
func (r *Registry) Username(c Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[c.ID()]
	return name, ok
}

// Snapshot returns the bound usernames in bind order.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Conns returns the connections open at the time of the call.
func (r *Registry) Conns() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Conn, 0, len(r.open))
	for _, c := range r.open {
		conns = append(conns, c)
	}
	return conns
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Registry) unbindLocked(id string) (string, bool) {
	name, ok := r.names[id]
	if !ok {
		return "", false
	}
	delete(r.names, id)
	r.order = slices.DeleteFunc(r.order, func(v string) bool { return v == id })
	return name, true
}

func (r *Registry) snapshotLocked() []string {
	users := make([]string, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, r.names[id])
	}
	return users
}

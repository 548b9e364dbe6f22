package vehicle

import (
	"context"
	"sync"
)

// Registry tracks the live clients by vehicle id. It stores ids and
// pointers only; clients own their own lifecycle.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[int64]*Client)}
}

// Add registers a client, replacing any previous instance for the id.
// The replaced instance, if any, is returned so the caller can stop
// it.
func (r *Registry) Add(c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.clients[c.ID()]
	r.clients[c.ID()] = c
	return prev
}

// Get looks up a client by vehicle id.
func (r *Registry) Get(id int64) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove drops a client from the registry without stopping it.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// IDs returns the registered vehicle ids.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	return ids
}

// StopAll stops every client and empties the registry.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[int64]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Stop(ctx)
	}
}

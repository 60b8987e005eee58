// Package session tracks which terminal accounts have verified their
// credentials against the bridge. The registry is bookkeeping only: it
// never holds passwords and holds no terminal resources, since the engine
// logs in fresh for every poll.
package session

import (
	"sync"
	"time"

	"github.com/eddiefleurent/mt5-bridge/internal/models"
)

// Info is the public record of one registered connection.
type Info struct {
	Login        int64     `json:"login"`
	Server       string    `json:"server"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Registry is a concurrency-safe map of connection id to Info. Connection
// ids are the credential identity "login@server".
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Info
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Info),
		now:   time.Now,
	}
}

// WithClock replaces the registry's clock and returns the registry.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Connect registers creds as an active connection, replacing any previous
// registration for the same identity, and returns the connection id.
func (r *Registry) Connect(creds models.Credentials) (string, Info) {
	id := creds.ConnectionID()
	now := r.now().UTC()
	info := Info{
		Login:        creds.Login,
		Server:       creds.Server,
		ConnectedAt:  now,
		LastActivity: now,
	}

	r.mu.Lock()
	r.conns[id] = info
	r.mu.Unlock()
	return id, info
}

// Touch updates the connection's last activity instant. It reports whether
// the connection was registered.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.conns[id]
	if !ok {
		return false
	}
	info.LastActivity = r.now().UTC()
	r.conns[id] = info
	return true
}

// Disconnect removes the connection. It reports whether the connection was
// registered.
func (r *Registry) Disconnect(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get returns the registered info for id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.conns[id]
	return info, ok
}

// List returns a copy of all registered connections keyed by id.
func (r *Registry) List() map[string]Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Info, len(r.conns))
	for id, info := range r.conns {
		out[id] = info
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ABOUTME: Tracks live connections and their granted capability scopes
// ABOUTME: The single authorization choke point consulted on every dispatch

package registry

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyRegistered indicates a connection with the same id is live.
var ErrAlreadyRegistered = errors.New("connection already registered")

// BroadcastOpts controls event fan-out.
type BroadcastOpts struct {
	// Scope limits delivery to connections holding the scope. Empty means
	// every connection.
	Scope string

	// DropIfSlow skips connections whose outbound buffer is backed up
	// instead of blocking. Broadcast is best-effort under this flag.
	DropIfSlow bool
}

// Registry owns every live connection. Scopes are written once at
// handshake (inside NewConnection); the registry never mutates them.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "registry"),
	}
}

// Register adds a live connection.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return ErrAlreadyRegistered
	}
	r.conns[c.ID] = c

	r.logger.Info("connection registered",
		"conn_id", c.ID,
		"scopes", c.Scopes,
		"device_id", c.DeviceID,
		"client_id", c.ClientID,
		"total", len(r.conns),
	)
	return nil
}

// Unregister removes a connection and signals its done channel. The
// outbound queue is left open so broadcasts that snapshotted the
// connection before removal cannot panic on a closed channel.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conns[id]
	if !exists {
		return
	}
	delete(r.conns, id)
	c.close()

	r.logger.Info("connection unregistered", "conn_id", id, "total", len(r.conns))
}

// Get retrieves a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// WithScope returns the connections currently holding the given scope.
func (r *Registry) WithScope(s string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, c := range r.conns {
		if c.HasScope(s) {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast pushes an event to every matching connection and returns the
// number of deliveries. Connections are snapshotted under the read lock so
// sends never run with it held.
func (r *Registry) Broadcast(event string, payload any, opts BroadcastOpts) int {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if opts.Scope != "" && !c.HasScope(opts.Scope) {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	ev := Event{Name: event, Payload: payload}
	for _, c := range targets {
		if c.Deliver(ev, opts.DropIfSlow) {
			delivered++
		}
	}

	r.logger.Debug("broadcast",
		"event", event,
		"scope", opts.Scope,
		"targets", len(targets),
		"delivered", delivered,
	)
	return delivered
}

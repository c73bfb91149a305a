// ABOUTME: Represents a single live gateway connection and its outbound event queue
// ABOUTME: Scopes are fixed at handshake time and never upgraded afterwards

package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ward-gateway/internal/scope"
)

// eventBufferSize is the outbound buffer for each connection. A connection
// whose buffer is full is considered slow for drop-if-slow broadcasts.
const eventBufferSize = 64

// Event is a server-initiated push delivered over a connection.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Connection is one live transport session. The scope set is assigned at
// handshake and is immutable for the connection's lifetime.
type Connection struct {
	ID          string
	Scopes      []string
	DeviceID    string
	ClientID    string
	ConnectedAt time.Time

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewConnection creates a connection with a generated id and the given
// (already normalized) scope set.
func NewConnection(scopes []string, deviceID, clientID string, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Connection{
		ID:          id,
		Scopes:      scopes,
		DeviceID:    deviceID,
		ClientID:    clientID,
		ConnectedAt: time.Now().UTC(),
		events:      make(chan Event, eventBufferSize),
		done:        make(chan struct{}),
		logger:      logger.With("conn_id", id),
	}
}

// HasScope reports whether the connection holds the given scope.
func (c *Connection) HasScope(s string) bool {
	return scope.Has(c.Scopes, s)
}

// Events returns the channel the transport drains to push server events.
// The channel is never closed; transports select on Done to learn the
// connection is gone.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection is unregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Deliver queues an event for the connection. When dropIfSlow is set and
// the outbound buffer is full, the event is dropped and false is returned;
// otherwise the send blocks until there is room. Delivery to a closed
// connection returns false. The events channel itself is never closed, so
// a broadcast racing an unregister can at worst deliver into a buffer
// nobody will drain.
func (c *Connection) Deliver(ev Event, dropIfSlow bool) bool {
	if !dropIfSlow {
		select {
		case c.events <- ev:
			return true
		case <-c.done:
			return false
		}
	}
	select {
	case <-c.done:
		return false
	case c.events <- ev:
		return true
	default:
		c.logger.Warn("dropped event for slow connection", "event", ev.Name)
		return false
	}
}

// close marks the connection gone. Called by the registry on unregister;
// safe against double unregister.
func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

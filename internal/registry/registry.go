// ABOUTME: Tracks live agent connections and assigns each a unique numeric id.
// ABOUTME: Ids come from a monotonically increasing counter and are never reused.

package registry

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotFound indicates no connection is registered under the given id.
var ErrNotFound = errors.New("connection not found")

// Sender delivers a text message to the remote end of a connection.
type Sender interface {
	Send(msg []byte) error
}

// Connection is one live agent link.
type Connection struct {
	ID          uint64
	Addr        string
	ConnectedAt time.Time
	Sender      Sender

	mu       sync.RWMutex
	hostname string
	version  string
}

// NewConnection creates a connection that is not yet registered.
func NewConnection(addr string, sender Sender) *Connection {
	return &Connection{
		Addr:        addr,
		ConnectedAt: time.Now(),
		Sender:      sender,
	}
}

// Send pushes msg onto the connection's outbound queue.
func (c *Connection) Send(msg []byte) error {
	return c.Sender.Send(msg)
}

// SetAgentInfo records what the agent reported about itself.
func (c *Connection) SetAgentInfo(hostname, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hostname = hostname
	c.version = version
}

// AgentInfo returns the hostname and version reported by the agent, if any.
func (c *Connection) AgentInfo() (hostname, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hostname, c.version
}

// Registry is the shared table of live connections.
type Registry struct {
	conns  map[uint64]*Connection
	mu     sync.RWMutex
	nextID atomic.Uint64
	logger *slog.Logger
}

// New creates an empty Registry. The first registered connection gets id 1.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uint64]*Connection),
		logger: logger,
	}
}

// Register assigns the next id to conn, stores it, and returns the id.
func (r *Registry) Register(conn *Connection) uint64 {
	id := r.nextID.Add(1)
	conn.ID = id

	r.mu.Lock()
	r.conns[id] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"id", id,
		"addr", conn.Addr,
		"total", total,
	)
	return id
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id uint64) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conn, nil
}

// Remove unregisters id. Removing an absent id is a no-op and returns false.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection unregistered",
			"id", id,
			"addr", conn.Addr,
			"total", total,
		)
	}
	return ok
}

// List returns the currently registered ids in ascending order.
func (r *Registry) List() []uint64 {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Snapshot returns the currently registered connections ordered by id.
// The slice is a copy; connections may be removed after it is taken.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return conns
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

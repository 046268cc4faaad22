package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection. Outbound frames
// are serialized by a write mutex; the closed flag makes the connection's
// writability observable to the relay layer, which treats a closed peer as
// unavailable rather than as an error.
type Connection struct {
	ID           string        // connection ID (UUID), used for logging
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor for poller lookups
	RemoteIP     string        // client IP for rate limiting
	CreatedAt    time.Time     // when the connection was established
	LastPing     time.Time     // last heartbeat activity observed
	WriteTimeout time.Duration // per-frame write deadline; 0 disables
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	closed       atomic.Bool   // set once when the connection is torn down
}

// WriteMessage sends a WebSocket text frame to this connection. It fails with
// net.ErrClosed once the connection has been torn down; the write mutex
// ensures concurrent goroutines do not interleave frame bytes. The write
// deadline bounds how long a slow peer can hold the caller — an expired
// deadline surfaces as a failed (abandoned) send, never as backpressure.
func (c *Connection) WriteMessage(data []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Open reports whether the connection is still writable. It satisfies the
// session registry's Endpoint contract.
func (c *Connection) Open() bool {
	return !c.closed.Load()
}

// Close marks the connection closed and closes the underlying network
// connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// underlying network connections to their respective Connection objects, with
// O(1) lookups by both.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn, or nil if not
// found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

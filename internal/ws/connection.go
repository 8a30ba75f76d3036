package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection. Besides the
// transport state it carries the participant identity bound at setup, which
// the relay uses to exclude a sender's own connections from fan-out.
type Connection struct {
	id           string        // connection ID (UUID), assigned at upgrade
	conn         net.Conn      // underlying TCP connection
	fd           int           // file descriptor for poller lookups
	writeTimeout time.Duration // deadline applied to each outbound write
	CreatedAt    time.Time

	mu          sync.Mutex // guards participant and lastActive
	participant string     // bound participant id, empty until setup
	lastActive  time.Time  // last successful read or client keepalive

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// ID returns the connection's unique id.
func (c *Connection) ID() string { return c.id }

// BindParticipant records the participant identity this connection
// authenticated as. Called once the setup event is accepted.
func (c *Connection) BindParticipant(participantID string) {
	c.mu.Lock()
	c.participant = participantID
	c.mu.Unlock()
}

// Participant returns the bound participant id, or "" before setup.
func (c *Connection) Participant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participant
}

// Touch records activity on the connection, deferring heartbeat eviction.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the time of the last observed activity.
func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Send writes a WebSocket text frame to this connection. The write mutex
// ensures that concurrent goroutines do not interleave frame bytes. The
// write deadline bounds how long a slow reader can hold the mutex and the
// calling goroutine; a recipient that stops draining its socket gets a
// write error instead of wedging the fan-out loop.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)

	// Clear the deadline so it doesn't affect future writes.
	_ = c.conn.SetWriteDeadline(time.Time{})

	return err
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, serialized with other outbound frames and bounded by the same
// write deadline as Send so the heartbeat cannot block on a dead peer.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	err := ws.WriteFrame(c.conn, ws.NewPingFrame(nil))

	_ = c.conn.SetWriteDeadline(time.Time{})

	return err
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// file descriptors to their respective Connection objects. It supports O(1)
// lookups by both id and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byFd[conn.fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
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

// Package relay implements the real-time fan-out core of the chat server:
// an in-memory registry of live connections per participant, a room
// membership index, and the event relay that routes messages and typing
// signals to the right recipient connections.
package relay

import "sync"

// Conn is the relay's view of a live client connection. The WebSocket layer
// provides the production implementation; tests substitute fakes.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// Registry maps participant identities to their currently open connections.
// A participant may be connected from several tabs or devices at once, so
// the mapping is one-to-many. All methods are safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	byParticipant map[string]map[Conn]struct{}
	participantOf map[Conn]string
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byParticipant: make(map[string]map[Conn]struct{}),
		participantOf: make(map[Conn]string),
	}
}

// Register adds conn under participantID. Registering the same pair twice is
// a no-op; re-registering a connection under a different participant moves it.
func (r *Registry) Register(participantID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.participantOf[conn]; ok {
		if prev == participantID {
			return
		}
		r.removeLocked(prev, conn)
	}

	set, ok := r.byParticipant[participantID]
	if !ok {
		set = make(map[Conn]struct{})
		r.byParticipant[participantID] = set
	}
	set[conn] = struct{}{}
	r.participantOf[conn] = participantID
}

// Unregister removes conn from whatever participant it was registered under.
// Unknown connections are ignored.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pid, ok := r.participantOf[conn]
	if !ok {
		return
	}
	r.removeLocked(pid, conn)
}

func (r *Registry) removeLocked(participantID string, conn Conn) {
	if set, ok := r.byParticipant[participantID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.byParticipant, participantID)
		}
	}
	delete(r.participantOf, conn)
}

// ConnectionsFor returns a snapshot of the live connections for a
// participant. An empty slice means the participant is offline; that is not
// an error, it means there is nothing to deliver.
func (r *Registry) ConnectionsFor(participantID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byParticipant[participantID]
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// ParticipantOf returns the participant a connection is bound to, if any.
func (r *Registry) ParticipantOf(conn Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pid, ok := r.participantOf[conn]
	return pid, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participantOf)
}

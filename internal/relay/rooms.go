package relay

import "sync"

// RoomKind distinguishes the two room keyspaces. Participant identity rooms
// (private notification targets) and conversation rooms (group broadcast)
// both use opaque string ids; tagging the key with a kind makes a collision
// between the two namespaces structurally impossible rather than merely
// unlikely.
type RoomKind uint8

const (
	// RoomParticipant keys a participant's own identity room. Every
	// connection joins its participant room at setup.
	RoomParticipant RoomKind = iota + 1

	// RoomConversation keys a conversation (direct or group chat) room that
	// connections join explicitly for live broadcast.
	RoomConversation
)

// RoomKey identifies a room: a kind plus the id within that kind.
type RoomKey struct {
	Kind RoomKind
	ID   string
}

// ParticipantRoom returns the identity room key for a participant.
func ParticipantRoom(participantID string) RoomKey {
	return RoomKey{Kind: RoomParticipant, ID: participantID}
}

// ConversationRoom returns the room key for a conversation.
func ConversationRoom(conversationID string) RoomKey {
	return RoomKey{Kind: RoomConversation, ID: conversationID}
}

// Rooms is the room membership index: it maps room keys to member
// connections and keeps a reverse index so that a disconnecting connection
// can be removed from every room it joined in one step. All methods are
// safe for concurrent use.
type Rooms struct {
	mu      sync.RWMutex
	members map[RoomKey]map[Conn]struct{}
	joined  map[Conn]map[RoomKey]struct{}
}

// NewRooms creates an empty membership index.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[RoomKey]map[Conn]struct{}),
		joined:  make(map[Conn]map[RoomKey]struct{}),
	}
}

// Join adds conn to the room. Joining a room twice is a no-op.
func (r *Rooms) Join(key RoomKey, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[key]
	if !ok {
		set = make(map[Conn]struct{})
		r.members[key] = set
	}
	set[conn] = struct{}{}

	rooms, ok := r.joined[conn]
	if !ok {
		rooms = make(map[RoomKey]struct{})
		r.joined[conn] = rooms
	}
	rooms[key] = struct{}{}
}

// Leave removes conn from the room. Unknown memberships are ignored.
func (r *Rooms) Leave(key RoomKey, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(key, conn)
}

// LeaveAll removes conn from every room it has joined. It must be called on
// connection teardown; a membership that outlives its connection is a leak.
func (r *Rooms) LeaveAll(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.joined[conn] {
		r.leaveLocked(key, conn)
	}
}

func (r *Rooms) leaveLocked(key RoomKey, conn Conn) {
	if set, ok := r.members[key]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.members, key)
		}
	}
	if rooms, ok := r.joined[conn]; ok {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(r.joined, conn)
		}
	}
}

// MembersOf returns a snapshot of the room's current members. Broadcasting
// iterates the snapshot without holding the index lock.
func (r *Rooms) MembersOf(key RoomKey) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[key]
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// RoomCount returns the number of rooms with at least one member.
func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

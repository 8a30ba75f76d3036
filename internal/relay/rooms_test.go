package relay

import "testing"

func TestRoomsJoinAndMembers(t *testing.T) {
	rooms := NewRooms()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	key := ConversationRoom("chat-7")
	rooms.Join(key, c1)
	rooms.Join(key, c2)
	rooms.Join(key, c1) // duplicate join is a no-op

	members := rooms.MembersOf(key)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if rooms.RoomCount() != 1 {
		t.Errorf("expected 1 room, got %d", rooms.RoomCount())
	}
}

func TestRoomsKindsAreDisjoint(t *testing.T) {
	rooms := NewRooms()
	c1 := newFakeConn("c1")

	// A participant room and a conversation room with the same id must be
	// different rooms.
	rooms.Join(ParticipantRoom("42"), c1)

	if n := len(rooms.MembersOf(ConversationRoom("42"))); n != 0 {
		t.Errorf("conversation room 42 should be empty, got %d members", n)
	}
	if n := len(rooms.MembersOf(ParticipantRoom("42"))); n != 1 {
		t.Errorf("participant room 42 should have 1 member, got %d", n)
	}
}

func TestRoomsLeave(t *testing.T) {
	rooms := NewRooms()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	key := ConversationRoom("chat-7")
	rooms.Join(key, c1)
	rooms.Join(key, c2)

	rooms.Leave(key, c1)
	if n := len(rooms.MembersOf(key)); n != 1 {
		t.Errorf("expected 1 member after leave, got %d", n)
	}

	// Empty rooms are dropped from the index.
	rooms.Leave(key, c2)
	if rooms.RoomCount() != 0 {
		t.Errorf("expected 0 rooms after last leave, got %d", rooms.RoomCount())
	}

	// Leaving a room you never joined is a no-op.
	rooms.Leave(ConversationRoom("never"), c1)
}

func TestRoomsLeaveAll(t *testing.T) {
	rooms := NewRooms()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	rooms.Join(ParticipantRoom("alice"), c1)
	rooms.Join(ConversationRoom("chat-7"), c1)
	rooms.Join(ConversationRoom("chat-8"), c1)
	rooms.Join(ConversationRoom("chat-7"), c2)

	rooms.LeaveAll(c1)

	if n := len(rooms.MembersOf(ParticipantRoom("alice"))); n != 0 {
		t.Errorf("expected alice's identity room empty, got %d members", n)
	}
	if n := len(rooms.MembersOf(ConversationRoom("chat-8"))); n != 0 {
		t.Errorf("expected chat-8 empty, got %d members", n)
	}
	// c2's membership is untouched.
	if n := len(rooms.MembersOf(ConversationRoom("chat-7"))); n != 1 {
		t.Errorf("expected chat-7 to keep c2, got %d members", n)
	}
}

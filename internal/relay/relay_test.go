package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/protocol"
)

// fakeConn records everything sent to it. Safe for concurrent use so the
// typing auto-stop timer can write from its own goroutine.
type fakeConn struct {
	id   string
	fail bool

	mu   sync.Mutex
	sent [][]byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

// sentTypes decodes the type discriminator of every recorded message.
func (f *fakeConn) sentTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	types := make([]string, 0, len(f.sent))
	for _, raw := range f.sent {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("sent message is not valid JSON: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeChecker is a canned MembershipChecker.
type fakeChecker struct {
	members map[string]map[string]bool // conversation -> participant -> member
	err     error
}

func (c *fakeChecker) IsMember(_ context.Context, conversationID, participantID string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.members[conversationID][participantID], nil
}

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	return New(DefaultConfig())
}

func testEvent(id, sender string, participants ...string) protocol.MessageEvent {
	return protocol.MessageEvent{
		ID:     id,
		Sender: sender,
		Chat: protocol.ChatRef{
			ID:           "chat-7",
			Participants: participants,
		},
		Body: "hello",
		Ts:   time.Now().UnixMilli(),
	}
}

func TestHandleSetupAcksOriginOnly(t *testing.T) {
	r := newTestRelay(t)
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	if err := r.HandleSetup(c1, "alice"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := r.HandleSetup(c2, "bob"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	types := c1.sentTypes(t)
	if len(types) != 1 || types[0] != protocol.TypeConnected {
		t.Errorf("expected exactly one connected ack on c1, got %v", types)
	}
	// Bob's setup must not leak an ack to Alice.
	if c1.sentCount() != 1 {
		t.Errorf("expected c1 to receive nothing from bob's setup, got %d messages", c1.sentCount())
	}
}

func TestHandleSetupRebindLeavesOldIdentityRoom(t *testing.T) {
	r := newTestRelay(t)
	c1 := newFakeConn("c1")
	mustSetup(t, r, c1, "alice")
	mustSetup(t, r, c1, "bob")

	if n := len(r.rooms.MembersOf(ParticipantRoom("alice"))); n != 0 {
		t.Errorf("expected alice's identity room empty after rebind, got %d members", n)
	}
	if n := len(r.rooms.MembersOf(ParticipantRoom("bob"))); n != 1 {
		t.Errorf("expected bob's identity room to hold the connection, got %d members", n)
	}

	pid, ok := r.Registry().ParticipantOf(c1)
	if !ok || pid != "bob" {
		t.Errorf("expected connection bound to bob, got %q (ok=%v)", pid, ok)
	}

	// Re-setup under the same participant changes nothing.
	mustSetup(t, r, c1, "bob")
	if n := len(r.rooms.MembersOf(ParticipantRoom("bob"))); n != 1 {
		t.Errorf("expected 1 member after idempotent re-setup, got %d", n)
	}
}

func TestHandleSetupRejectsEmptyParticipant(t *testing.T) {
	r := newTestRelay(t)
	c1 := newFakeConn("c1")

	if err := r.HandleSetup(c1, ""); !errors.Is(err, ErrNoParticipant) {
		t.Fatalf("expected ErrNoParticipant, got %v", err)
	}
	if c1.sentCount() != 0 {
		t.Errorf("expected no ack on failed setup, got %d messages", c1.sentCount())
	}
}

func TestHandleJoinRoomRequiresSetup(t *testing.T) {
	r := newTestRelay(t)
	c1 := newFakeConn("c1")

	err := r.HandleJoinRoom(context.Background(), c1, "chat-7")
	if !errors.Is(err, ErrNotSetUp) {
		t.Fatalf("expected ErrNotSetUp, got %v", err)
	}
}

func TestHandleJoinRoomRejectsEmptyConversation(t *testing.T) {
	r := newTestRelay(t)
	c1 := newFakeConn("c1")
	mustSetup(t, r, c1, "alice")

	if err := r.HandleJoinRoom(context.Background(), c1, ""); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestHandleJoinRoomMembershipEnforced(t *testing.T) {
	config := DefaultConfig()
	config.Checker = &fakeChecker{
		members: map[string]map[string]bool{
			"chat-7": {"alice": true},
		},
	}
	r := New(config)

	alice := newFakeConn("c1")
	mallory := newFakeConn("c2")
	mustSetup(t, r, alice, "alice")
	mustSetup(t, r, mallory, "mallory")

	if err := r.HandleJoinRoom(context.Background(), alice, "chat-7"); err != nil {
		t.Fatalf("member join failed: %v", err)
	}
	if err := r.HandleJoinRoom(context.Background(), mallory, "chat-7"); !errors.Is(err, ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
}

func TestHandleJoinRoomCheckerFailure(t *testing.T) {
	config := DefaultConfig()
	config.Checker = &fakeChecker{err: errors.New("db down")}
	r := New(config)

	c1 := newFakeConn("c1")
	mustSetup(t, r, c1, "alice")

	if err := r.HandleJoinRoom(context.Background(), c1, "chat-7"); !errors.Is(err, ErrMembershipCheck) {
		t.Fatalf("expected ErrMembershipCheck, got %v", err)
	}
}

// A in chat with B; B has two live connections. The message must reach both
// of B's connections and none of A's.
func TestFanOutDeliversToAllRecipientConnections(t *testing.T) {
	r := newTestRelay(t)
	a1 := newFakeConn("a1")
	b1 := newFakeConn("b1")
	b2 := newFakeConn("b2")
	mustSetup(t, r, a1, "alice")
	mustSetup(t, r, b1, "bob")
	mustSetup(t, r, b2, "bob")

	n := r.FanOutMessage(testEvent("m1", "alice", "alice", "bob"))
	if n != 2 {
		t.Fatalf("expected 2 recipient connections, got %d", n)
	}

	for _, conn := range []*fakeConn{b1, b2} {
		types := conn.sentTypes(t)
		// connected ack + message
		if len(types) != 2 || types[1] != protocol.TypeMessageReceived {
			t.Errorf("conn %s: expected message delivery, got %v", conn.ID(), types)
		}
	}
	// Sender is excluded even though alice is in the participant list.
	if types := a1.sentTypes(t); len(types) != 1 {
		t.Errorf("expected sender to receive nothing beyond the ack, got %v", types)
	}
}

func TestFanOutOfflineRecipient(t *testing.T) {
	r := newTestRelay(t)
	a1 := newFakeConn("a1")
	mustSetup(t, r, a1, "alice")

	// Bob is a chat member but has no live connections. Not an error.
	n := r.FanOutMessage(testEvent("m1", "alice", "alice", "bob"))
	if n != 0 {
		t.Fatalf("expected 0 deliveries for offline recipient, got %d", n)
	}
}

func TestFanOutEmptyParticipantList(t *testing.T) {
	r := newTestRelay(t)

	event := testEvent("m1", "alice")
	event.Chat.Participants = nil

	// Must log-and-drop, never panic.
	if n := r.FanOutMessage(event); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}

func TestFanOutDedupesMessageID(t *testing.T) {
	r := newTestRelay(t)
	b1 := newFakeConn("b1")
	mustSetup(t, r, b1, "bob")

	event := testEvent("m1", "alice", "alice", "bob")

	// Same message arrives over the socket path and the broker bridge.
	if n := r.FanOutMessage(event); n != 1 {
		t.Fatalf("first fan-out: expected 1 delivery, got %d", n)
	}
	if n := r.FanOutMessage(event); n != 0 {
		t.Fatalf("duplicate fan-out: expected 0 deliveries, got %d", n)
	}

	// A different message id goes through.
	if n := r.FanOutMessage(testEvent("m2", "alice", "alice", "bob")); n != 1 {
		t.Fatalf("second message: expected 1 delivery, got %d", n)
	}
}

func TestFanOutSurvivesFailingConnection(t *testing.T) {
	r := newTestRelay(t)
	b1 := newFakeConn("b1")
	b2 := newFakeConn("b2")
	mustSetup(t, r, b1, "bob")
	mustSetup(t, r, b2, "bob")
	b1.fail = true

	r.FanOutMessage(testEvent("m1", "alice", "alice", "bob"))

	// The healthy connection still gets the message.
	types := b2.sentTypes(t)
	if len(types) != 2 || types[1] != protocol.TypeMessageReceived {
		t.Errorf("expected delivery to healthy connection, got %v", types)
	}
}

func TestTypingBroadcastExcludesOrigin(t *testing.T) {
	r := newTestRelay(t)
	a1 := newFakeConn("a1")
	b1 := newFakeConn("b1")
	mustSetup(t, r, a1, "alice")
	mustSetup(t, r, b1, "bob")
	mustJoin(t, r, a1, "chat-7")
	mustJoin(t, r, b1, "chat-7")

	r.HandleTyping(a1, "chat-7", true)
	r.HandleTyping(a1, "chat-7", false)

	types := b1.sentTypes(t)
	if len(types) != 3 || types[1] != protocol.TypeTyping || types[2] != protocol.TypeStopTyping {
		t.Errorf("expected typing then stop on b1, got %v", types)
	}
	if a1.sentCount() != 1 {
		t.Errorf("expected origin to receive nothing, got %d messages", a1.sentCount())
	}
}

func TestTypingFromUnboundConnDropped(t *testing.T) {
	r := newTestRelay(t)
	c1 := newFakeConn("c1")

	// No setup: nothing to broadcast, nothing to panic over.
	r.HandleTyping(c1, "chat-7", true)
	if c1.sentCount() != 0 {
		t.Errorf("expected no messages, got %d", c1.sentCount())
	}
}

func TestTypingAutoStop(t *testing.T) {
	config := DefaultConfig()
	config.TypingTimeout = 20 * time.Millisecond
	r := New(config)

	a1 := newFakeConn("a1")
	b1 := newFakeConn("b1")
	mustSetup(t, r, a1, "alice")
	mustSetup(t, r, b1, "bob")
	mustJoin(t, r, a1, "chat-7")
	mustJoin(t, r, b1, "chat-7")

	r.HandleTyping(a1, "chat-7", true)

	// The client goes silent; the relay emits the stop on its behalf.
	deadline := time.After(2 * time.Second)
	for {
		types := b1.sentTypes(t)
		if len(types) >= 3 {
			if types[2] != protocol.TypeStopTyping {
				t.Fatalf("expected synthetic stop, got %v", types)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for synthetic stop, got %v", b1.sentTypes(t))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTypingExplicitStopCancelsAutoStop(t *testing.T) {
	config := DefaultConfig()
	config.TypingTimeout = 20 * time.Millisecond
	r := New(config)

	a1 := newFakeConn("a1")
	b1 := newFakeConn("b1")
	mustSetup(t, r, a1, "alice")
	mustSetup(t, r, b1, "bob")
	mustJoin(t, r, a1, "chat-7")
	mustJoin(t, r, b1, "chat-7")

	r.HandleTyping(a1, "chat-7", true)
	r.HandleTyping(a1, "chat-7", false)

	time.Sleep(100 * time.Millisecond)

	// connected + typing + explicit stop, and no synthetic fourth message.
	if n := b1.sentCount(); n != 3 {
		t.Errorf("expected 3 messages, got %d: %v", n, b1.sentTypes(t))
	}
}

func TestHandleDisconnectCleansUp(t *testing.T) {
	config := DefaultConfig()
	config.TypingTimeout = 20 * time.Millisecond
	r := New(config)

	a1 := newFakeConn("a1")
	b1 := newFakeConn("b1")
	mustSetup(t, r, a1, "alice")
	mustSetup(t, r, b1, "bob")
	mustJoin(t, r, a1, "chat-7")
	mustJoin(t, r, b1, "chat-7")

	r.HandleTyping(a1, "chat-7", true)
	r.HandleDisconnect(a1)

	if _, ok := r.Registry().ParticipantOf(a1); ok {
		t.Error("expected a1 unregistered after disconnect")
	}
	if r.Registry().Count() != 1 {
		t.Errorf("expected 1 registered connection, got %d", r.Registry().Count())
	}

	// A message to alice goes nowhere; no stale delivery to the dead conn.
	before := a1.sentCount()
	if n := r.FanOutMessage(testEvent("m1", "bob", "alice", "bob")); n != 0 {
		t.Errorf("expected 0 deliveries to disconnected participant, got %d", n)
	}
	if a1.sentCount() != before {
		t.Error("disconnected connection received a message")
	}

	// The armed typing timer was cancelled; no synthetic stop arrives.
	beforeB := b1.sentCount()
	time.Sleep(100 * time.Millisecond)
	if b1.sentCount() != beforeB {
		t.Errorf("expected no synthetic stop after disconnect, got %v", b1.sentTypes(t))
	}

	// Disconnecting twice is harmless.
	r.HandleDisconnect(a1)
}

func mustSetup(t *testing.T, r *Relay, conn Conn, participantID string) {
	t.Helper()
	if err := r.HandleSetup(conn, participantID); err != nil {
		t.Fatalf("setup %s: %v", participantID, err)
	}
}

func mustJoin(t *testing.T, r *Relay, conn Conn, conversationID string) {
	t.Helper()
	if err := r.HandleJoinRoom(context.Background(), conn, conversationID); err != nil {
		t.Fatalf("join %s: %v", conversationID, err)
	}
}

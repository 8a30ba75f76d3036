package relay

import "testing"

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	reg.Register("alice", c1)
	reg.Register("alice", c2)

	conns := reg.ConnectionsFor("alice")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for alice, got %d", len(conns))
	}

	pid, ok := reg.ParticipantOf(c1)
	if !ok || pid != "alice" {
		t.Errorf("expected c1 bound to alice, got %q (ok=%v)", pid, ok)
	}

	if reg.Count() != 2 {
		t.Errorf("expected count 2, got %d", reg.Count())
	}
}

func TestRegistryRegisterIdempotent(t *testing.T) {
	reg := NewRegistry()
	c1 := newFakeConn("c1")

	reg.Register("alice", c1)
	reg.Register("alice", c1)

	if n := len(reg.ConnectionsFor("alice")); n != 1 {
		t.Errorf("expected 1 connection after duplicate register, got %d", n)
	}
	if reg.Count() != 1 {
		t.Errorf("expected count 1, got %d", reg.Count())
	}
}

func TestRegistryRebindMovesConnection(t *testing.T) {
	reg := NewRegistry()
	c1 := newFakeConn("c1")

	reg.Register("alice", c1)
	reg.Register("bob", c1)

	if n := len(reg.ConnectionsFor("alice")); n != 0 {
		t.Errorf("expected alice to have no connections after rebind, got %d", n)
	}
	if n := len(reg.ConnectionsFor("bob")); n != 1 {
		t.Errorf("expected bob to have 1 connection after rebind, got %d", n)
	}

	pid, ok := reg.ParticipantOf(c1)
	if !ok || pid != "bob" {
		t.Errorf("expected c1 bound to bob, got %q (ok=%v)", pid, ok)
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")

	reg.Register("alice", c1)
	reg.Register("alice", c2)
	reg.Unregister(c1)

	if n := len(reg.ConnectionsFor("alice")); n != 1 {
		t.Errorf("expected 1 connection after unregister, got %d", n)
	}
	if _, ok := reg.ParticipantOf(c1); ok {
		t.Error("expected c1 to be unbound after unregister")
	}

	// Last connection gone means the participant is offline.
	reg.Unregister(c2)
	if n := len(reg.ConnectionsFor("alice")); n != 0 {
		t.Errorf("expected alice offline, got %d connections", n)
	}
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	reg := NewRegistry()
	reg.Unregister(newFakeConn("ghost"))

	if reg.Count() != 0 {
		t.Errorf("expected empty registry, got count %d", reg.Count())
	}
}

func TestRegistryConnectionsForOffline(t *testing.T) {
	reg := NewRegistry()

	conns := reg.ConnectionsFor("nobody")
	if conns == nil {
		t.Fatal("expected non-nil snapshot for offline participant")
	}
	if len(conns) != 0 {
		t.Errorf("expected empty snapshot, got %d connections", len(conns))
	}
}

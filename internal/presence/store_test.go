package presence

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

// newTestStore connects to a local Redis instance. Tests that call this
// helper require a running Redis on localhost:6379 and skip otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore("localhost:6379", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrackBindUntrack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	connID := uuid.New().String()
	participantID := "test_" + uuid.New().String()

	if err := store.Track(ctx, connID); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	// Untracked and unbound: participant shows offline.
	online, err := store.IsOnline(ctx, participantID)
	if err != nil {
		t.Fatalf("isonline failed: %v", err)
	}
	if online {
		t.Error("expected participant offline before bind")
	}

	if err := store.Bind(ctx, connID, participantID); err != nil {
		t.Fatalf("bind failed: %v", err)
	}

	online, err = store.IsOnline(ctx, participantID)
	if err != nil {
		t.Fatalf("isonline failed: %v", err)
	}
	if !online {
		t.Error("expected participant online after bind")
	}

	conns, err := store.Connections(ctx, participantID)
	if err != nil {
		t.Fatalf("connections failed: %v", err)
	}
	if len(conns) != 1 || conns[0] != connID {
		t.Errorf("expected [%s], got %v", connID, conns)
	}

	if err := store.Untrack(ctx, connID); err != nil {
		t.Fatalf("untrack failed: %v", err)
	}

	online, err = store.IsOnline(ctx, participantID)
	if err != nil {
		t.Fatalf("isonline failed: %v", err)
	}
	if online {
		t.Error("expected participant offline after untrack")
	}
}

func TestUntrackAnonymousConnection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	connID := uuid.New().String()
	if err := store.Track(ctx, connID); err != nil {
		t.Fatalf("track failed: %v", err)
	}

	// Never bound to a participant; untrack must still clean up.
	if err := store.Untrack(ctx, connID); err != nil {
		t.Fatalf("untrack failed: %v", err)
	}
}

func TestRefreshUnknownConnection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Refreshing a connection that expired is harmless.
	if err := store.Refresh(ctx, uuid.New().String(), ""); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
}

func TestMultipleConnectionsPerParticipant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	participantID := "test_" + uuid.New().String()
	conn1 := uuid.New().String()
	conn2 := uuid.New().String()

	for _, connID := range []string{conn1, conn2} {
		if err := store.Track(ctx, connID); err != nil {
			t.Fatalf("track failed: %v", err)
		}
		if err := store.Bind(ctx, connID, participantID); err != nil {
			t.Fatalf("bind failed: %v", err)
		}
	}

	conns, err := store.Connections(ctx, participantID)
	if err != nil {
		t.Fatalf("connections failed: %v", err)
	}
	if len(conns) != 2 {
		t.Errorf("expected 2 connections, got %v", conns)
	}

	// Dropping one connection keeps the participant online.
	if err := store.Untrack(ctx, conn1); err != nil {
		t.Fatalf("untrack failed: %v", err)
	}
	online, err := store.IsOnline(ctx, participantID)
	if err != nil {
		t.Fatalf("isonline failed: %v", err)
	}
	if !online {
		t.Error("expected participant still online with one connection left")
	}

	if err := store.Untrack(ctx, conn2); err != nil {
		t.Fatalf("untrack failed: %v", err)
	}
}

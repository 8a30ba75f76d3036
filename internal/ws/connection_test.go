package ws

import (
	"net"
	"testing"
	"time"
)

// stubConn is an in-memory net.Conn that records writes and write deadline
// calls. Only the methods the write path touches are implemented; the
// embedded interface panics on anything else.
type stubConn struct {
	net.Conn
	writes    int
	deadlines []time.Time
}

func (s *stubConn) Write(p []byte) (int, error) {
	s.writes++
	return len(p), nil
}

func (s *stubConn) SetWriteDeadline(t time.Time) error {
	s.deadlines = append(s.deadlines, t)
	return nil
}

func countArmed(deadlines []time.Time) int {
	n := 0
	for _, d := range deadlines {
		if !d.IsZero() {
			n++
		}
	}
	return n
}

func TestSendAppliesAndClearsWriteDeadline(t *testing.T) {
	stub := &stubConn{}
	c := &Connection{conn: stub, writeTimeout: 5 * time.Second}

	if err := c.Send([]byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if stub.writes == 0 {
		t.Fatal("expected frame bytes to be written")
	}

	// One armed deadline before the write, one zero deadline clearing it.
	if n := countArmed(stub.deadlines); n != 1 {
		t.Errorf("expected exactly 1 armed write deadline, got %d (%v)", n, stub.deadlines)
	}
	if len(stub.deadlines) == 0 || !stub.deadlines[len(stub.deadlines)-1].IsZero() {
		t.Errorf("expected final deadline call to clear the deadline, got %v", stub.deadlines)
	}
}

func TestWritePingAppliesAndClearsWriteDeadline(t *testing.T) {
	stub := &stubConn{}
	c := &Connection{conn: stub, writeTimeout: 5 * time.Second}

	if err := c.WritePing(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
	if stub.writes == 0 {
		t.Fatal("expected ping frame to be written")
	}

	if n := countArmed(stub.deadlines); n != 1 {
		t.Errorf("expected exactly 1 armed write deadline, got %d (%v)", n, stub.deadlines)
	}
	if len(stub.deadlines) == 0 || !stub.deadlines[len(stub.deadlines)-1].IsZero() {
		t.Errorf("expected final deadline call to clear the deadline, got %v", stub.deadlines)
	}
}

func TestSendWithoutTimeoutNeverArmsDeadline(t *testing.T) {
	stub := &stubConn{}
	c := &Connection{conn: stub}

	if err := c.Send([]byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if n := countArmed(stub.deadlines); n != 0 {
		t.Errorf("expected no armed deadlines with zero timeout, got %d", n)
	}
}

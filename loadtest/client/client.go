// Package client provides a reusable WebSocket load test client for the
// Parley chat relay. It connects using gobwas/ws (the same library the server
// uses), automatically performs the setup handshake to bind a participant
// identity, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetup      = "setup"
	TypeJoinRoom   = "join room"
	TypeTyping     = "typing"
	TypeStopTyping = "stop typing"
	TypeNewMessage = "new message"
	TypePing       = "ping"
)

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeMessageReceived = "message recieved"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SetupLatency     time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated participant connection to the relay.
// It manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and performs the setup handshake automatically.
type Client struct {
	conn          net.Conn
	participantID string

	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	connected chan struct{}
	connOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
	setupAt   time.Time
}

// New creates a load test client connected to the given WebSocket URL and
// bound to participantID. The connection is established immediately, a
// background goroutine begins reading messages, and a setup event is sent
// right away. Use WaitForConnected to block until the server acknowledges
// the handshake.
func New(ctx context.Context, url, participantID string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:          conn,
		participantID: participantID,
		handlers:      make(map[string]func(json.RawMessage)),
		connected:     make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	// Bind the participant identity.
	c.setupAt = time.Now()
	if err := c.Send(map[string]string{
		"type":           TypeSetup,
		"participant_id": participantID,
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("setup: %w", err)
	}

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinRoom subscribes this client to a conversation room.
func (c *Client) JoinRoom(chatID string) error {
	return c.Send(map[string]string{
		"type":    TypeJoinRoom,
		"chat_id": chatID,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForConnected blocks until the server has acknowledged the setup
// handshake or the context is cancelled.
func (c *Client) WaitForConnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before setup was acknowledged")
	case <-c.connected:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ParticipantID returns the participant identity this client is bound to.
func (c *Client) ParticipantID() string {
	return c.participantID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle the connected ack internally: record setup latency and
		// release anyone blocked in WaitForConnected.
		if envelope.Type == TypeConnected {
			c.connOnce.Do(func() {
				c.mu.Lock()
				c.metrics.SetupLatency = time.Since(c.setupAt)
				c.mu.Unlock()
				close(c.connected)
			})
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

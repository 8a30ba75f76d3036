// Package protocol defines the WebSocket message types and structures
// exchanged between the chat client and the relay server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types. The multi-word names are the established
// wire contract of the existing web client.
const (
	TypeSetup      = "setup"
	TypeJoinRoom   = "join room"
	TypeTyping     = "typing"
	TypeStopTyping = "stop typing"
	TypeNewMessage = "new message"
	TypePing       = "ping"
)

// Server -> Client message types. Typing indicators are relayed under the
// same names they arrive with. TypeMessageReceived keeps the original wire
// spelling; renaming it would break deployed clients.
const (
	TypeConnected       = "connected"
	TypeMessageReceived = "message recieved"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structures
// ---------------------------------------------------------------------------

// ChatRef identifies the conversation a message belongs to, including the
// participant list the relay fans out over. The list comes from the
// persistence gateway when the message is created.
type ChatRef struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
}

// MessageEvent is the transient payload for an already-persisted message.
// The relay never stores it; persistence happened upstream before the event
// was emitted. Sender is always excluded from the fan-out recipient set.
type MessageEvent struct {
	ID         string  `json:"id"`
	Sender     string  `json:"sender"`
	Chat       ChatRef `json:"chat"`
	Body       string  `json:"body,omitempty"`
	Attachment string  `json:"attachment,omitempty"`
	Ts         int64   `json:"ts"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetupMsg binds the connection to a participant identity. When the server
// is configured with an auth secret, Token must be a JWT whose subject is
// the participant id.
type SetupMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Token         string `json:"token,omitempty"`
}

// JoinRoomMsg subscribes the connection to a conversation room for live
// broadcast.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingMsg carries a typing indicator (start or stop, per the envelope
// type) for a conversation.
type TypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// NewMessageMsg notifies the relay of a message that the REST API already
// persisted, so it can be fanned out to the other chat members.
type NewMessageMsg struct {
	Type    string       `json:"type"`
	Message MessageEvent `json:"message"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg acknowledges a successful setup to the originating
// connection only.
type ConnectedMsg struct {
	Type string `json:"type"`
}

// MessageReceivedMsg delivers a message event to a recipient connection.
type MessageReceivedMsg struct {
	Type    string       `json:"type"`
	Message MessageEvent `json:"message"`
}

// ServerTypingMsg relays a typing indicator to the other members of a
// conversation room.
type ServerTypingMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	From   string `json:"from"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetup:
		var m SetupMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

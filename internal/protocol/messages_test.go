package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessageSetup(t *testing.T) {
	data := []byte(`{"type":"setup","participant_id":"alice","token":"tok"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msgType != TypeSetup {
		t.Errorf("expected type %q, got %q", TypeSetup, msgType)
	}

	setup, ok := msg.(SetupMsg)
	if !ok {
		t.Fatalf("expected SetupMsg, got %T", msg)
	}
	if setup.ParticipantID != "alice" || setup.Token != "tok" {
		t.Errorf("unexpected payload: %+v", setup)
	}
}

func TestParseClientMessageJoinRoom(t *testing.T) {
	data := []byte(`{"type":"join room","chat_id":"chat-7"}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msgType != TypeJoinRoom {
		t.Errorf("expected type %q, got %q", TypeJoinRoom, msgType)
	}
	if join := msg.(JoinRoomMsg); join.ChatID != "chat-7" {
		t.Errorf("unexpected chat id: %q", join.ChatID)
	}
}

func TestParseClientMessageTypingVariants(t *testing.T) {
	for _, typ := range []string{TypeTyping, TypeStopTyping} {
		data, _ := json.Marshal(map[string]string{"type": typ, "chat_id": "chat-7"})

		msgType, msg, err := ParseClientMessage(data)
		if err != nil {
			t.Fatalf("parse %q failed: %v", typ, err)
		}
		if msgType != typ {
			t.Errorf("expected type %q, got %q", typ, msgType)
		}
		if typing := msg.(TypingMsg); typing.ChatID != "chat-7" {
			t.Errorf("%q: unexpected chat id %q", typ, typing.ChatID)
		}
	}
}

func TestParseClientMessageNewMessage(t *testing.T) {
	data := []byte(`{
		"type": "new message",
		"message": {
			"id": "m1",
			"sender": "alice",
			"chat": {"id": "chat-7", "participants": ["alice", "bob"]},
			"body": "hello",
			"ts": 1700000000000
		}
	}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if msgType != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, msgType)
	}

	nm := msg.(NewMessageMsg)
	if nm.Message.ID != "m1" || nm.Message.Sender != "alice" {
		t.Errorf("unexpected message: %+v", nm.Message)
	}
	if len(nm.Message.Chat.Participants) != 2 {
		t.Errorf("expected 2 participants, got %v", nm.Message.Chat.Participants)
	}
}

func TestParseClientMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"chat_id":"chat-7"}`},
		{"unknown type", `{"type":"bogus"}`},
		{"server-only type", `{"type":"message recieved"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.data)); err == nil {
				t.Error("expected parse error, got nil")
			}
		})
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
		Message: MessageEvent{ID: "m1", Sender: "alice"},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeMessageReceived {
		t.Errorf("expected type %q, got %v", TypeMessageReceived, m["type"])
	}
	if _, ok := m["message"]; !ok {
		t.Error("expected message field in payload")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw := []byte(`{"type":"typing","chat_id":"chat-7"}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if env.Type != TypeTyping {
		t.Errorf("expected type %q, got %q", TypeTyping, env.Type)
	}
	if string(env.Raw) != string(raw) {
		t.Errorf("raw bytes not preserved: %s", env.Raw)
	}
}

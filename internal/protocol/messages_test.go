package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseClientEvent_ChatMessage(t *testing.T) {
	raw := []byte(`{"type":"chat_message","message":"hello there"}`)

	msgType, msg, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent() error: %v", err)
	}
	if msgType != TypeChatMessage {
		t.Errorf("type = %q, want %q", msgType, TypeChatMessage)
	}
	ev, ok := msg.(ChatMessageEvent)
	if !ok {
		t.Fatalf("msg is %T, want ChatMessageEvent", msg)
	}
	if ev.Message != "hello there" {
		t.Errorf("Message = %q, want %q", ev.Message, "hello there")
	}
}

func TestParseClientEvent_UnknownType(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  string
	}{
		{"typing event", `{"type":"typing","is_typing":true}`, "typing"},
		{"empty type", `{"message":"hi"}`, ""},
		{"server-only type", `{"type":"message_queued"}`, "message_queued"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseClientEvent() error: %v", err)
			}
			if msgType != tt.typ {
				t.Errorf("type = %q, want %q", msgType, tt.typ)
			}
			if msg != nil {
				t.Errorf("msg = %v, want nil for unknown type", msg)
			}
		})
	}
}

func TestParseClientEvent_InvalidJSON(t *testing.T) {
	if _, _, err := ParseClientEvent([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewUnknownType_ContractText(t *testing.T) {
	data := NewUnknownType("typing")

	var ev ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeError {
		t.Errorf("type = %q, want %q", ev.Type, TypeError)
	}
	want := "Tipo de mensagem desconhecido: typing"
	if ev.Message != want {
		t.Errorf("message = %q, want %q", ev.Message, want)
	}
}

func TestNewConnectionEstablished(t *testing.T) {
	data := NewConnectionEstablished("room-42")

	var ev ConnectionEstablishedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != TypeConnectionEstablished {
		t.Errorf("type = %q, want %q", ev.Type, TypeConnectionEstablished)
	}
	if ev.Message != "Conectado à sala room-42" {
		t.Errorf("message = %q", ev.Message)
	}
}

func TestNewMessageQueued_Envelope(t *testing.T) {
	data := NewMessageQueued(QueuedMessage{
		ID:        "abc",
		Content:   "hi",
		Status:    "PENDING",
		CreatedAt: FormatTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)),
	})

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["message"]; !ok {
		t.Fatal("payload not nested under \"message\"")
	}

	var ev MessageQueuedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal typed: %v", err)
	}
	if ev.Message.Status != "PENDING" {
		t.Errorf("status = %q, want PENDING", ev.Message.Status)
	}
	if ev.Message.CreatedAt != "2026-01-02T03:04:05Z" {
		t.Errorf("created_at = %q", ev.Message.CreatedAt)
	}
}

func TestNewMessageBroadcast_AuthorFields(t *testing.T) {
	data := NewMessageBroadcast(BroadcastMessage{
		ID:      "m1",
		Content: "Hello",
		Author:  Author{ID: "u1", Name: "Ana", Email: "ana@example.com"},
		Status:  "APPROVED",
	})

	var ev MessageBroadcastEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "chat_message" {
		t.Errorf("type = %q, want chat_message", ev.Type)
	}
	if ev.Message.Author.Email != "ana@example.com" {
		t.Errorf("author email = %q", ev.Message.Author.Email)
	}
}

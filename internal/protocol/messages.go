// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the server. All events are serialized as JSON and
// carry a "type" discriminator; server events that describe a message nest the
// payload under a "message" key.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeChatMessage = "chat_message"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeMessageQueued         = "message_queued"
	TypeMessageBroadcast      = "chat_message"
	TypeMessageRejected       = "message_rejected"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// WebSocket close codes. These are a bit-exact contract with clients and must
// never be renumbered.
const (
	CloseUnauthenticated = 4001 // no resolved identity
	CloseForbidden       = 4003 // not a member of a private room
	CloseRoomNotFound    = 4004 // target room does not exist
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
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
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ChatMessageEvent is sent by the client to submit chat text for moderation
// and eventual broadcast.
type ChatMessageEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ConnectionEstablishedEvent acknowledges a successful connect and join.
type ConnectionEstablishedEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Author identifies the user that wrote a broadcast message.
type Author struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// QueuedMessage is the payload echoed back to the sender once a message has
// been persisted as PENDING and its moderation work unit enqueued.
type QueuedMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// MessageQueuedEvent wraps QueuedMessage under the "message" key.
type MessageQueuedEvent struct {
	Type    string        `json:"type"`
	Message QueuedMessage `json:"message"`
}

// BroadcastMessage is the payload delivered to every room subscriber when a
// message is approved.
type BroadcastMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Author    Author `json:"author"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// MessageBroadcastEvent wraps BroadcastMessage under the "message" key.
type MessageBroadcastEvent struct {
	Type    string           `json:"type"`
	Message BroadcastMessage `json:"message"`
}

// RejectedMessage is the payload delivered privately to the author of a
// rejected message.
type RejectedMessage struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// MessageRejectedEvent wraps RejectedMessage under the "message" key.
type MessageRejectedEvent struct {
	Type    string          `json:"type"`
	Message RejectedMessage `json:"message"`
}

// ErrorEvent reports a client protocol error. The connection stays open
// unless the error is an authorization loss.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// FormatTime renders a timestamp the way every outbound event does.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewConnectionEstablished builds the connect acknowledgment for a room.
func NewConnectionEstablished(roomID string) []byte {
	data, _ := json.Marshal(ConnectionEstablishedEvent{
		Type:    TypeConnectionEstablished,
		Message: fmt.Sprintf("Conectado à sala %s", roomID),
	})
	return data
}

// NewMessageQueued builds the intake acknowledgment event.
func NewMessageQueued(msg QueuedMessage) []byte {
	data, _ := json.Marshal(MessageQueuedEvent{Type: TypeMessageQueued, Message: msg})
	return data
}

// NewMessageBroadcast builds the room broadcast event for an approved message.
func NewMessageBroadcast(msg BroadcastMessage) []byte {
	data, _ := json.Marshal(MessageBroadcastEvent{Type: TypeMessageBroadcast, Message: msg})
	return data
}

// NewMessageRejected builds the private rejection notice for the author.
func NewMessageRejected(msg RejectedMessage) []byte {
	data, _ := json.Marshal(MessageRejectedEvent{Type: TypeMessageRejected, Message: msg})
	return data
}

// NewError builds an error event with the given client-facing message.
func NewError(message string) []byte {
	data, _ := json.Marshal(ErrorEvent{Type: TypeError, Message: message})
	return data
}

// NewUnknownType builds the error event sent for unrecognized event types.
// The text is part of the client contract.
func NewUnknownType(msgType string) []byte {
	return NewError(fmt.Sprintf("Tipo de mensagem desconhecido: %s", msgType))
}

// NewPong builds a pong event.
func NewPong() []byte {
	data, _ := json.Marshal(PongEvent{Type: TypePong})
	return data
}

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. Unknown types return the type with a nil event
// and no error; the caller decides how to report them.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	switch env.Type {
	case TypeChatMessage:
		var ev ChatMessageEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, ev, nil
	case TypePing:
		var ev PingEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, ev, nil
	default:
		return env.Type, nil, nil
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	gws "github.com/gobwas/ws"

	"github.com/gatechat/chat-backend/internal/fanout"
	"github.com/gatechat/chat-backend/internal/protocol"
	"github.com/gatechat/chat-backend/internal/ratelimit"
	"github.com/gatechat/chat-backend/internal/store"
	"github.com/gatechat/chat-backend/internal/ws"
)

// newTestConn builds a Connection over one end of a pipe and a channel of
// frames read from the other end, so tests can assert on what the handler
// actually writes to the wire.
func newTestConn(t *testing.T) (*ws.Connection, <-chan gws.Frame) {
	t.Helper()

	server, client := net.Pipe()
	c := &ws.Connection{ID: "conn-1", Conn: server, CreatedAt: time.Now(), LastPing: time.Now()}

	frames := make(chan gws.Frame, 16)
	go func() {
		defer close(frames)
		for {
			f, err := gws.ReadFrame(client)
			if err != nil {
				return
			}
			frames <- f
		}
	}()

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return c, frames
}

func nextFrame(t *testing.T, frames <-chan gws.Frame) gws.Frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("connection closed before expected frame")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	panic("unreachable")
}

func decodeEvent(t *testing.T, f gws.Frame, v interface{}) {
	t.Helper()
	if f.Header.OpCode != gws.OpText {
		t.Fatalf("opcode = %v, want text", f.Header.OpCode)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		t.Fatalf("decode event: %v", err)
	}
}

func closeCode(t *testing.T, f gws.Frame) uint16 {
	t.Helper()
	if f.Header.OpCode != gws.OpClose {
		t.Fatalf("opcode = %v, want close", f.Header.OpCode)
	}
	code, _ := gws.ParseCloseFrameData(f.Payload)
	return uint16(code)
}

// --- fakes -----------------------------------------------------------------

type fakeVerifier struct{ users map[string]string }

func (f fakeVerifier) UserID(token string) (string, error) {
	if id, ok := f.users[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

type fakeRooms struct {
	room        *store.Room
	getErr      error
	member      bool
	memberErr   error
	memberCalls int
}

func (f *fakeRooms) Get(ctx context.Context, id string) (*store.Room, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.room, nil
}

func (f *fakeRooms) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	f.memberCalls++
	return f.member, f.memberErr
}

type fakeMessages struct {
	created []store.Message
	err     error
}

func (f *fakeMessages) CreatePending(ctx context.Context, roomID, authorID, content string) (*store.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := store.Message{
		ID:        "msg-1",
		RoomID:    roomID,
		AuthorID:  authorID,
		Content:   content,
		Status:    store.StatusPending,
		CreatedAt: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
	f.created = append(f.created, m)
	return &m, nil
}

type fakeQueue struct {
	ids []string
	err error
}

func (f *fakeQueue) EnqueueModeration(messageID string) error {
	if f.err != nil {
		return f.err
	}
	f.ids = append(f.ids, messageID)
	return nil
}

// denyMessages rejects only the message rule, so connects still pass.
type denyMessages struct{}

func (denyMessages) Allow(ctx context.Context, id string, rule ratelimit.Rule) (bool, error) {
	return rule.Key != ratelimit.RuleMessage.Key, nil
}

type fakeGroups struct {
	joins  []string
	leaves []string
}

func (f *fakeGroups) Join(roomID, userID, connID string, send fanout.SendFunc) error {
	f.joins = append(f.joins, connID)
	return nil
}

func (f *fakeGroups) Leave(connID string) {
	f.leaves = append(f.leaves, connID)
}

func publicRoom() *store.Room {
	return &store.Room{ID: "room-1", Name: "general", IsPrivate: false}
}

func privateRoom() *store.Room {
	return &store.Room{ID: "room-1", Name: "staff", IsPrivate: true}
}

func newHandler(rooms *fakeRooms, messages *fakeMessages, queue *fakeQueue, groups *fakeGroups) *Handler {
	return NewHandler(
		fakeVerifier{users: map[string]string{"good-token": "user-1"}},
		rooms, messages, queue, nil, groups, nil,
	)
}

// --- tests -----------------------------------------------------------------

func TestHandler_ConnectGate(t *testing.T) {
	tests := []struct {
		name      string
		token     string
		rooms     *fakeRooms
		wantOK    bool
		wantClose uint16
	}{
		{
			name:      "invalid token",
			token:     "bad-token",
			rooms:     &fakeRooms{room: publicRoom()},
			wantClose: protocol.CloseUnauthenticated,
		},
		{
			name:      "room not found",
			token:     "good-token",
			rooms:     &fakeRooms{getErr: store.ErrNotFound},
			wantClose: protocol.CloseRoomNotFound,
		},
		{
			name:      "private room without membership",
			token:     "good-token",
			rooms:     &fakeRooms{room: privateRoom(), member: false},
			wantClose: protocol.CloseForbidden,
		},
		{
			name:   "public room",
			token:  "good-token",
			rooms:  &fakeRooms{room: publicRoom()},
			wantOK: true,
		},
		{
			name:   "private room with membership",
			token:  "good-token",
			rooms:  &fakeRooms{room: privateRoom(), member: true},
			wantOK: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := &fakeGroups{}
			h := newHandler(tt.rooms, &fakeMessages{}, &fakeQueue{}, groups)
			c, frames := newTestConn(t)

			ok := h.Connect(c, "room-1", tt.token)
			if ok != tt.wantOK {
				t.Fatalf("Connect = %v, want %v", ok, tt.wantOK)
			}

			if !tt.wantOK {
				if got := closeCode(t, nextFrame(t, frames)); got != tt.wantClose {
					t.Errorf("close code = %d, want %d", got, tt.wantClose)
				}
				if len(groups.joins) != 0 {
					t.Error("refused connection joined fan-out groups")
				}
				return
			}

			var ack protocol.ConnectionEstablishedEvent
			decodeEvent(t, nextFrame(t, frames), &ack)
			if ack.Type != protocol.TypeConnectionEstablished {
				t.Errorf("type = %q, want connection_established", ack.Type)
			}
			if ack.Message != "Conectado à sala room-1" {
				t.Errorf("message = %q", ack.Message)
			}
			if c.UserID != "user-1" || c.RoomID != "room-1" {
				t.Errorf("identity = %q/%q, want user-1/room-1", c.UserID, c.RoomID)
			}
			if len(groups.joins) != 1 {
				t.Errorf("joins = %d, want 1", len(groups.joins))
			}
		})
	}
}

func TestHandler_ReceiveProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"invalid json", `{not json`, "JSON inválido"},
		{"unknown type", `{"type":"typing_indicator"}`, "Tipo de mensagem desconhecido: typing_indicator"},
		{"empty message", `{"type":"chat_message","message":"   "}`, "Mensagem vazia"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(&fakeRooms{room: publicRoom()}, &fakeMessages{}, &fakeQueue{}, &fakeGroups{})
			c, frames := newTestConn(t)
			if !h.Connect(c, "room-1", "good-token") {
				t.Fatal("Connect refused")
			}
			nextFrame(t, frames) // connection_established

			h.Receive(c, []byte(tt.payload))

			var ev protocol.ErrorEvent
			decodeEvent(t, nextFrame(t, frames), &ev)
			if ev.Type != protocol.TypeError {
				t.Errorf("type = %q, want error", ev.Type)
			}
			if ev.Message != tt.want {
				t.Errorf("message = %q, want %q", ev.Message, tt.want)
			}
		})
	}
}

func TestHandler_ReceivePing(t *testing.T) {
	h := newHandler(&fakeRooms{room: publicRoom()}, &fakeMessages{}, &fakeQueue{}, &fakeGroups{})
	c, frames := newTestConn(t)
	if !h.Connect(c, "room-1", "good-token") {
		t.Fatal("Connect refused")
	}
	nextFrame(t, frames)

	h.Receive(c, []byte(`{"type":"ping"}`))

	var ev protocol.PongEvent
	decodeEvent(t, nextFrame(t, frames), &ev)
	if ev.Type != protocol.TypePong {
		t.Errorf("type = %q, want pong", ev.Type)
	}
}

func TestHandler_ChatMessageIntake(t *testing.T) {
	messages := &fakeMessages{}
	queue := &fakeQueue{}
	h := newHandler(&fakeRooms{room: publicRoom()}, messages, queue, &fakeGroups{})
	c, frames := newTestConn(t)
	if !h.Connect(c, "room-1", "good-token") {
		t.Fatal("Connect refused")
	}
	nextFrame(t, frames)

	h.Receive(c, []byte(`{"type":"chat_message","message":"  hello world  "}`))

	var ev protocol.MessageQueuedEvent
	decodeEvent(t, nextFrame(t, frames), &ev)
	if ev.Type != protocol.TypeMessageQueued {
		t.Errorf("type = %q, want message_queued", ev.Type)
	}
	if ev.Message.Status != store.StatusPending {
		t.Errorf("status = %q, want PENDING", ev.Message.Status)
	}
	if ev.Message.Content != "hello world" {
		t.Errorf("content = %q, want trimmed text", ev.Message.Content)
	}

	if len(messages.created) != 1 || messages.created[0].Content != "hello world" {
		t.Errorf("created = %+v, want one trimmed message", messages.created)
	}
	if len(queue.ids) != 1 || queue.ids[0] != "msg-1" {
		t.Errorf("enqueued = %v, want [msg-1]", queue.ids)
	}
}

func TestHandler_MembershipRevokedMidSession(t *testing.T) {
	rooms := &fakeRooms{room: privateRoom(), member: true}
	messages := &fakeMessages{}
	var evicted []*ws.Connection

	h := NewHandler(
		fakeVerifier{users: map[string]string{"good-token": "user-1"}},
		rooms, messages, &fakeQueue{}, nil, &fakeGroups{},
		func(c *ws.Connection) { evicted = append(evicted, c) },
	)
	c, frames := newTestConn(t)
	if !h.Connect(c, "room-1", "good-token") {
		t.Fatal("Connect refused")
	}
	nextFrame(t, frames)

	// Admin removes the user while the session is open.
	rooms.member = false

	h.Receive(c, []byte(`{"type":"chat_message","message":"hi"}`))

	var ev protocol.ErrorEvent
	decodeEvent(t, nextFrame(t, frames), &ev)
	if ev.Type != protocol.TypeError {
		t.Errorf("type = %q, want error", ev.Type)
	}
	if got := closeCode(t, nextFrame(t, frames)); got != protocol.CloseForbidden {
		t.Errorf("close code = %d, want %d", got, protocol.CloseForbidden)
	}
	if len(evicted) != 1 {
		t.Errorf("evictions = %d, want 1", len(evicted))
	}
	if len(messages.created) != 0 {
		t.Error("revoked member still created a message")
	}
}

func TestHandler_RateLimitedMessage(t *testing.T) {
	messages := &fakeMessages{}
	h := NewHandler(
		fakeVerifier{users: map[string]string{"good-token": "user-1"}},
		&fakeRooms{room: publicRoom()}, messages, &fakeQueue{}, denyMessages{}, &fakeGroups{}, nil,
	)
	c, frames := newTestConn(t)
	if !h.Connect(c, "room-1", "good-token") {
		t.Fatal("Connect refused")
	}
	nextFrame(t, frames)

	h.Receive(c, []byte(`{"type":"chat_message","message":"hi"}`))

	var ev protocol.ErrorEvent
	decodeEvent(t, nextFrame(t, frames), &ev)
	if ev.Message != "Limite de mensagens excedido" {
		t.Errorf("message = %q", ev.Message)
	}
	if len(messages.created) != 0 {
		t.Error("rate limited message was persisted")
	}
}

func TestHandler_EnqueueFailureIsReported(t *testing.T) {
	queue := &fakeQueue{err: errors.New("nats down")}
	h := newHandler(&fakeRooms{room: publicRoom()}, &fakeMessages{}, queue, &fakeGroups{})
	c, frames := newTestConn(t)
	if !h.Connect(c, "room-1", "good-token") {
		t.Fatal("Connect refused")
	}
	nextFrame(t, frames)

	h.Receive(c, []byte(`{"type":"chat_message","message":"hi"}`))

	var ev protocol.ErrorEvent
	decodeEvent(t, nextFrame(t, frames), &ev)
	if ev.Type != protocol.TypeError {
		t.Errorf("type = %q, want error", ev.Type)
	}
}

func TestHandler_DisconnectIsIdempotent(t *testing.T) {
	groups := &fakeGroups{}
	h := newHandler(&fakeRooms{room: publicRoom()}, &fakeMessages{}, &fakeQueue{}, groups)
	c, frames := newTestConn(t)
	if !h.Connect(c, "room-1", "good-token") {
		t.Fatal("Connect refused")
	}
	nextFrame(t, frames)

	h.Disconnect(c)
	h.Disconnect(c)

	if len(groups.leaves) != 2 {
		t.Errorf("leaves = %d, want 2 (registry handles repeats)", len(groups.leaves))
	}
}

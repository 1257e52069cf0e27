// Package realtime implements the chat session logic on top of the WebSocket
// transport: the connect gate (authentication, room lookup, membership),
// message intake into the moderation pipeline, and group membership for
// delivery fan-out.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gatechat/chat-backend/internal/fanout"
	"github.com/gatechat/chat-backend/internal/metrics"
	"github.com/gatechat/chat-backend/internal/protocol"
	"github.com/gatechat/chat-backend/internal/ratelimit"
	"github.com/gatechat/chat-backend/internal/store"
	"github.com/gatechat/chat-backend/internal/ws"
)

// opTimeout bounds every store and queue call made from a session callback.
const opTimeout = 5 * time.Second

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	UserID(token string) (string, error)
}

// RoomStore is the subset of the room store the handler needs.
type RoomStore interface {
	Get(ctx context.Context, id string) (*store.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// MessageStore persists new messages at intake.
type MessageStore interface {
	CreatePending(ctx context.Context, roomID, authorID, content string) (*store.Message, error)
}

// Queue enqueues moderation work units.
type Queue interface {
	EnqueueModeration(messageID string) error
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Groups is the fan-out registry the handler joins connections to.
type Groups interface {
	Join(roomID, userID, connID string, send fanout.SendFunc) error
	Leave(connID string)
}

// Handler reacts to transport callbacks for one server instance. All methods
// are safe for concurrent use.
type Handler struct {
	tokens   Verifier
	rooms    RoomStore
	messages MessageStore
	queue    Queue
	limiter  Limiter
	groups   Groups
	evict    func(c *ws.Connection) // transport-level connection removal

	mu      sync.Mutex
	private map[string]bool // connID -> room is private, for per-message rechecks
}

// NewHandler wires the session handler. evict is called to drop a connection
// after a mid-session authorization loss; the transport's RemoveConnection
// fits.
func NewHandler(tokens Verifier, rooms RoomStore, messages MessageStore, queue Queue, limiter Limiter, groups Groups, evict func(c *ws.Connection)) *Handler {
	return &Handler{
		tokens:   tokens,
		rooms:    rooms,
		messages: messages,
		queue:    queue,
		limiter:  limiter,
		groups:   groups,
		evict:    evict,
		private:  make(map[string]bool),
	}
}

// Connect is the transport's connect gate. It authenticates the token,
// checks the room and the caller's authorization, joins the fan-out groups
// and sends the connection_established acknowledgment. On refusal it sends
// the contract close code (4001/4003/4004) and returns false so the
// transport drops the socket.
func (h *Handler) Connect(c *ws.Connection, roomID, token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	userID, err := h.tokens.UserID(token)
	if err != nil {
		_ = c.WriteClose(protocol.CloseUnauthenticated, "unauthenticated")
		return false
	}

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(ctx, userID, ratelimit.RuleConnect); !allowed {
			_ = c.WriteClose(1013, "rate limited") // try again later
			return false
		}
	}

	room, err := h.rooms.Get(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.WriteClose(protocol.CloseRoomNotFound, "room not found")
		return false
	}
	if err != nil {
		log.Printf("[realtime] room lookup failed room=%s: %v", roomID, err)
		_ = c.WriteClose(1011, "internal error")
		return false
	}

	if room.IsPrivate {
		member, err := h.rooms.IsMember(ctx, roomID, userID)
		if err != nil {
			log.Printf("[realtime] membership check failed room=%s user=%s: %v", roomID, userID, err)
			_ = c.WriteClose(1011, "internal error")
			return false
		}
		if !member {
			_ = c.WriteClose(protocol.CloseForbidden, "forbidden")
			return false
		}
	}

	c.UserID = userID
	c.RoomID = roomID

	if err := h.groups.Join(roomID, userID, c.ID, c.WriteMessage); err != nil {
		log.Printf("[realtime] group join failed room=%s user=%s: %v", roomID, userID, err)
		_ = c.WriteClose(1011, "internal error")
		return false
	}

	h.mu.Lock()
	h.private[c.ID] = room.IsPrivate
	h.mu.Unlock()

	if err := c.WriteMessage(protocol.NewConnectionEstablished(roomID)); err != nil {
		log.Printf("[realtime] connect ack failed conn=%s: %v", c.ID, err)
	}
	return true
}

// Receive handles one inbound text frame from a connected client.
func (h *Handler) Receive(c *ws.Connection, data []byte) {
	msgType, event, err := protocol.ParseClientEvent(data)
	if err != nil {
		_ = c.WriteMessage(protocol.NewError("JSON inválido"))
		return
	}

	switch ev := event.(type) {
	case protocol.ChatMessageEvent:
		h.handleChatMessage(c, ev)
	case protocol.PingEvent:
		_ = c.WriteMessage(protocol.NewPong())
	default:
		_ = c.WriteMessage(protocol.NewUnknownType(msgType))
	}
}

// handleChatMessage runs message intake: membership recheck, validation,
// PENDING persistence and work unit enqueue, then the queued echo.
func (h *Handler) handleChatMessage(c *ws.Connection, ev protocol.ChatMessageEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// A member removed mid-session must not keep posting into a private
	// room. Public rooms stay open to any authenticated user.
	h.mu.Lock()
	isPrivate := h.private[c.ID]
	h.mu.Unlock()

	if isPrivate {
		member, err := h.rooms.IsMember(ctx, c.RoomID, c.UserID)
		if err != nil {
			log.Printf("[realtime] membership recheck failed room=%s user=%s: %v", c.RoomID, c.UserID, err)
			_ = c.WriteMessage(protocol.NewError(fmt.Sprintf("Erro ao processar mensagem: %v", err)))
			return
		}
		if !member {
			_ = c.WriteMessage(protocol.NewError("Você não é mais participante desta sala"))
			_ = c.WriteClose(protocol.CloseForbidden, "forbidden")
			if h.evict != nil {
				h.evict(c)
			}
			return
		}
	}

	content := strings.TrimSpace(ev.Message)
	if content == "" {
		_ = c.WriteMessage(protocol.NewError("Mensagem vazia"))
		return
	}

	if h.limiter != nil {
		if allowed, _ := h.limiter.Allow(ctx, c.UserID, ratelimit.RuleMessage); !allowed {
			_ = c.WriteMessage(protocol.NewError("Limite de mensagens excedido"))
			return
		}
	}

	msg, err := h.messages.CreatePending(ctx, c.RoomID, c.UserID, content)
	if err != nil {
		log.Printf("[realtime] create message failed room=%s user=%s: %v", c.RoomID, c.UserID, err)
		_ = c.WriteMessage(protocol.NewError(fmt.Sprintf("Erro ao processar mensagem: %v", err)))
		return
	}

	if err := h.queue.EnqueueModeration(msg.ID); err != nil {
		// The row is committed but no worker will pick it up; surface the
		// failure instead of acknowledging a message that will sit PENDING.
		log.Printf("[realtime] enqueue failed message=%s: %v", msg.ID, err)
		_ = c.WriteMessage(protocol.NewError("Erro ao processar mensagem: fila indisponível"))
		return
	}

	metrics.MessagesTotal.WithLabelValues("queued").Inc()

	_ = c.WriteMessage(protocol.NewMessageQueued(protocol.QueuedMessage{
		ID:        msg.ID,
		Content:   msg.Content,
		Status:    msg.Status,
		CreatedAt: protocol.FormatTime(msg.CreatedAt),
	}))
}

// Disconnect cleans up a connection's group membership. It is idempotent and
// safe to call for connections that never passed the gate.
func (h *Handler) Disconnect(c *ws.Connection) {
	h.groups.Leave(c.ID)

	h.mu.Lock()
	delete(h.private, c.ID)
	h.mu.Unlock()
}

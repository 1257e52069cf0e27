// Package api exposes the REST endpoints for room management and message
// history. It mounts on the same listener as the WebSocket transport; every
// endpoint requires a bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gatechat/chat-backend/internal/protocol"
	"github.com/gatechat/chat-backend/internal/store"
)

// opTimeout bounds each request's store calls.
const opTimeout = 5 * time.Second

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	UserID(token string) (string, error)
}

// Rooms is the room store surface the API needs.
type Rooms interface {
	Create(ctx context.Context, name string, isPrivate bool, creatorID string) (*store.Room, error)
	Get(ctx context.Context, id string) (*store.Room, error)
	ListVisible(ctx context.Context, userID string) ([]store.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	AddParticipant(ctx context.Context, roomID, userID, requesterID string) (*store.Membership, error)
	RemoveParticipant(ctx context.Context, roomID, userID, requesterID string) error
}

// Users checks that referenced users exist.
type Users interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Messages serves room history pages.
type Messages interface {
	ListRoomHistory(ctx context.Context, roomID, viewerID string, before time.Time, limit int) ([]store.HistoryEntry, error)
}

// API bundles the REST handlers.
type API struct {
	tokens   Verifier
	rooms    Rooms
	users    Users
	messages Messages
}

// New creates the API.
func New(tokens Verifier, rooms Rooms, users Users, messages Messages) *API {
	return &API{tokens: tokens, rooms: rooms, users: users, messages: messages}
}

// Routes returns the authenticated route set, ready to mount under /api/.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/rooms", a.createRoom)
	mux.HandleFunc("GET /api/rooms", a.listRooms)
	mux.HandleFunc("POST /api/rooms/{id}/participants", a.addParticipant)
	mux.HandleFunc("DELETE /api/rooms/{id}/participants/{user_id}", a.removeParticipant)
	mux.HandleFunc("GET /api/rooms/{id}/messages", a.listMessages)
	return a.authenticate(mux)
}

type ctxKey int

const userIDKey ctxKey = 0

// authenticate verifies the Authorization bearer token and stores the caller
// id in the request context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "Credenciais não fornecidas.")
			return
		}
		userID, err := a.tokens.UserID(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Token inválido.")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

type roomPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	CreatedAt string `json:"created_at"`
}

func toRoomPayload(r *store.Room) roomPayload {
	return roomPayload{
		ID:        r.ID,
		Name:      r.Name,
		IsPrivate: r.IsPrivate,
		CreatedAt: protocol.FormatTime(r.CreatedAt),
	}
}

type membershipPayload struct {
	ID        string `json:"id"`
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

type historyMessage struct {
	ID        string          `json:"id"`
	Content   string          `json:"content"`
	Author    protocol.Author `json:"author"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"created_at"`
}

type historyPage struct {
	Messages   []historyMessage `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (a *API) createRoom(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	var body struct {
		Name      string `json:"name"`
		IsPrivate bool   `json:"is_private"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "JSON inválido")
		return
	}
	body.Name = strings.TrimSpace(body.Name)
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "Nome da sala é obrigatório.")
		return
	}

	room, err := a.rooms.Create(ctx, body.Name, body.IsPrivate, callerID(r))
	if err != nil {
		internalError(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRoomPayload(room))
}

func (a *API) listRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	rooms, err := a.rooms.ListVisible(ctx, callerID(r))
	if err != nil {
		internalError(w, "list rooms", err)
		return
	}

	payload := make([]roomPayload, 0, len(rooms))
	for i := range rooms {
		payload = append(payload, toRoomPayload(&rooms[i]))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *API) addParticipant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	roomID := r.PathValue("id")

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id é obrigatório.")
		return
	}

	exists, err := a.users.Exists(ctx, body.UserID)
	if err != nil {
		internalError(w, "check user", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "Usuário não encontrado.")
		return
	}

	m, err := a.rooms.AddParticipant(ctx, roomID, body.UserID, callerID(r))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Sala não encontrada.")
		return
	case errors.Is(err, store.ErrNotAdmin):
		writeError(w, http.StatusForbidden, "Apenas administradores podem gerenciar participantes.")
		return
	case err != nil:
		internalError(w, "add participant", err)
		return
	}

	writeJSON(w, http.StatusCreated, membershipPayload{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Role:      m.Role,
		CreatedAt: protocol.FormatTime(m.CreatedAt),
	})
}

func (a *API) removeParticipant(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	roomID := r.PathValue("id")
	userID := r.PathValue("user_id")

	exists, err := a.users.Exists(ctx, userID)
	if err != nil {
		internalError(w, "check user", err)
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "Usuário não encontrado.")
		return
	}

	err = a.rooms.RemoveParticipant(ctx, roomID, userID, callerID(r))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Sala não encontrada.")
		return
	case errors.Is(err, store.ErrNotAdmin):
		writeError(w, http.StatusForbidden, "Apenas administradores podem gerenciar participantes.")
		return
	case err != nil:
		internalError(w, "remove participant", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	roomID := r.PathValue("id")
	caller := callerID(r)

	if _, err := a.rooms.Get(ctx, roomID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Sala não encontrada.")
		return
	} else if err != nil {
		internalError(w, "get room", err)
		return
	}

	member, err := a.rooms.IsMember(ctx, roomID, caller)
	if err != nil {
		internalError(w, "check membership", err)
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "Apenas participantes podem ver as mensagens.")
		return
	}

	var before time.Time
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		before, err = time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Cursor inválido.")
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Limite inválido.")
			return
		}
	}

	entries, err := a.messages.ListRoomHistory(ctx, roomID, caller, before, limit)
	if err != nil {
		internalError(w, "list history", err)
		return
	}

	page := historyPage{Messages: make([]historyMessage, 0, len(entries))}
	for _, e := range entries {
		page.Messages = append(page.Messages, historyMessage{
			ID:      e.ID,
			Content: e.Content,
			Author: protocol.Author{
				ID:    e.AuthorID,
				Name:  e.AuthorName,
				Email: e.AuthorEmail,
			},
			Status:    e.Status,
			CreatedAt: protocol.FormatTime(e.CreatedAt),
		})
	}
	if len(entries) > 0 {
		page.NextCursor = protocol.FormatTime(entries[len(entries)-1].CreatedAt)
	}
	writeJSON(w, http.StatusOK, page)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func internalError(w http.ResponseWriter, op string, err error) {
	log.Printf("[api] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "Erro interno.")
}

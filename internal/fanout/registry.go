// Package fanout routes delivery events to the WebSocket connections held by
// this server instance. Connections join per-room and per-user groups; the
// registry keeps one NATS subscription per group for as long as the group has
// local members, so events published by the moderation worker reach every
// instance with interested clients and nothing else.
package fanout

import (
	"log"
	"sync"

	"github.com/gatechat/chat-backend/internal/metrics"
)

// Relay is the cross-instance transport behind the registry. The messaging
// client implements it with core NATS subjects.
type Relay interface {
	SubscribeRoom(roomID string, handler func(data []byte)) error
	UnsubscribeRoom(roomID string) error
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
}

// SendFunc writes one event to a single connection.
type SendFunc func(data []byte) error

type member struct {
	connID string
	userID string
	roomID string
	send   SendFunc
}

// Registry tracks which local connections belong to which room and user
// groups. All methods are safe for concurrent use.
type Registry struct {
	relay Relay

	mu     sync.RWMutex
	rooms  map[string]map[string]*member // roomID -> connID -> member
	users  map[string]map[string]*member // userID -> connID -> member
	byConn map[string]*member            // connID -> member
}

// NewRegistry creates a registry that manages relay subscriptions through the
// given transport.
func NewRegistry(relay Relay) *Registry {
	return &Registry{
		relay:  relay,
		rooms:  make(map[string]map[string]*member),
		users:  make(map[string]map[string]*member),
		byConn: make(map[string]*member),
	}
}

// Join adds a connection to its room and user groups. The first local member
// of a group opens the relay subscription for that group. Joining twice with
// the same connection ID replaces the send function and is otherwise a no-op.
func (r *Registry) Join(roomID, userID, connID string, send SendFunc) error {
	m := &member{connID: connID, userID: userID, roomID: roomID, send: send}

	r.mu.Lock()
	if old, ok := r.byConn[connID]; ok {
		// Re-join of a live connection: drop the stale membership first.
		r.removeLocked(old)
	}
	r.byConn[connID] = m

	firstInRoom := len(r.rooms[roomID]) == 0
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*member)
	}
	r.rooms[roomID][connID] = m

	firstForUser := len(r.users[userID]) == 0
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*member)
	}
	r.users[userID][connID] = m
	r.mu.Unlock()

	if firstInRoom {
		if err := r.relay.SubscribeRoom(roomID, func(data []byte) {
			r.DeliverRoom(roomID, data)
		}); err != nil {
			r.rollbackJoin(m)
			return err
		}
	}
	if firstForUser {
		if err := r.relay.SubscribeUser(userID, func(data []byte) {
			r.DeliverUser(userID, data)
		}); err != nil {
			r.rollbackJoin(m)
			return err
		}
	}
	return nil
}

// rollbackJoin undoes a partially applied Join after a relay failure, so a
// connection the handler is about to drop never lingers in the delivery maps.
// Unsubscribe errors are ignored: the room subscription may never have opened.
func (r *Registry) rollbackJoin(m *member) {
	r.mu.Lock()
	if cur, ok := r.byConn[m.connID]; ok && cur == m {
		delete(r.byConn, m.connID)
	}
	lastInRoom, lastForUser := r.removeLocked(m)
	r.mu.Unlock()

	if lastInRoom {
		_ = r.relay.UnsubscribeRoom(m.roomID)
	}
	if lastForUser {
		_ = r.relay.UnsubscribeUser(m.userID)
	}
}

// Leave removes a connection from its groups. The last local member of a
// group closes the relay subscription. Leaving an unknown connection is a
// no-op, so disconnect paths can call it unconditionally.
func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	m, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	lastInRoom, lastForUser := r.removeLocked(m)
	r.mu.Unlock()

	if lastInRoom {
		if err := r.relay.UnsubscribeRoom(m.roomID); err != nil {
			log.Printf("[fanout] unsubscribe room %s: %v", m.roomID, err)
		}
	}
	if lastForUser {
		if err := r.relay.UnsubscribeUser(m.userID); err != nil {
			log.Printf("[fanout] unsubscribe user %s: %v", m.userID, err)
		}
	}
}

// removeLocked drops a member from the room and user maps. It reports whether
// the member was the last one in each group. Caller holds r.mu.
func (r *Registry) removeLocked(m *member) (lastInRoom, lastForUser bool) {
	if conns, ok := r.rooms[m.roomID]; ok {
		delete(conns, m.connID)
		if len(conns) == 0 {
			delete(r.rooms, m.roomID)
			lastInRoom = true
		}
	}
	if conns, ok := r.users[m.userID]; ok {
		delete(conns, m.connID)
		if len(conns) == 0 {
			delete(r.users, m.userID)
			lastForUser = true
		}
	}
	return lastInRoom, lastForUser
}

// DeliverRoom writes an event to every local connection in the room. Write
// failures are logged and skipped; the dead connection is reaped by the
// transport's own read/heartbeat paths.
func (r *Registry) DeliverRoom(roomID string, data []byte) {
	r.mu.RLock()
	members := make([]*member, 0, len(r.rooms[roomID]))
	for _, m := range r.rooms[roomID] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		if err := m.send(data); err != nil {
			log.Printf("[fanout] room %s write to conn=%s: %v", roomID, m.connID, err)
			continue
		}
		metrics.EventsDelivered.WithLabelValues("broadcast").Inc()
	}
}

// DeliverUser writes an event to every local connection belonging to the
// user, across all rooms they are connected to.
func (r *Registry) DeliverUser(userID string, data []byte) {
	r.mu.RLock()
	members := make([]*member, 0, len(r.users[userID]))
	for _, m := range r.users[userID] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		if err := m.send(data); err != nil {
			log.Printf("[fanout] user %s write to conn=%s: %v", userID, m.connID, err)
			continue
		}
		metrics.EventsDelivered.WithLabelValues("rejection").Inc()
	}
}

// RoomSize returns the number of local connections in a room.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

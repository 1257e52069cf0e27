package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Rooms manages chat rooms and their memberships.
type Rooms struct {
	db *sql.DB
}

// NewRooms creates a room store backed by the given database handle.
func NewRooms(db *sql.DB) *Rooms {
	return &Rooms{db: db}
}

// Create inserts a room and makes the creator its ADMIN in one transaction.
func (s *Rooms) Create(ctx context.Context, name string, isPrivate bool, creatorID string) (*Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: create room begin: %w", err)
	}
	defer tx.Rollback()

	roomID := uuid.New().String()

	var room Room
	room.ID, room.Name, room.IsPrivate = roomID, name, isPrivate
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (id, name, is_private) VALUES ($1, $2, $3) RETURNING created_at`,
		roomID, name, isPrivate,
	).Scan(&room.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create room: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO room_participants (id, room_id, user_id, role) VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), roomID, creatorID, RoleAdmin,
	)
	if err != nil {
		return nil, fmt.Errorf("store: create room admin membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: create room commit: %w", err)
	}
	return &room, nil
}

// Get returns the room with the given id, or ErrNotFound.
func (s *Rooms) Get(ctx context.Context, id string) (*Room, error) {
	const query = `SELECT id, name, is_private, created_at FROM rooms WHERE id = $1`

	var r Room
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Name, &r.IsPrivate, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room: %w", err)
	}
	return &r, nil
}

// ListVisible returns rooms the user can see: public rooms plus private rooms
// the user is a member of, newest first.
func (s *Rooms) ListVisible(ctx context.Context, userID string) ([]Room, error) {
	const query = `
		SELECT DISTINCT r.id, r.name, r.is_private, r.created_at
		FROM rooms r
		LEFT JOIN room_participants p ON p.room_id = r.id AND p.user_id = $1
		WHERE r.is_private = FALSE OR p.user_id IS NOT NULL
		ORDER BY r.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.IsPrivate, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// IsMember reports whether the user holds any membership in the room.
func (s *Rooms) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)`

	var member bool
	if err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("store: is member: %w", err)
	}
	return member, nil
}

// IsAdmin reports whether the user holds the ADMIN role in the room.
func (s *Rooms) IsAdmin(ctx context.Context, roomID, userID string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2 AND role = $3)`

	var admin bool
	if err := s.db.QueryRowContext(ctx, query, roomID, userID, RoleAdmin).Scan(&admin); err != nil {
		return false, fmt.Errorf("store: is admin: %w", err)
	}
	return admin, nil
}

// AddParticipant adds a user to a room with MEMBER role. In private rooms the
// requester must be an ADMIN (ErrNotAdmin otherwise). Adding an existing
// member is a no-op that returns the current membership.
func (s *Rooms) AddParticipant(ctx context.Context, roomID, userID, requesterID string) (*Membership, error) {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if room.IsPrivate {
		admin, err := s.IsAdmin(ctx, roomID, requesterID)
		if err != nil {
			return nil, err
		}
		if !admin {
			return nil, ErrNotAdmin
		}
	}

	const query = `
		INSERT INTO room_participants (id, room_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = room_participants.role
		RETURNING id, role, created_at`

	var m Membership
	m.RoomID, m.UserID = roomID, userID
	err = s.db.QueryRowContext(ctx, query, uuid.New().String(), roomID, userID, RoleMember).
		Scan(&m.ID, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: add participant: %w", err)
	}
	return &m, nil
}

// RemoveParticipant removes a user's membership. In private rooms the
// requester must be an ADMIN. Removing a non-member is a no-op.
func (s *Rooms) RemoveParticipant(ctx context.Context, roomID, userID, requesterID string) error {
	room, err := s.Get(ctx, roomID)
	if err != nil {
		return err
	}

	if room.IsPrivate {
		admin, err := s.IsAdmin(ctx, roomID, requesterID)
		if err != nil {
			return err
		}
		if !admin {
			return ErrNotAdmin
		}
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM room_participants WHERE room_id = $1 AND user_id = $2`, roomID, userID)
	if err != nil {
		return fmt.Errorf("store: remove participant: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatechat/chat-backend/internal/moderation"
)

// Messages manages chat messages and their append-only moderation logs.
type Messages struct {
	db *sql.DB
}

// NewMessages creates a message store backed by the given database handle.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

// ModeratedMessage is a message joined with its author, as needed to build
// delivery events after a verdict.
type ModeratedMessage struct {
	Message
	AuthorName  string
	AuthorEmail string
}

// CreatePending inserts a new message in PENDING status. Ordering and cursor
// pagination rely on created_at, which is set once here and never changes.
func (s *Messages) CreatePending(ctx context.Context, roomID, authorID, content string) (*Message, error) {
	id := uuid.New().String()

	const query = `
		INSERT INTO messages (id, room_id, author_id, content, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	m := Message{ID: id, RoomID: roomID, AuthorID: authorID, Content: content, Status: StatusPending}
	err := s.db.QueryRowContext(ctx, query, id, roomID, authorID, content, StatusPending).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create pending message: %w", err)
	}
	return &m, nil
}

// Get returns a message by id, or ErrNotFound.
func (s *Messages) Get(ctx context.Context, id string) (*Message, error) {
	const query = `
		SELECT id, room_id, author_id, content, status, created_at, updated_at
		FROM messages WHERE id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.Content, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return &m, nil
}

// ProcessPending runs the moderation transition for one message under a
// pessimistic row lock. Inside a single transaction it:
//
//  1. locks the message row with SELECT ... FOR UPDATE (blocking, so
//     concurrent deliveries of the same work unit serialize),
//  2. re-checks status; a non-PENDING message returns (msg, false, nil)
//     with no log written (idempotency guard for at-least-once delivery),
//  3. calls decide with the message content,
//  4. appends the moderation log entry and applies the verdict to
//     messages.status.
//
// The log write and the status update commit together or not at all. The
// boolean result reports whether a transition happened.
func (s *Messages) ProcessPending(ctx context.Context, messageID string, decide func(content string) moderation.Result) (*ModeratedMessage, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: process begin: %w", err)
	}
	defer tx.Rollback()

	const lockQuery = `
		SELECT m.id, m.room_id, m.author_id, m.content, m.status, m.created_at, m.updated_at,
		       u.name, u.email
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.id = $1
		FOR UPDATE OF m`

	var mm ModeratedMessage
	err = tx.QueryRowContext(ctx, lockQuery, messageID).Scan(
		&mm.ID, &mm.RoomID, &mm.AuthorID, &mm.Content, &mm.Status, &mm.CreatedAt, &mm.UpdatedAt,
		&mm.AuthorName, &mm.AuthorEmail,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: lock message: %w", err)
	}

	if mm.Status != StatusPending {
		// Already terminal; commit releases the lock without side effects.
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("store: process commit (skip): %w", err)
		}
		return &mm, false, nil
	}

	result := decide(mm.Content)

	rawPayload, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("store: marshal moderation payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO moderation_logs (id, message_id, provider, verdict, score, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), mm.ID, result.Provider, result.Verdict, result.Score, rawPayload,
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: insert moderation log: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET status = $1, updated_at = NOW() WHERE id = $2`,
		result.Verdict, mm.ID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("store: update message status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("store: process commit: %w", err)
	}

	mm.Status = result.Verdict
	return &mm, true, nil
}

// ModerationLog is one append-only audit record of a moderation attempt.
type ModerationLog struct {
	ID        string
	MessageID string
	Provider  string
	Verdict   string
	Score     *float64
	CreatedAt time.Time
}

// Logs returns the moderation log entries for a message, oldest first.
func (s *Messages) Logs(ctx context.Context, messageID string) ([]ModerationLog, error) {
	const query = `
		SELECT id, message_id, provider, verdict, score, created_at
		FROM moderation_logs
		WHERE message_id = $1
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: list moderation logs: %w", err)
	}
	defer rows.Close()

	var logs []ModerationLog
	for rows.Next() {
		var l ModerationLog
		if err := rows.Scan(&l.ID, &l.MessageID, &l.Provider, &l.Verdict, &l.Score, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan moderation log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// HistoryEntry is one message in a room history page, with author metadata.
type HistoryEntry struct {
	Message
	AuthorName  string
	AuthorEmail string
}

// ListRoomHistory returns messages visible to viewerID in a room, newest
// first: every APPROVED message plus the viewer's own messages regardless of
// status. before is a keyset cursor on created_at; a zero time starts from
// the newest message.
func (s *Messages) ListRoomHistory(ctx context.Context, roomID, viewerID string, before time.Time, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().Add(time.Hour)
	}

	const query = `
		SELECT m.id, m.room_id, m.author_id, m.content, m.status, m.created_at, m.updated_at,
		       u.name, u.email
		FROM messages m
		JOIN users u ON u.id = m.author_id
		WHERE m.room_id = $1
		  AND (m.status = $2 OR m.author_id = $3)
		  AND m.created_at < $4
		ORDER BY m.created_at DESC
		LIMIT $5`

	rows, err := s.db.QueryContext(ctx, query, roomID, StatusApproved, viewerID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		err := rows.Scan(&e.ID, &e.RoomID, &e.AuthorID, &e.Content, &e.Status,
			&e.CreatedAt, &e.UpdatedAt, &e.AuthorName, &e.AuthorEmail)
		if err != nil {
			return nil, fmt.Errorf("store: scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

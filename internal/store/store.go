// Package store provides PostgreSQL-backed persistence for users, rooms,
// memberships, messages and moderation logs. All SQL lives here; callers get
// typed records and sentinel errors.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Sentinel errors callers branch on.
var (
	ErrNotFound = errors.New("store: not found")
	ErrNotAdmin = errors.New("store: not an admin")
)

// Role values for room memberships.
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

// Message status values. The moderation worker owns every transition out of
// PENDING; no other component may write messages.status.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusRejected = "REJECTED"
)

// User is a chat participant identity.
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
}

// Room is a chat room. Private rooms restrict content and membership
// management to members/admins.
type Room struct {
	ID        string
	Name      string
	IsPrivate bool
	CreatedAt time.Time
}

// Membership joins a user to a room with a role.
type Membership struct {
	ID        string
	RoomID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// Message is one chat message moving through the moderation lifecycle.
type Message struct {
	ID        string
	RoomID    string
	AuthorID  string
	Content   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return db, nil
}

// Migrate applies all embedded schema migrations that have not run yet.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

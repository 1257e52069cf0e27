package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Users reads and writes chat user records. Identity issuance lives outside
// this system; rows are provisioned out-of-band and only consumed here.
type Users struct {
	db *sql.DB
}

// NewUsers creates a user store backed by the given database handle.
func NewUsers(db *sql.DB) *Users {
	return &Users{db: db}
}

// Create inserts a user record. Used by fixtures and integration tests.
func (s *Users) Create(ctx context.Context, name, email string) (*User, error) {
	id := uuid.New().String()

	const query = `
		INSERT INTO users (id, name, email)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	var u User
	u.ID, u.Name, u.Email = id, name, email
	if err := s.db.QueryRowContext(ctx, query, id, name, email).Scan(&u.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return &u, nil
}

// Get returns the user with the given id, or ErrNotFound.
func (s *Users) Get(ctx context.Context, id string) (*User, error) {
	const query = `SELECT id, name, email, created_at FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}

// Exists reports whether a user row exists for the given id.
func (s *Users) Exists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

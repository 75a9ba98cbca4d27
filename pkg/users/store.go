// Package users is the local projection of the platform's user directory:
// profile fields used for template rendering and applied tags.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jordanlanch/dripline/pkg/database"
	"github.com/jordanlanch/dripline/pkg/domain"
)

// User is a recipient profile
type User struct {
	ID        int64     `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CreateUserRequest represents a request to register a user profile.
type CreateUserRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

// Store reads and writes users and their tags
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new user store
func NewStore(client *database.Client) *Store {
	return &Store{db: client.DB}
}

const userColumns = "id, email, first_name, last_name, created_at"

// Get returns the user with the given id
func (s *Store) Get(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("user")
	}
	if err != nil {
		return nil, domain.NewPersistenceError("get user", err)
	}
	return &u, nil
}

// GetByEmail returns the user with the given email, case-insensitively
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.db.Rebind("SELECT "+userColumns+" FROM users WHERE email = ?"), normalizeEmail(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("user")
	}
	if err != nil {
		return nil, domain.NewPersistenceError("get user by email", err)
	}
	return &u, nil
}

// Create registers a new user. A duplicate email is a conflict.
func (s *Store) Create(ctx context.Context, req CreateUserRequest) (*User, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, domain.NewValidationError("email is required")
	}

	u := User{
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		CreatedAt: time.Now().UTC(),
	}

	q := s.db.Rebind(`INSERT INTO users (email, first_name, last_name, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := s.db.GetContext(ctx, &u.ID, q, u.Email, u.FirstName, u.LastName, u.CreatedAt); err != nil {
		if database.IsUniqueViolation(err) {
			return nil, domain.NewConflictError(fmt.Sprintf("user with email %s already exists", email))
		}
		return nil, domain.NewPersistenceError("create user", err)
	}

	return &u, nil
}

// AddTag attaches tag to the user. Returns false when the tag was already present.
func (s *Store) AddTag(ctx context.Context, userID int64, tag string) (bool, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return false, err
	}
	added, err := InsertTag(ctx, s.db, userID, tag)
	if err != nil {
		var de *domain.DomainError
		if errors.As(err, &de) {
			return false, err
		}
		return false, domain.NewPersistenceError("add tag", err)
	}
	return added, nil
}

// Tags lists the user's tags alphabetically
func (s *Store) Tags(ctx context.Context, userID int64) ([]string, error) {
	tags := []string{}
	q := s.db.Rebind("SELECT tag FROM user_tags WHERE user_id = ? ORDER BY tag")
	if err := s.db.SelectContext(ctx, &tags, q, userID); err != nil {
		return nil, domain.NewPersistenceError("list tags", err)
	}
	return tags, nil
}

// InsertTag upserts (user, tag) on any executor, so callers can run it inside
// their own transaction.
func InsertTag(ctx context.Context, ext sqlx.ExtContext, userID int64, tag string) (bool, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false, domain.NewValidationError("tag is required")
	}

	q := ext.Rebind(`INSERT INTO user_tags (user_id, tag, created_at) VALUES (?, ?, ?) ON CONFLICT (user_id, tag) DO NOTHING`)
	res, err := ext.ExecContext(ctx, q, userID, tag, time.Now().UTC())
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store defines the durable store used by the relay for users,
// presence flags, and message history, with in-memory, Badger, and SQLite
// implementations selected by configuration.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
)

// Store persists users and messages. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateUser(ctx context.Context, user User) error
	FindUser(ctx context.Context, id uuid.UUID) (User, error)
	FindUserByUsername(ctx context.Context, username string) (User, error)
	SetOnline(ctx context.Context, id uuid.UUID, online bool) error
	SaveMessage(ctx context.Context, msg Message) error
	FindMessage(ctx context.Context, id uuid.UUID) (Message, error)
	MarkRead(ctx context.Context, id uuid.UUID) error
	Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]Message, error)
	PublicMessages(ctx context.Context, limit int) ([]Message, error)
	Close() error
}

// User is a registered account.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Email        string    `json:"email,omitempty"`
	IsOnline     bool      `json:"is_online"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is a persisted chat message. A nil ReceiverID marks a public
// message. Only IsRead changes after creation.
type Message struct {
	ID         uuid.UUID  `json:"id"`
	SenderID   uuid.UUID  `json:"sender_id"`
	ReceiverID *uuid.UUID `json:"receiver_id,omitempty"`
	Content    string     `json:"content"`
	IsRead     bool       `json:"is_read"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsPublic reports whether the message has no receiver.
func (m Message) IsPublic() bool {
	return m.ReceiverID == nil
}

// NewMessage builds an unread message with a fresh identifier.
func NewMessage(sender uuid.UUID, receiver *uuid.UUID, content string, now time.Time) Message {
	now = now.UTC()
	return Message{
		ID:         uuid.New(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewUser builds an offline user with a fresh identifier.
func NewUser(username, passwordHash, email string, now time.Time) User {
	now = now.UTC()
	return User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		Email:        email,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Options configures Open.
type Options struct {
	Driver     string
	BadgerPath string
	SQLitePath string
}

// Open returns the Store for opts.Driver.
func Open(opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverBadger:
		return OpenBadger(opts.BadgerPath)
	case DriverSQLite:
		return OpenSQLite(opts.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func notFound(what string) error {
	return apperror.ErrNotFound.WithMessage(what + " not found")
}

func persistence(op string, err error) error {
	return apperror.ErrPersistence.WithError(fmt.Errorf("%s: %w", op, err))
}

var timeNow = func() time.Time { return time.Now().UTC() }

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}

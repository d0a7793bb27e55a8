package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
)

// Memory is an in-process Store. Data is lost on restart; it backs tests
// and the default development configuration.
type Memory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]User
	names    map[string]uuid.UUID
	messages map[uuid.UUID]Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[uuid.UUID]User),
		names:    make(map[string]uuid.UUID),
		messages: make(map[uuid.UUID]Message),
	}
}

func (m *Memory) CreateUser(ctx context.Context, user User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := strings.ToLower(user.Username)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.names[key]; exists {
		return apperror.ErrConflict.WithMessage("username already taken")
	}
	m.users[user.ID] = user
	m.names[key] = user.ID
	return nil
}

func (m *Memory) FindUser(ctx context.Context, id uuid.UUID) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return User{}, notFound("user")
	}
	return user, nil
}

func (m *Memory) FindUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.names[strings.ToLower(username)]
	if !ok {
		return User{}, notFound("user")
	}
	return m.users[id], nil
}

func (m *Memory) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return notFound("user")
	}
	now := timeNow()
	user.IsOnline = online
	user.LastSeen = now
	user.UpdatedAt = now
	m.users[id] = user
	return nil
}

func (m *Memory) SaveMessage(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) FindMessage(ctx context.Context, id uuid.UUID) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return Message{}, notFound("message")
	}
	return msg, nil
}

func (m *Memory) MarkRead(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return notFound("message")
	}
	msg.IsRead = true
	msg.UpdatedAt = timeNow()
	m.messages[id] = msg
	return nil
}

func (m *Memory) Conversation(ctx context.Context, a, b uuid.UUID, limit int) ([]Message, error) {
	return m.latest(ctx, limit, func(msg Message) bool {
		if msg.ReceiverID == nil {
			return false
		}
		return (msg.SenderID == a && *msg.ReceiverID == b) ||
			(msg.SenderID == b && *msg.ReceiverID == a)
	})
}

func (m *Memory) PublicMessages(ctx context.Context, limit int) ([]Message, error) {
	return m.latest(ctx, limit, Message.IsPublic)
}

// latest returns up to limit matching messages, newest first.
func (m *Memory) latest(ctx context.Context, limit int, match func(Message) bool) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	matched := lo.Filter(lo.Values(m.messages), func(msg Message, _ int) bool {
		return match(msg)
	})
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit = clampLimit(limit); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) Close() error {
	return nil
}

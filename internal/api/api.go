// Package api is the REST surface around the relay core: account
// registration and login, presence queries and message history.
//
// Handlers stay thin. Sending a message goes through the same path as a
// WebSocket Text frame, so HTTP senders reach live recipients too.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// Sender persists and delivers a chat message. A nil receiver is public.
type Sender interface {
	Send(ctx context.Context, sender store.User, content string, receiver *uuid.UUID) (store.Message, error)
}

// Presence reports which users hold a live connection.
type Presence interface {
	OnlineUsers() []uuid.UUID
}

// TokenIssuer mints bearer tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID uuid.UUID) (string, error)
}

// Deps are the collaborators of Handler.
type Deps struct {
	Store        store.Store
	Auth         auth.Authenticator
	Tokens       TokenIssuer
	Sender       Sender
	Presence     Presence
	Logger       *zap.Logger
	HistoryLimit int
}

// Handler serves the REST endpoints.
type Handler struct {
	store        store.Store
	authn        auth.Authenticator
	tokens       TokenIssuer
	sender       Sender
	presence     Presence
	log          *zap.Logger
	validate     *validator.Validate
	historyLimit int
}

// New creates a Handler.
func New(d Deps) *Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limit := d.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Handler{
		store:        d.Store,
		authn:        d.Auth,
		tokens:       d.Tokens,
		sender:       d.Sender,
		presence:     d.Presence,
		log:          log,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		historyLimit: limit,
	}
}

// Mount registers the endpoints on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)

		r.Get("/users/me", h.me)
		r.Get("/users/online", h.online)
		r.Post("/users/status", h.setStatus)

		r.Post("/messages", h.sendMessage)
		r.Get("/messages/public", h.publicMessages)
		r.Get("/messages/{userID}", h.conversation)
		r.Post("/messages/{messageID}/read", h.markRead)
	})
}

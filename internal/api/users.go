package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type statusRequest struct {
	IsOnline *bool `json:"is_online" validate:"required"`
}

type tokenResponse struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
}

var errBadCredentials = apperror.ErrAuthDenied.WithMessage("invalid username or password")

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.log.Error("failed to hash password", zap.Error(err))
		writeError(w, apperror.ErrInternal.WithError(err))
		return
	}

	user := store.NewUser(req.Username, hash, req.Email, time.Now())
	if err := h.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			writeError(w, apperror.ErrConflict.WithMessage("username already taken"))
			return
		}
		h.log.Error("failed to create user", zap.String("username", req.Username), zap.Error(err))
		writeError(w, err)
		return
	}

	h.log.Info("user registered", zap.Stringer("user_id", user.ID), zap.String("username", user.Username))
	writeJSON(w, http.StatusCreated, userView(user))
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.store.FindUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			writeError(w, errBadCredentials)
			return
		}
		writeError(w, err)
		return
	}

	ok, err := auth.ComparePassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(w, errBadCredentials)
		return
	}

	token, err := h.tokens.Issue(user.ID)
	if err != nil {
		h.log.Error("failed to issue token", zap.Stringer("user_id", user.ID), zap.Error(err))
		writeError(w, apperror.ErrInternal.WithError(err))
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: userView(user)})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())
	writeJSON(w, http.StatusOK, userView(user))
}

// online lists users with a live connection. The registry decides who is
// online; the store only supplies names.
func (h *Handler) online(w http.ResponseWriter, r *http.Request) {
	ids := h.presence.OnlineUsers()
	users := lo.FilterMap(ids, func(id uuid.UUID, _ int) (UserView, bool) {
		u, err := h.store.FindUser(r.Context(), id)
		if err != nil {
			h.log.Debug("online user not found in store", zap.Stringer("user_id", id), zap.Error(err))
			return UserView{}, false
		}
		view := userView(u)
		view.IsOnline = true
		view.Email = ""
		return view, true
	})
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

// setStatus records a self-reported online flag in the store. It changes
// neither the registry nor what /users/online returns.
func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, _ := CurrentUser(r.Context())
	if err := h.store.SetOnline(r.Context(), user.ID, *req.IsOnline); err != nil {
		h.log.Error("failed to update online status", zap.Stringer("user_id", user.ID), zap.Error(err))
		writeError(w, err)
		return
	}

	user.IsOnline = *req.IsOnline
	writeJSON(w, http.StatusOK, userView(user))
}

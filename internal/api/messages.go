package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
)

type sendRequest struct {
	Content    string     `json:"content" validate:"required"`
	ReceiverID *uuid.UUID `json:"receiver_id"`
}

var errNotReceiver = apperror.New(apperror.KindAuthDenied, http.StatusForbidden,
	"only the receiver can mark a message as read")

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	var req sendRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.sender.Send(r.Context(), user, req.Content, req.ReceiverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageView(msg))
}

func (h *Handler) publicMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := h.limit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	messages, err := h.store.PublicMessages(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to load public messages", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageViews(messages))
}

// conversation returns the direct messages exchanged between the caller and
// the user named in the path, newest first.
func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	other, err := parseID(chi.URLParam(r, "userID"), "user id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := h.limit(r)
	if err != nil {
		writeError(w, err)
		return
	}

	messages, err := h.store.Conversation(r.Context(), user.ID, other, limit)
	if err != nil {
		h.log.Error("failed to load conversation", zap.Stringer("user_id", user.ID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageViews(messages))
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	user, _ := CurrentUser(r.Context())

	id, err := parseID(chi.URLParam(r, "messageID"), "message id")
	if err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.store.FindMessage(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if msg.ReceiverID == nil || *msg.ReceiverID != user.ID {
		writeError(w, errNotReceiver)
		return
	}

	if err := h.store.MarkRead(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	msg.IsRead = true
	writeJSON(w, http.StatusOK, messageView(msg))
}

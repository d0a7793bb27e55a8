package api

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

type ctxKey struct{}

// Authenticate requires a valid bearer token naming an existing user and
// stores that user in the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, apperror.ErrAuthDenied.WithMessage("missing bearer token"))
			return
		}

		userID, err := h.authn.Validate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}

		user, err := h.store.FindUser(r.Context(), userID)
		if err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				writeError(w, apperror.ErrAuthDenied.WithMessage("unknown user"))
				return
			}
			h.log.Error("failed to load authenticated user", zap.Stringer("user_id", userID), zap.Error(err))
			writeError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

// CurrentUser returns the user stored by Authenticate.
func CurrentUser(ctx context.Context) (store.User, bool) {
	user, ok := ctx.Value(ctxKey{}).(store.User)
	return user, ok
}

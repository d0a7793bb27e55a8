package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/mocks"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

type fakeSender struct {
	calls []string
	err   error
}

func (f *fakeSender) Send(_ context.Context, sender store.User, content string, receiver *uuid.UUID) (store.Message, error) {
	f.calls = append(f.calls, content)
	if f.err != nil {
		return store.Message{}, f.err
	}
	return store.NewMessage(sender.ID, receiver, content, time.Now()), nil
}

type fakePresence []uuid.UUID

func (f fakePresence) OnlineUsers() []uuid.UUID { return f }

type fakeIssuer struct{}

func (fakeIssuer) Issue(id uuid.UUID) (string, error) { return "token-" + id.String(), nil }

type apiFixture struct {
	store  *mocks.MockStore
	authn  *mocks.MockAuthenticator
	sender *fakeSender
	router http.Handler
	user   store.User
}

func newAPIFixture(t *testing.T, online ...uuid.UUID) *apiFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	f := &apiFixture{
		store:  mocks.NewMockStore(ctrl),
		authn:  mocks.NewMockAuthenticator(ctrl),
		sender: &fakeSender{},
		user:   store.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com"},
	}
	h := New(Deps{
		Store:        f.store,
		Auth:         f.authn,
		Tokens:       fakeIssuer{},
		Sender:       f.sender,
		Presence:     fakePresence(online),
		Logger:       zaptest.NewLogger(t),
		HistoryLimit: 20,
	})
	r := chi.NewRouter()
	h.Mount(r)
	f.router = r
	return f
}

// signedIn sets up the mocks for a request carrying a valid token for f.user.
func (f *apiFixture) signedIn() {
	f.authn.EXPECT().Validate(gomock.Any(), "good").Return(f.user.ID, nil)
	f.store.EXPECT().FindUser(gomock.Any(), f.user.ID).Return(f.user, nil)
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "error", body["status"])
	return body["message"]
}

func TestRegister(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	var created store.User
	f.store.EXPECT().CreateUser(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, u store.User) error {
		created = u
		return nil
	})

	w := f.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"username": "bob",
		"password": "hunter2hunter2",
		"email":    "bob@example.com",
	})
	req.Equal(http.StatusCreated, w.Code)

	var view UserView
	req.NoError(json.Unmarshal(w.Body.Bytes(), &view))
	req.Equal("bob", view.Username)
	req.Equal(created.ID, view.ID)
	req.NotContains(w.Body.String(), "hunter2")

	ok, err := auth.ComparePassword("hunter2hunter2", created.PasswordHash)
	req.NoError(err)
	req.True(ok)
}

func TestRegisterRejects(t *testing.T) {
	f := newAPIFixture(t)

	cases := map[string]map[string]string{
		"short username": {"username": "al", "password": "longenough"},
		"short password": {"username": "alice", "password": "short"},
		"bad email":      {"username": "alice", "password": "longenough", "email": "nope"},
		"symbols":        {"username": "al ice", "password": "longenough"},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/auth/register", "", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	t.Run("duplicate username", func(t *testing.T) {
		f.store.EXPECT().CreateUser(gomock.Any(), gomock.Any()).Return(apperror.ErrConflict)
		w := f.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": "alice", "password": "longenough"})
		require.Equal(t, http.StatusConflict, w.Code)
		require.Equal(t, "username already taken", errorMessage(t, w))
	})

	t.Run("unknown field", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": "alice", "password": "longenough", "admin": "yes"})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLogin(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	hash, err := auth.HashPassword("correct-password")
	req.NoError(err)
	f.user.PasswordHash = hash

	f.store.EXPECT().FindUserByUsername(gomock.Any(), "alice").Return(f.user, nil).Times(2)
	f.store.EXPECT().FindUserByUsername(gomock.Any(), "nobody").Return(store.User{}, apperror.ErrNotFound)

	w := f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice", "password": "correct-password"})
	req.Equal(http.StatusOK, w.Code)
	var resp tokenResponse
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.Equal("token-"+f.user.ID.String(), resp.Token)
	req.Equal(f.user.ID, resp.User.ID)

	w = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice", "password": "wrong-password"})
	req.Equal(http.StatusUnauthorized, w.Code)
	req.Equal("invalid username or password", errorMessage(t, w))

	w = f.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "nobody", "password": "whatever"})
	req.Equal(http.StatusUnauthorized, w.Code)
	req.Equal("invalid username or password", errorMessage(t, w), "unknown users look like bad passwords")
}

func TestAuthenticateMiddleware(t *testing.T) {
	f := newAPIFixture(t)

	t.Run("missing token", func(t *testing.T) {
		w := f.do(t, http.MethodGet, "/users/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		f.authn.EXPECT().Validate(gomock.Any(), "bad").Return(uuid.Nil, apperror.ErrAuthDenied.WithMessage("invalid token"))
		w := f.do(t, http.MethodGet, "/users/me", "bad", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		require.Equal(t, "invalid token", errorMessage(t, w))
	})

	t.Run("deleted user", func(t *testing.T) {
		ghost := uuid.New()
		f.authn.EXPECT().Validate(gomock.Any(), "ghost").Return(ghost, nil)
		f.store.EXPECT().FindUser(gomock.Any(), ghost).Return(store.User{}, apperror.ErrNotFound)
		w := f.do(t, http.MethodGet, "/users/me", "ghost", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		f.signedIn()
		w := f.do(t, http.MethodGet, "/users/me", "good", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var view UserView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		require.Equal(t, f.user.ID, view.ID)
		require.Equal(t, "alice@example.com", view.Email)
	})
}

func TestOnlineUsersComesFromPresence(t *testing.T) {
	req := require.New(t)
	bob, gone := store.User{ID: uuid.New(), Username: "bob"}, uuid.New()
	f := newAPIFixture(t, bob.ID, gone)

	f.signedIn()
	f.store.EXPECT().FindUser(gomock.Any(), bob.ID).Return(bob, nil)
	f.store.EXPECT().FindUser(gomock.Any(), gone).Return(store.User{}, apperror.ErrNotFound)

	w := f.do(t, http.MethodGet, "/users/online", "good", nil)
	req.Equal(http.StatusOK, w.Code)

	var resp struct {
		Users []UserView `json:"users"`
		Count int        `json:"count"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.Equal(1, resp.Count)
	req.Equal("bob", resp.Users[0].Username)
	req.True(resp.Users[0].IsOnline, "stored flag is ignored in favour of live presence")
}

func TestSetStatus(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	f.signedIn()
	f.store.EXPECT().SetOnline(gomock.Any(), f.user.ID, false).Return(nil)
	w := f.do(t, http.MethodPost, "/users/status", "good", map[string]any{"is_online": false})
	req.Equal(http.StatusOK, w.Code)

	var view UserView
	req.NoError(json.Unmarshal(w.Body.Bytes(), &view))
	req.Equal(f.user.ID, view.ID)
	req.False(view.IsOnline)

	f.signedIn()
	w = f.do(t, http.MethodPost, "/users/status", "good", map[string]any{})
	req.Equal(http.StatusBadRequest, w.Code, "is_online is required")

	f.signedIn()
	f.store.EXPECT().SetOnline(gomock.Any(), f.user.ID, true).Return(apperror.ErrPersistence)
	w = f.do(t, http.MethodPost, "/users/status", "good", map[string]any{"is_online": true})
	req.Equal(http.StatusInternalServerError, w.Code)
}

func TestSendMessage(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	f.signedIn()
	receiver := uuid.New()
	w := f.do(t, http.MethodPost, "/messages", "good", map[string]any{"content": "hi", "receiver_id": receiver})
	req.Equal(http.StatusCreated, w.Code)

	var view MessageView
	req.NoError(json.Unmarshal(w.Body.Bytes(), &view))
	req.Equal(f.user.ID, view.SenderID)
	req.Equal(receiver, *view.ReceiverID)
	req.Equal([]string{"hi"}, f.sender.calls)

	f.signedIn()
	f.sender.err = apperror.ErrNotFound.WithMessage("receiver not found")
	w = f.do(t, http.MethodPost, "/messages", "good", map[string]any{"content": "hi", "receiver_id": uuid.New()})
	req.Equal(http.StatusNotFound, w.Code)
	req.Equal("receiver not found", errorMessage(t, w))

	f.signedIn()
	f.sender.err = apperror.ErrPersistence.WithError(errors.New("disk on fire"))
	w = f.do(t, http.MethodPost, "/messages", "good", map[string]any{"content": "hi"})
	req.Equal(http.StatusInternalServerError, w.Code)
	req.NotContains(w.Body.String(), "disk on fire", "causes are not exposed")
}

func TestHistory(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)
	bob := uuid.New()

	msgs := []store.Message{
		store.NewMessage(bob, &f.user.ID, "second", time.Now()),
		store.NewMessage(f.user.ID, &bob, "first", time.Now().Add(-time.Minute)),
	}

	f.signedIn()
	f.store.EXPECT().Conversation(gomock.Any(), f.user.ID, bob, 5).Return(msgs, nil)
	w := f.do(t, http.MethodGet, "/messages/"+bob.String()+"?limit=5", "good", nil)
	req.Equal(http.StatusOK, w.Code)
	var views []MessageView
	req.NoError(json.Unmarshal(w.Body.Bytes(), &views))
	req.Len(views, 2)
	req.Equal("second", views[0].Content)

	f.signedIn()
	f.store.EXPECT().PublicMessages(gomock.Any(), 20).Return(nil, nil)
	w = f.do(t, http.MethodGet, "/messages/public?limit=500", "good", nil)
	req.Equal(http.StatusOK, w.Code, "limit is capped at the history limit")
	req.Equal("[]", strings.TrimSpace(w.Body.String()))

	f.signedIn()
	w = f.do(t, http.MethodGet, "/messages/not-a-uuid", "good", nil)
	req.Equal(http.StatusBadRequest, w.Code)

	f.signedIn()
	w = f.do(t, http.MethodGet, "/messages/public?limit=-1", "good", nil)
	req.Equal(http.StatusBadRequest, w.Code)
}

func TestMarkRead(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)
	bob := uuid.New()

	toAlice := store.NewMessage(bob, &f.user.ID, "for alice", time.Now())
	toBob := store.NewMessage(f.user.ID, &bob, "for bob", time.Now())

	f.signedIn()
	f.store.EXPECT().FindMessage(gomock.Any(), toAlice.ID).Return(toAlice, nil)
	f.store.EXPECT().MarkRead(gomock.Any(), toAlice.ID).Return(nil)
	w := f.do(t, http.MethodPost, "/messages/"+toAlice.ID.String()+"/read", "good", nil)
	req.Equal(http.StatusOK, w.Code)
	var view MessageView
	req.NoError(json.Unmarshal(w.Body.Bytes(), &view))
	req.True(view.IsRead)

	f.signedIn()
	f.store.EXPECT().FindMessage(gomock.Any(), toBob.ID).Return(toBob, nil)
	w = f.do(t, http.MethodPost, "/messages/"+toBob.ID.String()+"/read", "good", nil)
	req.Equal(http.StatusForbidden, w.Code)

	f.signedIn()
	missing := uuid.New()
	f.store.EXPECT().FindMessage(gomock.Any(), missing).Return(store.Message{}, apperror.ErrNotFound)
	w = f.do(t, http.MethodPost, "/messages/"+missing.String()+"/read", "good", nil)
	req.Equal(http.StatusNotFound, w.Code)
}

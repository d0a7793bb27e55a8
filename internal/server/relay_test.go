package server_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/api"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/store"
	"github.com/Tyrowin/gochat-relay/internal/testhelpers"
)

const frameWait = 2 * time.Second

type relayEnv struct {
	hub     *server.Hub
	store   *store.Memory
	tokens  *auth.JWT
	baseURL string
	wsURL   string
}

// relayOptions adjusts the relay built by newRelayWith. Zero values keep the
// defaults.
type relayOptions struct {
	configure func(cfg *server.Config)
	// wrapStore decorates the memory store seen by the hub and the REST API.
	wrapStore func(store.Store) store.Store
	// wrapListener decorates the listener the test server accepts on.
	wrapListener func(net.Listener) net.Listener
}

func newRelay(t *testing.T, customize func(cfg *server.Config)) *relayEnv {
	t.Helper()
	return newRelayWith(t, relayOptions{configure: customize})
}

func newRelayWith(t *testing.T, opts relayOptions) *relayEnv {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Auth.Secret = "relay-test-secret"
	cfg.RateLimit.Burst = 100
	if opts.configure != nil {
		opts.configure(cfg)
	}

	mem := store.NewMemory()
	var st store.Store = mem
	if opts.wrapStore != nil {
		st = opts.wrapStore(mem)
	}
	tokens, err := auth.NewJWT(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Expiration)
	require.NoError(t, err)

	// Sessions may log after the test body returns, so no zaptest here.
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	hub := server.NewHub(cfg, st, tokens, log, server.NewMetrics(reg))
	rest := api.New(api.Deps{
		Store:        st,
		Auth:         tokens,
		Tokens:       tokens,
		Sender:       hub,
		Presence:     hub,
		Logger:       log,
		HistoryLimit: cfg.HistoryLimit,
	})

	srv := httptest.NewUnstartedServer(server.SetupRoutes(hub, rest, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if opts.wrapListener != nil {
		srv.Listener = opts.wrapListener(srv.Listener)
	}
	srv.Start()
	t.Cleanup(func() {
		_ = hub.Shutdown(5 * time.Second)
		srv.Close()
		_ = mem.Close()
	})

	return &relayEnv{
		hub:     hub,
		store:   mem,
		tokens:  tokens,
		baseURL: srv.URL,
		wsURL:   testhelpers.WebSocketURL(t, srv.URL),
	}
}

// user creates an account and returns it with a valid token.
func (e *relayEnv) user(t *testing.T, name string) (store.User, string) {
	t.Helper()
	u := store.NewUser(name, "unused", "", time.Now())
	require.NoError(t, e.store.CreateUser(context.Background(), u))
	token, err := e.tokens.Issue(u.ID)
	require.NoError(t, err)
	return u, token
}

// connect dials as u and waits until the connection is the live registry
// entry for u.
func (e *relayEnv) connect(t *testing.T, u store.User, token string) *testhelpers.Client {
	t.Helper()
	previous, _ := e.hub.Registry().Lookup(u.ID)
	conn := testhelpers.Dial(t, e.wsURL, token)
	require.Eventually(t, func() bool {
		h, ok := e.hub.Registry().Lookup(u.ID)
		return ok && h != previous
	}, frameWait, 10*time.Millisecond)
	return conn
}

func expectStatus(t *testing.T, conn *testhelpers.Client, user uuid.UUID, online bool) {
	t.Helper()
	frame := conn.Next(t, frameWait)
	require.Equal(t, "UserStatus", frame.Type)

	var id uuid.UUID
	var isOnline bool
	frame.Field(t, "user_id", &id)
	frame.Field(t, "is_online", &isOnline)
	require.Equal(t, user, id)
	require.Equal(t, online, isOnline)
	require.True(t, frame.Has("username"), "presence frames name the user")
}

func expectError(t *testing.T, conn *testhelpers.Client, contains string) {
	t.Helper()
	frame := conn.Next(t, frameWait)
	require.Equal(t, "Error", frame.Type)

	var message string
	frame.Field(t, "message", &message)
	require.Contains(t, message, contains)
}

func expectText(t *testing.T, conn *testhelpers.Client, content string) testhelpers.Frame {
	t.Helper()
	frame := conn.Next(t, frameWait)
	require.Equal(t, "Text", frame.Type)

	var got string
	frame.Field(t, "content", &got)
	require.Equal(t, content, got)
	return frame
}

func TestRelayPresenceAndMessaging(t *testing.T) {
	env := newRelay(t, nil)
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)

	t.Run("existing users see the newcomer", func(t *testing.T) {
		expectStatus(t, a, bob.ID, true)
		b.ExpectNone(t, 200*time.Millisecond)
	})

	t.Run("public message reaches everyone but the sender", func(t *testing.T) {
		a.SendText(t, "hello everyone", "")
		frame := expectText(t, b, "hello everyone")
		require.False(t, frame.Has("receiver_id"))

		var sender uuid.UUID
		frame.Field(t, "sender_id", &sender)
		require.Equal(t, alice.ID, sender)
		a.ExpectNone(t, 200*time.Millisecond)
	})

	t.Run("direct message reaches only the receiver", func(t *testing.T) {
		b.SendText(t, "hi alice", alice.ID.String())
		frame := expectText(t, a, "hi alice")

		var receiver uuid.UUID
		frame.Field(t, "receiver_id", &receiver)
		require.Equal(t, alice.ID, receiver)
		b.ExpectNone(t, 200*time.Millisecond)
	})

	t.Run("messages are persisted", func(t *testing.T) {
		public, err := env.store.PublicMessages(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, public, 1)
		require.Equal(t, "hello everyone", public[0].Content)

		direct, err := env.store.Conversation(context.Background(), alice.ID, bob.ID, 10)
		require.NoError(t, err)
		require.Len(t, direct, 1)
		require.Equal(t, bob.ID, direct[0].SenderID)
	})

	t.Run("presence is recorded in the store", func(t *testing.T) {
		found, err := env.store.FindUser(context.Background(), bob.ID)
		require.NoError(t, err)
		require.True(t, found.IsOnline)
	})

	t.Run("disconnect is announced", func(t *testing.T) {
		require.NoError(t, b.Close())
		expectStatus(t, a, bob.ID, false)

		_, ok := env.hub.Registry().Lookup(bob.ID)
		require.False(t, ok)
		require.Eventually(t, func() bool {
			found, err := env.store.FindUser(context.Background(), bob.ID)
			return err == nil && !found.IsOnline
		}, frameWait, 10*time.Millisecond)
	})
}

func TestRelayRejectsBadFramesWithoutDisconnecting(t *testing.T) {
	env := newRelay(t, nil)
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	require.NoError(t, a.Conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	expectError(t, a, "invalid frame")

	a.SendRaw(t, map[string]any{
		"type": "UserStatus",
		"data": map[string]any{"user_id": alice.ID, "is_online": false},
	})
	expectError(t, a, "cannot be sent by clients")

	a.SendText(t, "   ", "")
	expectError(t, a, "must not be empty")

	a.SendText(t, "anyone there?", uuid.NewString())
	expectError(t, a, "receiver not found")

	// Nothing above reached bob, and alice is still connected.
	b.ExpectNone(t, 200*time.Millisecond)
	a.SendText(t, "still here", "")
	expectText(t, b, "still here")

	public, err := env.store.PublicMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, public, 1)
}

func TestRelayNewConnectionReplacesOld(t *testing.T) {
	env := newRelay(t, nil)
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	first := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	second := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	err := first.ExpectClosed(t, frameWait)
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	// The superseded connection's teardown must not mark bob offline.
	a.ExpectNone(t, 300*time.Millisecond)
	require.Contains(t, env.hub.OnlineUsers(), bob.ID)
	found, err := env.store.FindUser(context.Background(), bob.ID)
	require.NoError(t, err)
	require.True(t, found.IsOnline)

	a.SendText(t, "which bob?", bob.ID.String())
	expectText(t, second, "which bob?")
}

func TestRelayDisconnectGraceSuppressesFlap(t *testing.T) {
	env := newRelay(t, func(cfg *server.Config) {
		cfg.DisconnectGrace = 500 * time.Millisecond
	})
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	require.NoError(t, b.Close())
	env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	a.ExpectNone(t, 800*time.Millisecond)
	require.Contains(t, env.hub.OnlineUsers(), bob.ID)
}

// presenceGate holds every SetOnline(false) until release is closed.
type presenceGate struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (g *presenceGate) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	if !online {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.Store.SetOnline(ctx, id, online)
}

func TestRelayReconnectDuringSlowOfflineWrite(t *testing.T) {
	gate := &presenceGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gate.release) }) }

	env := newRelayWith(t, relayOptions{wrapStore: func(st store.Store) store.Store {
		gate.Store = st
		return gate
	}})
	t.Cleanup(release)
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	require.NoError(t, b.Close())
	select {
	case <-gate.entered:
	case <-time.After(frameWait):
		t.Fatal("offline status was never written")
	}
	expectStatus(t, a, bob.ID, false)

	// bob is back while the old teardown is still stuck in the store.
	second := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)
	release()

	// The old session is forgotten once its teardown has finished.
	require.Eventually(t, func() bool { return env.hub.SessionCount() == 2 }, frameWait, 10*time.Millisecond)
	a.ExpectNone(t, 300*time.Millisecond)
	require.Contains(t, env.hub.OnlineUsers(), bob.ID)

	found, err := env.store.FindUser(context.Background(), bob.ID)
	require.NoError(t, err)
	require.True(t, found.IsOnline)

	a.SendText(t, "welcome back", bob.ID.String())
	expectText(t, second, "welcome back")
}

// failingSaves rejects the next failures calls to SaveMessage.
type failingSaves struct {
	store.Store
	failures atomic.Int32
}

func (f *failingSaves) SaveMessage(ctx context.Context, msg store.Message) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Store.SaveMessage(ctx, msg)
}

func TestRelayStoreFailureOnlyNotifiesSender(t *testing.T) {
	saves := &failingSaves{}
	saves.failures.Store(1)
	env := newRelayWith(t, relayOptions{wrapStore: func(st store.Store) store.Store {
		saves.Store = st
		return saves
	}})
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	a.SendText(t, "lost", "")
	expectError(t, a, "failed to save message")
	b.ExpectNone(t, 200*time.Millisecond)

	a.SendText(t, "kept", "")
	expectText(t, b, "kept")
	a.ExpectNone(t, 200*time.Millisecond)

	public, err := env.store.PublicMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, public, 1)
	require.Equal(t, "kept", public[0].Content)
}

// brokenWriteListener hands out connections whose writes can be made to
// fail while reads keep working.
type brokenWriteListener struct {
	net.Listener
	accepted chan *brokenWriteConn
}

func (l *brokenWriteListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	c := &brokenWriteConn{Conn: conn}
	select {
	case l.accepted <- c:
	default:
	}
	return c, nil
}

func (l *brokenWriteListener) next(t *testing.T) *brokenWriteConn {
	t.Helper()
	select {
	case c := <-l.accepted:
		return c
	case <-time.After(frameWait):
		t.Fatal("no connection accepted")
		return nil
	}
}

type brokenWriteConn struct {
	net.Conn
	failWrites atomic.Bool
}

func (c *brokenWriteConn) Write(p []byte) (int, error) {
	if c.failWrites.Load() {
		return 0, errors.New("connection write failed")
	}
	return c.Conn.Write(p)
}

func TestRelayWriteFailureTearsDownIdleReader(t *testing.T) {
	listener := &brokenWriteListener{accepted: make(chan *brokenWriteConn, 8)}
	env := newRelayWith(t, relayOptions{wrapListener: func(l net.Listener) net.Listener {
		listener.Listener = l
		return listener
	}})
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	listener.next(t)
	b := env.connect(t, bob, bobToken)
	bobSide := listener.next(t)
	expectStatus(t, a, bob.ID, true)

	// bob never sends, so the server only notices through the write path.
	bobSide.failWrites.Store(true)
	a.SendText(t, "are you there?", bob.ID.String())

	expectStatus(t, a, bob.ID, false)
	require.Eventually(t, func() bool {
		_, ok := env.hub.Registry().Lookup(bob.ID)
		return !ok
	}, frameWait, 10*time.Millisecond)
	b.ExpectClosed(t, frameWait)

	require.Eventually(t, func() bool {
		found, err := env.store.FindUser(context.Background(), bob.ID)
		return err == nil && !found.IsOnline
	}, frameWait, 10*time.Millisecond)
}

func TestRelayAuthentication(t *testing.T) {
	env := newRelay(t, nil)
	_, token := env.user(t, "alice")
	ghostToken, err := env.tokens.Issue(uuid.New())
	require.NoError(t, err)
	foreign, err := auth.NewJWT("other-secret", "gochat-relay", time.Hour)
	require.NoError(t, err)
	forged, err := foreign.Issue(uuid.New())
	require.NoError(t, err)

	cases := map[string]string{
		"missing token": "",
		"garbage":       "abc.def.ghi",
		"wrong secret":  forged,
		"unknown user":  ghostToken,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := testhelpers.ConnectWebSocket(env.wsURL, tok)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	require.Zero(t, env.hub.Registry().Len())

	t.Run("bearer header", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("Origin", testhelpers.TestOrigin)
		headers.Set("Authorization", "Bearer "+token)
		conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, headers)
		require.NoError(t, err)
		_ = resp.Body.Close()
		_ = conn.Close()
	})
}

func TestRelayRejectsDisallowedOrigin(t *testing.T) {
	env := newRelay(t, nil)
	_, token := env.user(t, "alice")

	headers := http.Header{}
	headers.Set("Origin", "http://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL+"?token="+token, headers)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRelayRateLimiting(t *testing.T) {
	env := newRelay(t, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Minute
	})
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	for i := 0; i < 5; i++ {
		a.SendText(t, "burst", "")
	}
	expectText(t, b, "burst")
	expectText(t, b, "burst")
	b.ExpectNone(t, 300*time.Millisecond)
}

func TestRelayOversizedFrameClosesConnection(t *testing.T) {
	env := newRelay(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 256
	})
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	a := env.connect(t, alice, aliceToken)
	b := env.connect(t, bob, bobToken)
	expectStatus(t, a, bob.ID, true)

	b.SendText(t, strings.Repeat("x", 1024), "")
	b.ExpectClosed(t, frameWait)
	expectStatus(t, a, bob.ID, false)
}

func TestRelayHTTPSendReachesLiveConnection(t *testing.T) {
	env := newRelay(t, nil)
	alice, aliceToken := env.user(t, "alice")
	bob, bobToken := env.user(t, "bob")

	b := env.connect(t, bob, bobToken)

	var view api.MessageView
	resp := testhelpers.DoJSON(t, http.MethodPost, env.baseURL+"/messages", aliceToken,
		map[string]any{"content": "over http", "receiver_id": bob.ID}, &view)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, alice.ID, view.SenderID)

	frame := expectText(t, b, "over http")
	var id uuid.UUID
	frame.Field(t, "id", &id)
	require.Equal(t, view.ID, id)

	var online struct {
		Users []api.UserView `json:"users"`
		Count int            `json:"count"`
	}
	resp = testhelpers.DoJSON(t, http.MethodGet, env.baseURL+"/users/online", aliceToken, nil, &online)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, online.Count)
	require.Equal(t, bob.ID, online.Users[0].ID)
}

func TestRelayShutdownClosesSessions(t *testing.T) {
	env := newRelay(t, nil)

	var conns []*testhelpers.Client
	for _, name := range []string{"alice", "bob", "carol"} {
		u, token := env.user(t, name)
		conns = append(conns, env.connect(t, u, token))
	}
	require.Equal(t, 3, env.hub.SessionCount())

	require.NoError(t, env.hub.Shutdown(5*time.Second))
	for _, conn := range conns {
		conn.ExpectClosed(t, frameWait)
	}
	require.Zero(t, env.hub.SessionCount())
	require.Zero(t, env.hub.Registry().Len())

	_, token := env.user(t, "dave")
	_, resp, err := testhelpers.ConnectWebSocket(env.wsURL, token)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndTestPage(t *testing.T) {
	env := newRelay(t, nil)

	resp, err := http.Get(env.baseURL + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))

	resp, err = http.Get(env.baseURL + "/test")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	resp, err = http.Get(env.baseURL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(env.baseURL+"/ws", "text/plain", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

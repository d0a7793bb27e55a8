package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// storeTimeout bounds each store call made on behalf of a connection.
const storeTimeout = 5 * time.Second

// ErrShuttingDown is returned by Connect after Shutdown has begun.
var ErrShuttingDown = errors.New("hub is shutting down")

// Hub owns the relay core: the registry of live connections, the dispatcher,
// and every running session. It stays usable until Shutdown.
type Hub struct {
	cfg        *Config
	log        *zap.Logger
	store      store.Store
	authn      auth.Authenticator
	metrics    *Metrics
	registry   *Registry
	dispatcher *Dispatcher
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	presence sync.Map // uuid.UUID -> *sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewHub creates and initializes a new Hub. log and metrics may be nil.
func NewHub(cfg *Config, st store.Store, authn auth.Authenticator, log *zap.Logger, metrics *Metrics) *Hub {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	registry := NewRegistry(log.Named("registry"), metrics)
	origins := newOriginPolicy(cfg.AllowedOrigins, log)
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		cfg:        cfg,
		log:        log,
		store:      st,
		authn:      authn,
		metrics:    metrics,
		registry:   registry,
		dispatcher: NewDispatcher(registry, st, log.Named("dispatcher"), metrics, cfg.MaxContentLength),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.Check,
		},
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the live connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Dispatcher returns the message dispatcher.
func (h *Hub) Dispatcher() *Dispatcher { return h.dispatcher }

// Connect starts a session for an upgraded, authenticated socket. The
// session is registered and announced before Connect returns.
func (h *Hub) Connect(ws *websocket.Conn, user store.User, addr string) (*Session, error) {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s := newSession(h, ws, user, addr)
	h.sessions[s] = struct{}{}
	// Reader, writer and teardown.
	h.wg.Add(3)
	h.mu.Unlock()

	s.start()
	s.run()
	return s, nil
}

func (h *Hub) forget(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// Send checks that the receiver of a direct message exists, then hands the
// message to the dispatcher. A nil receiver means a public message.
func (h *Hub) Send(ctx context.Context, sender store.User, content string, receiver *uuid.UUID) (store.Message, error) {
	if receiver != nil {
		if _, err := h.store.FindUser(ctx, *receiver); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				return store.Message{}, apperror.ErrNotFound.WithMessage("receiver not found")
			}
			return store.Message{}, apperror.ErrPersistence.WithMessage("failed to look up receiver").WithError(err)
		}
	}
	return h.dispatcher.Handle(ctx, sender, TextData{Content: content, ReceiverID: receiver})
}

// OnlineUsers lists users with a live connection.
func (h *Hub) OnlineUsers() []uuid.UUID { return h.registry.OnlineUsers() }

// SessionCount is the number of sessions not yet torn down.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// announce broadcasts a presence change to everyone but user.
func (h *Hub) announce(user store.User, online bool) {
	h.metrics.PresenceChanges.WithLabelValues(presenceLabel(online)).Inc()
	delivered := h.registry.BroadcastExcept(user.ID, StatusEvent(user.ID, user.Username, online))
	h.log.Debug("presence broadcast",
		zap.Stringer("user_id", user.ID),
		zap.Bool("online", online),
		zap.Int("delivered", delivered))
}

// depart deregisters handle and announces user offline in one registry
// step. It reports false when a newer connection already owns the entry.
func (h *Hub) depart(user store.User, handle *Handle) bool {
	removed, delivered := h.registry.Depart(user.ID, handle, StatusEvent(user.ID, user.Username, false))
	if !removed {
		return false
	}
	h.metrics.PresenceChanges.WithLabelValues(presenceLabel(false)).Inc()
	h.log.Debug("presence broadcast",
		zap.Stringer("user_id", user.ID),
		zap.Bool("online", false),
		zap.Int("delivered", delivered))
	return true
}

// presenceLock serializes stored presence writes for one user.
func (h *Hub) presenceLock(user uuid.UUID) *sync.Mutex {
	mu, _ := h.presence.LoadOrStore(user, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// recordOnline sets the stored online flag. Callers register first.
func (h *Hub) recordOnline(user uuid.UUID, log *zap.Logger) {
	mu := h.presenceLock(user)
	mu.Lock()
	defer mu.Unlock()

	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.store.SetOnline(ctx, user, true); err != nil {
		log.Warn("failed to record online status", zap.Error(err))
	}
}

// recordOffline clears the stored online flag for a departed user unless a
// newer connection is already registered.
func (h *Hub) recordOffline(user uuid.UUID, log *zap.Logger) {
	mu := h.presenceLock(user)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := h.registry.Lookup(user); ok {
		log.Debug("user reconnected; keeping online status")
		return
	}

	ctx, cancel := h.storeContext()
	defer cancel()
	if err := h.store.SetOnline(ctx, user, false); err != nil {
		log.Warn("failed to record offline status", zap.Error(err))
	}
}

func (h *Hub) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

// Shutdown stops accepting sessions, closes every live one and waits for
// their goroutines to finish, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.mu.Lock()
	h.cancel()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	h.registry.CloseAll()
	h.log.Info("closed sessions", zap.Int("count", len(sessions)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out; some connections may still be running")
		return context.DeadlineExceeded
	}
}

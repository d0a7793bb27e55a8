package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Registry maps each online user to the handle of their single live
// connection. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	conns   map[uuid.UUID]*Handle
	log     *zap.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry. Both arguments may be nil.
func NewRegistry(log *zap.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		conns:   make(map[uuid.UUID]*Handle),
		log:     log,
		metrics: metrics,
	}
}

// Register makes h the live connection for user. A previous handle for the
// same user is closed before the lock is released, so no caller can observe
// both. It returns the replaced handle, or nil.
func (r *Registry) Register(user uuid.UUID, h *Handle) *Handle {
	r.mu.Lock()
	old := r.conns[user]
	r.conns[user] = h
	if old != nil && old != h {
		old.markReplaced()
	}
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.Connections.Set(float64(count))
	if old != nil && old != h {
		r.metrics.Replacements.Inc()
		r.log.Info("connection replaced", zap.Stringer("user_id", user))
		return old
	}
	r.log.Debug("connection registered", zap.Stringer("user_id", user), zap.Int("online", count))
	return nil
}

// Deregister removes user's entry only if it still points at h, and reports
// whether it did. A stale connection cannot evict its replacement.
func (r *Registry) Deregister(user uuid.UUID, h *Handle) bool {
	r.mu.Lock()
	current, ok := r.conns[user]
	if !ok || current != h {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, user)
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.Connections.Set(float64(count))
	r.log.Debug("connection deregistered", zap.Stringer("user_id", user), zap.Int("online", count))
	return true
}

// Depart removes user's entry only if it still points at h and, in the same
// critical section, enqueues ev on every other live connection. A Register
// for user cannot land between the removal and the broadcast, so peers never
// see ev after a newer connection's presence. It reports whether the entry
// was removed and how many connections accepted ev.
func (r *Registry) Depart(user uuid.UUID, h *Handle, ev Event) (bool, int) {
	r.mu.Lock()
	current, ok := r.conns[user]
	if !ok || current != h {
		r.mu.Unlock()
		return false, 0
	}
	delete(r.conns, user)
	count := len(r.conns)

	// Enqueue never blocks, so delivering under the lock is safe.
	delivered := 0
	for _, target := range r.conns {
		if r.deliver(target, ev) {
			delivered++
		}
	}
	r.mu.Unlock()

	r.metrics.Connections.Set(float64(count))
	r.log.Debug("connection departed",
		zap.Stringer("user_id", user),
		zap.Int("online", count),
		zap.Int("delivered", delivered))
	return true, delivered
}

// Lookup returns the live handle for user.
func (r *Registry) Lookup(user uuid.UUID) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.conns[user]
	return h, ok
}

// Send enqueues ev on user's live connection. It reports whether the event
// was accepted; offline users and failed enqueues are not errors.
func (r *Registry) Send(user uuid.UUID, ev Event) bool {
	h, ok := r.Lookup(user)
	if !ok {
		return false
	}
	return r.deliver(h, ev)
}

// BroadcastExcept enqueues ev on every live connection except excluded's and
// returns how many accepted it. Full or closed queues are skipped.
func (r *Registry) BroadcastExcept(excluded uuid.UUID, ev Event) int {
	targets := r.snapshotExcept(excluded)

	delivered := 0
	for _, h := range targets {
		if r.deliver(h, ev) {
			delivered++
		}
	}
	return delivered
}

// Broadcast enqueues ev on every live connection.
func (r *Registry) Broadcast(ev Event) int {
	return r.BroadcastExcept(uuid.Nil, ev)
}

func (r *Registry) snapshotExcept(excluded uuid.UUID) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]*Handle, 0, len(r.conns))
	for user, h := range r.conns {
		if user == excluded {
			continue
		}
		targets = append(targets, h)
	}
	return targets
}

func (r *Registry) deliver(h *Handle, ev Event) bool {
	err := h.Enqueue(ev)
	switch {
	case err == nil:
		r.metrics.Deliveries.WithLabelValues(string(ev.Type)).Inc()
		return true
	case errors.Is(err, ErrQueueFull):
		r.metrics.DroppedDeliveries.WithLabelValues(dropQueueFull).Inc()
		r.log.Warn("dropping event for slow connection",
			zap.Stringer("user_id", h.UserID()),
			zap.String("type", string(ev.Type)))
	default:
		r.metrics.DroppedDeliveries.WithLabelValues(dropQueueClosed).Inc()
		r.log.Debug("dropping event for closed connection",
			zap.Stringer("user_id", h.UserID()),
			zap.String("type", string(ev.Type)))
	}
	return false
}

// Snapshot returns a copy of the current entries.
func (r *Registry) Snapshot() map[uuid.UUID]*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uuid.UUID]*Handle, len(r.conns))
	for user, h := range r.conns {
		out[user] = h
	}
	return out
}

// OnlineUsers lists the users with a live connection, in a stable order.
func (r *Registry) OnlineUsers() []uuid.UUID {
	users := lo.Keys(r.Snapshot())
	sort.Slice(users, func(i, j int) bool { return users[i].String() < users[j].String() })
	return users
}

// CloseAll closes every registered handle without removing it. Entries are
// removed by their sessions' teardown.
func (r *Registry) CloseAll() int {
	closed := 0
	for _, h := range r.Snapshot() {
		if h.Close() {
			closed++
		}
	}
	return closed
}

// Len is the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

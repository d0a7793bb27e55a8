package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// SessionState is the lifecycle position of a Session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is one authenticated connection from registration to teardown.
type Session struct {
	hub    *Hub
	user   store.User
	client *Client
	handle *Handle
	log    *zap.Logger

	state     atomic.Int32
	started   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(hub *Hub, ws *websocket.Conn, user store.User, addr string) *Session {
	log := hub.log.With(
		zap.Stringer("user_id", user.ID),
		zap.String("username", user.Username),
		zap.String("remote_addr", addr))
	handle := NewHandle(user.ID, hub.cfg.QueueSize)

	return &Session{
		hub:     hub,
		user:    user,
		client:  newClient(ws, handle, addr, hub.cfg, log, hub.metrics),
		handle:  handle,
		log:     log,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// User is the authenticated owner of the session.
func (s *Session) User() store.User { return s.user }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session from the server side.
func (s *Session) Close() { s.shutdown("closed by server") }

// start registers the connection, announces it and marks the user online.
// The store write follows Register so that a concurrent teardown of an
// older connection sees this one and leaves the flag alone. A store failure is logged but does not refuse the
// connection: the registry is the live source of presence.
func (s *Session) start() {
	defer close(s.started)

	s.hub.registry.Register(s.user.ID, s.handle)
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
	s.hub.announce(s.user, true)

	s.hub.recordOnline(s.user.ID, s.log)
	s.log.Info("session connected")
}

// run starts both pumps. Whichever ends first triggers teardown.
func (s *Session) run() {
	go func() {
		defer s.hub.wg.Done()
		s.client.writePump()
		s.shutdown("outbound closed")
	}()
	go func() {
		defer s.hub.wg.Done()
		s.client.readPump(s.handleFrame)
		s.shutdown("inbound closed")
	}()
}

func (s *Session) handleFrame(raw []byte) {
	text, err := DecodeClientFrame(raw)
	if err != nil {
		s.hub.metrics.MalformedFrames.Inc()
		s.log.Info("malformed frame", zap.Error(err))
		s.notify(err)
		return
	}

	ctx, cancel := s.hub.storeContext()
	defer cancel()
	if _, err := s.hub.Send(ctx, s.user, text.Content, text.ReceiverID); err != nil {
		if errors.Is(err, apperror.ErrPersistence) {
			s.log.Error("message not delivered", zap.Error(err))
		} else {
			s.log.Info("message rejected", zap.Error(err))
		}
		s.notify(err)
	}
}

// notify reports err to this session's own client.
func (s *Session) notify(err error) {
	if qerr := s.handle.Enqueue(ErrorEvent(apperror.MessageOf(err))); qerr != nil {
		s.log.Debug("error notice dropped", zap.Error(qerr))
	}
}

// shutdown moves the session to Disconnected exactly once. The socket and
// queue close immediately; registry and presence cleanup run in teardown.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnected))
		s.log.Info("session closing", zap.String("reason", reason))

		s.client.closeSocket()
		s.handle.Close()

		go func() {
			defer s.hub.wg.Done()
			s.teardown()
		}()
	})
}

func (s *Session) teardown() {
	defer close(s.done)
	defer s.hub.forget(s)

	<-s.started

	if grace := s.hub.cfg.DisconnectGrace; grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-timer.C:
		case <-s.hub.ctx.Done():
			timer.Stop()
		}
	}

	if !s.hub.depart(s.user, s.handle) {
		s.log.Debug("session superseded; presence left to the newer connection")
		return
	}

	s.hub.recordOffline(s.user.ID, s.log)
	s.log.Info("session disconnected")
}

package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client owns the socket of one connection and runs its two pumps. The
// inbound pump is the only reader and the outbound pump the only writer.
type Client struct {
	conn           *websocket.Conn
	handle         *Handle
	addr           string
	log            *zap.Logger
	metrics        *Metrics
	limiter        *tokenBucket
	maxMessageSize int64
}

func newClient(conn *websocket.Conn, handle *Handle, addr string, cfg *Config, log *zap.Logger, metrics *Metrics) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		conn:           conn,
		handle:         handle,
		addr:           addr,
		log:            log,
		metrics:        metrics,
		limiter:        newTokenBucket(cfg.RateLimit),
		maxMessageSize: cfg.MaxMessageSize,
	}
}

// setupReadConnection arms the read deadline and lets each pong extend it.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("failed to set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// readPump delivers each accepted text frame to onFrame until the socket
// fails or is closed. Binary frames are ignored.
func (c *Client) readPump(onFrame func([]byte)) {
	c.setupReadConnection()

	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if kind != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", zap.Int("frame_type", kind))
			continue
		}
		if !c.checkRateLimit() {
			continue
		}
		onFrame(raw)
	}
}

// logReadError records why the read loop ended at a level matching how
// surprising the cause is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Debug("client closed connection", zap.Error(err))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		c.log.Debug("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Info("unexpected close from client", zap.Error(err))
	default:
		c.log.Info("read failed", zap.Error(err))
	}
}

// checkRateLimit takes a token for the next frame. A false result means the
// frame is discarded.
func (c *Client) checkRateLimit() bool {
	if c.limiter.allow() {
		return true
	}
	c.metrics.RateLimited.Inc()
	c.log.Warn("rate limit exceeded; discarding frame")
	return false
}

// writePump writes queued events one frame each, in order, and pings the
// peer periodically. It returns after the queue is closed and drained, or on
// the first write failure.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent handles one queued event or ping tick. It returns false
// once the pump is done.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case ev, ok := <-c.handle.Events():
		if !ok {
			c.writeCloseMessage()
			return false
		}
		return c.writeEvent(ev)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) writeEvent(ev Event) bool {
	payload, err := ev.Encode()
	if err != nil {
		// Unencodable events are skipped; the connection is still usable.
		c.log.Error("failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return true
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("failed to set write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("write failed", zap.String("type", string(ev.Type)), zap.Error(err))
		}
		return false
	}
	return true
}

// writeCloseMessage tells the peer why the connection is ending.
func (c *Client) writeCloseMessage() {
	code, text := websocket.CloseNormalClosure, ""
	if c.handle.Replaced() {
		code, text = websocket.ClosePolicyViolation, "replaced by a newer connection"
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text)); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("failed to write close frame", zap.Error(err))
		}
	}
}

// handlePing keeps the peer's read deadline moving.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("ping failed", zap.Error(err))
		}
		return false
	}
	return true
}

// closeSocket closes the underlying connection. It is safe to call while
// the pumps are running and more than once.
func (c *Client) closeSocket() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("error closing connection", zap.Error(err))
	}
}

// isExpectedCloseError reports errors produced by a socket that is already
// going away.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

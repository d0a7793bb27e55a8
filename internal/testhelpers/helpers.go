// Package testhelpers provides common utilities for exercising the relay
// over real HTTP and WebSocket connections in tests.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the browser origin the helpers present by default.
const TestOrigin = "http://localhost:8080"

// Frame is a decoded server event with its payload left raw.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Field decodes the top-level data field name into out.
func (f Frame) Field(t *testing.T, name string, out any) {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.Data, &fields))
	raw, ok := fields[name]
	require.Truef(t, ok, "frame %s has no field %q: %s", f.Type, name, f.Data)
	require.NoError(t, json.Unmarshal(raw, out))
}

// Has reports whether the data object carries field name.
func (f Frame) Has(name string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return false
	}
	_, ok := fields[name]
	return ok
}

// WebSocketURL converts an httptest server URL into its /ws endpoint.
func WebSocketURL(t *testing.T, baseURL string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	return u.String()
}

// ConnectWebSocket dials wsURL with token in the query string and the test
// origin. On a failed handshake the HTTP response is returned with its body
// already read into the error.
func ConnectWebSocket(wsURL, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	target := wsURL
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(target, headers)
	if resp != nil && resp.Body != nil {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil && len(body) > 0 {
			err = errors.Join(err, errors.New(string(bytes.TrimSpace(body))))
		}
	}
	return conn, resp, err
}

// Client is a test WebSocket peer. A background goroutine reads every frame
// so that waiting for the absence of a frame leaves the connection usable.
type Client struct {
	Conn *websocket.Conn

	frames   chan Frame
	closed   chan struct{}
	closeErr error
}

// Dial connects with token, fails the test on error and closes the
// connection at cleanup.
func Dial(t *testing.T, wsURL, token string) *Client {
	t.Helper()
	conn, _, err := ConnectWebSocket(wsURL, token)
	require.NoError(t, err)

	c := &Client{Conn: conn, frames: make(chan Frame, 64), closed: make(chan struct{})}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		_, payload, err := c.Conn.ReadMessage()
		if err != nil {
			c.closeErr = err
			return
		}
		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			frame = Frame{Type: "invalid", Data: payload}
		}
		c.frames <- frame
	}
}

// SendText sends a Text event. An empty receiver means a public message.
func (c *Client) SendText(t *testing.T, content, receiver string) {
	t.Helper()
	data := map[string]any{"content": content}
	if receiver != "" {
		data["receiver_id"] = receiver
	}
	c.SendRaw(t, map[string]any{"type": "Text", "data": data})
}

// SendRaw marshals v and writes it as one text frame.
func (c *Client) SendRaw(t *testing.T, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Conn.WriteMessage(websocket.TextMessage, payload))
}

// Next waits up to timeout for the next frame.
func (c *Client) Next(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-c.frames:
		return frame
	case <-c.closed:
		select {
		case frame := <-c.frames:
			return frame
		default:
		}
		t.Fatalf("connection closed while waiting for a frame: %v", c.closeErr)
	case <-timer.C:
		t.Fatalf("no frame within %s", timeout)
	}
	return Frame{}
}

// ExpectNone asserts that no frame arrives within timeout.
func (c *Client) ExpectNone(t *testing.T, timeout time.Duration) {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-c.frames:
		t.Fatalf("expected no frame, received %s %s", frame.Type, frame.Data)
	case <-timer.C:
	}
}

// ExpectClosed waits for the server to close the connection and returns the
// read error that ended it. Frames still in flight are discarded.
func (c *Client) ExpectClosed(t *testing.T, timeout time.Duration) error {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-c.frames:
		case <-c.closed:
			return c.closeErr
		case <-timer.C:
			t.Fatalf("connection still open after %s", timeout)
			return nil
		}
	}
}

// Close performs a client-initiated close handshake.
func (c *Client) Close() error {
	return CloseWebSocket(c.Conn)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// DoJSON issues a request with an optional JSON body and bearer token and
// decodes the JSON response into out when out is non-nil.
func DoJSON(t *testing.T, method, target, token string, body, out any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, target, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

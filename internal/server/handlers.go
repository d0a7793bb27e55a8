package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/apperror"
	"github.com/Tyrowin/gochat-relay/internal/auth"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// ServeWS authenticates the request and upgrades it to a relay session.
// The token comes from the "token" query parameter or an Authorization
// bearer header. Authentication failures are answered with 401 before any
// upgrade or registry change.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apperror.New(apperror.KindValidation, http.StatusMethodNotAllowed,
			"method not allowed, WebSocket endpoint only accepts GET requests"))
		return
	}
	if h.ctx.Err() != nil {
		writeError(w, apperror.New(apperror.KindInternal, http.StatusServiceUnavailable, "server is shutting down"))
		return
	}

	user, err := h.authenticate(r)
	if err != nil {
		h.log.Info("websocket authentication denied",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Info("websocket upgrade failed", zap.Stringer("user_id", user.ID), zap.Error(err))
		return
	}

	if _, err := h.Connect(conn, user, r.RemoteAddr); err != nil {
		h.log.Info("rejecting connection", zap.Stringer("user_id", user.ID), zap.Error(err))
		_ = conn.Close()
	}
}

func (h *Hub) authenticate(r *http.Request) (store.User, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return store.User{}, apperror.ErrAuthDenied.WithMessage("missing token")
	}

	userID, err := h.authn.Validate(r.Context(), token)
	if err != nil {
		return store.User{}, err
	}

	user, err := h.store.FindUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return store.User{}, apperror.ErrAuthDenied.WithMessage("unknown user")
		}
		return store.User{}, err
	}
	return user, nil
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperror.StatusOf(err))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": apperror.MessageOf(err),
	})
}

// HealthHandler answers liveness probes with a plain-text banner.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat relay is running!")
}

// TestPageHandler serves an HTML page for trying the relay from a browser.
// Paste a token from POST /auth/login, connect, and send public or direct
// messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPageHTML)
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="receiverInput" placeholder="Receiver id (empty for public)" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const receiverInput = document.getElementById('receiverInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color;
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function render(event) {
            const data = event.data || {};
            switch (event.type) {
            case 'Text': {
                const scope = data.receiver_id ? 'direct' : 'public';
                addLine('[' + scope + '] ' + (data.sender_username || data.sender_id) + ': ' + data.content, 'green');
                break;
            }
            case 'UserStatus':
                addLine((data.username || data.user_id) + (data.is_online ? ' is online' : ' went offline'), 'gray');
                break;
            case 'Error':
                addLine('error: ' + data.message, 'red');
                break;
            default:
                addLine(JSON.stringify(event), 'gray');
            }
        }

        function setConnected(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            receiverInput.disabled = !connected;
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            tokenInput.disabled = connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const url = scheme + location.host + '/ws?token=' + encodeURIComponent(tokenInput.value.trim());
            ws = new WebSocket(url);

            ws.onopen = function() {
                addLine('Connected to GoChat relay', 'gray');
                setConnected(true);
            };
            ws.onmessage = function(msg) {
                try {
                    render(JSON.parse(msg.data));
                } catch (e) {
                    addLine(msg.data, 'gray');
                }
            };
            ws.onclose = function(event) {
                addLine('Connection closed' + (event.reason ? ': ' + event.reason : ''), 'gray');
                setConnected(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (!content || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const data = { content: content };
            const receiver = receiverInput.value.trim();
            if (receiver) {
                data.receiver_id = receiver;
            }
            ws.send(JSON.stringify({ type: 'Text', data: data }));
            addLine('You: ' + content, 'blue');
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`

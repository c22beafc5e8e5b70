// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// userIDParam is the query parameter naming the user a connection belongs to.
const userIDParam = "userId"

// WebSocketHandler upgrades GET requests on /ws. The userId query parameter
// identifies the connecting user; without it the connection is accepted but
// not registered.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, s.relay, s.cfg, r.URL.Query().Get(userIDParam), r.RemoteAddr)

	// The hub launches the pump goroutines once the client is registered.
	if !s.hub.enqueue(client) {
		s.logger.Info("rejecting connection during shutdown", "addr", r.RemoteAddr)
		_ = conn.Close()
	}
}

// RootHandler answers the service banner.
func (s *Server) RootHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "Socket server is running")
}

// HealthHandler reports live connection and presence counts as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := HealthStatus{
		Status:      "ok",
		Connections: s.hub.Count(),
		OnlineUsers: s.registry.Len(),
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("error writing health response", "error", err)
	}
}

// TestPageHandler serves a small page for exercising the event protocol by
// hand from a browser.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.logger.Warn("error writing HTML response", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat relay test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat relay test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="userId" placeholder="your user id">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
        <button onclick="emit('user:getOnlineUsers', null)">Online users</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="receiver" placeholder="receiver id">
        <input type="text" id="message" placeholder="message">
        <button onclick="sendChat()">Send</button>
        <button onclick="emit('user:follow', {friendId: field('receiver')})">Follow</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        const eventsDiv = document.getElementById('events');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function field(id) {
            return document.getElementById(id).value.trim();
        }

        function log(prefix, text) {
            const line = document.createElement('div');
            line.textContent = prefix + ' ' + text;
            eventsDiv.appendChild(line);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function emit(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            log('>', frame);
        }

        function sendChat() {
            const receiver = field('receiver');
            const body = field('message');
            if (!receiver || !body) {
                return;
            }
            emit('chat:message_send', {
                chatId: [field('userId'), receiver].sort().join('_'),
                sender: field('userId'),
                receiver: receiver,
                content: body,
                timestamp: new Date().toISOString()
            });
            document.getElementById('message').value = '';
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?userId=' + encodeURIComponent(field('userId')));
            ws.onopen = function() { updateStatus(true); };
            ws.onmessage = function(event) { log('<', event.data); };
            ws.onclose = function() { updateStatus(false); ws = null; };
            ws.onerror = function() { log('!', 'connection error'); };
        }
    </script>
</body>
</html>`

package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/relayhub/router/internal/apierr"
	"github.com/relayhub/router/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Connectors handles GET /connectors, returning the Session Registry's
// live-session snapshot.
func (h *Handlers) Connectors(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, h.registry.List())
}

type pongBody struct {
	NodeID string `json:"mac"`
}

// Pong handles POST /connect/pong, the Connector's keep-alive ack channel
// for SSE-transported sessions: an SSE response is server-to-client only,
// so the {"type":"pong"} frame the protocol describes cannot travel back
// over the stream itself and is instead posted here. WebSocket Connectors
// may use either this endpoint or a text pong frame on the socket; both
// paths call the same registry method.
func (h *Handlers) Pong(w http.ResponseWriter, r *http.Request) {
	var body pongBody
	if !decodeJSON(w, r, &body) {
		return
	}
	h.registry.Pong(body.NodeID)
	writeAck(w)
}

// Connect handles GET/WS /connect?mac=…&transport=ws|sse, the Connector's
// persistent push channel. The Connector selects its transport
// explicitly via the transport query parameter, defaulting to ws; the
// Session Registry is indifferent to which one backs a given session.
func (h *Handlers) Connect(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("mac")
	if strings.TrimSpace(nodeID) == "" {
		apierr.WriteError(w, apierr.Validation("mac query parameter is required"))
		return
	}

	switch r.URL.Query().Get("transport") {
	case "sse":
		h.connectSSE(w, r, nodeID)
	default:
		h.connectWebSocket(w, r, nodeID)
	}
}

func (h *Handlers) connectWebSocket(w http.ResponseWriter, r *http.Request, nodeID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "node_id", nodeID, "error", err)
		return
	}
	defer conn.Close()

	s := h.registry.Register(nodeID, session.NewWebSocketChannel(conn))
	defer h.registry.Unregister(s)

	// The registry only ever writes to this connection; reads exist
	// solely to detect the Connector closing the socket and to drain
	// pong frames, which carry no state beyond liveness.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		h.registry.Pong(nodeID)
	}
}

func (h *Handlers) connectSSE(w http.ResponseWriter, r *http.Request, nodeID string) {
	ch, err := session.NewSSEChannel(w)
	if err != nil {
		apierr.WriteError(w, apierr.Internal("response writer does not support flushing"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s := h.registry.Register(nodeID, ch)
	defer h.registry.Unregister(s)

	sse, ok := ch.(interface{ Done() <-chan struct{} })
	if !ok {
		<-r.Context().Done()
		return
	}
	select {
	case <-sse.Done():
	case <-r.Context().Done():
	}
}

package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/penflow/syncd/internal/auth"
	"github.com/penflow/syncd/internal/registry"
)

// Frame type discriminants, byte 0 of every binary frame. The rest of the
// frame is CRDT payload, opaque to this layer.
const (
	// frameStateVector announces state: inbound it carries the peer's
	// state vector, outbound the server's full state.
	frameStateVector byte = 0
	// frameStateResponse carries the updates the peer reported missing.
	frameStateResponse byte = 1
	// frameUpdate carries one incremental update.
	frameUpdate byte = 2
)

// Per-connection protocol states.
const (
	stateAwaitingSync = "awaiting_sync"
	stateSynced       = "synced"
)

// Handler serves the per-document sync endpoint. It gates the upgrade,
// announces full state on connect, answers state-vector requests with the
// missing updates, and applies, persists, and fans out inbound updates.
type Handler struct {
	registry *registry.Registry
	hub      *Hub
	gate     *auth.Gate
	logger   *slog.Logger
	upgrader websocket.Upgrader
	prefix   string
}

// NewHandler wires the sync endpoint under the /sync/ path prefix.
func NewHandler(reg *registry.Registry, hub *Hub, gate *auth.Gate, logger *slog.Logger) *Handler {
	return &Handler{
		registry: reg,
		hub:      hub,
		gate:     gate,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The editor is served from a different origin than the
			// sync endpoint; admission is decided by the gate, not by
			// the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		prefix: "/sync/",
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	document := strings.TrimPrefix(r.URL.Path, h.prefix)
	if document == "" || strings.Contains(document, "/") {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	// Rejections are written as plain HTTP responses before any WebSocket
	// framing begins; no partial upgrade is possible.
	authCtx, err := h.gate.Admit(r.Context(), r.URL.Query().Get("token"), document)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	replica := h.registry.GetOrCreate(r.Context(), document)

	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Error("websocket upgrade failed", "document", document, "error", err)
		return
	}

	c := newConn(sock, document, authCtx.UserID)
	h.hub.Register(document, c)
	h.logger.Info("collaborator connected",
		"document", document, "user", c.userID, "conn", c.id)

	h.serve(c, replica)

	h.hub.Unregister(document, c)
	c.Close()
	h.logger.Info("collaborator disconnected",
		"document", document, "user", c.userID, "conn", c.id)
}

// serve runs the sync exchange until the socket closes. A malformed frame is
// dropped with a logged error rather than tearing the session down: it costs
// at most a temporary divergence that the next state-vector exchange repairs.
func (h *Handler) serve(c *Conn, replica *registry.Replica) {
	// Announce everything we have, so a peer with no local state converges
	// without a round trip.
	state, err := replica.State()
	if err != nil {
		h.logger.Error("failed to encode state",
			"document", c.document, "conn", c.id, "error", err)
	} else if err := c.send(frame(frameStateVector, state)); err != nil {
		h.logger.Warn("failed to send initial state",
			"document", c.document, "conn", c.id, "error", err)
		return
	}

	connState := stateAwaitingSync
	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage || len(data) == 0 {
			h.logger.Warn("dropping malformed frame",
				"document", c.document, "conn", c.id)
			continue
		}

		switch data[0] {
		case frameStateVector:
			diff, err := replica.DiffSince(data[1:])
			if err != nil {
				h.logger.Warn("dropping unreadable state vector",
					"document", c.document, "conn", c.id, "error", err)
				continue
			}
			// An empty diff still gets a reply so the peer can use
			// it as a sync barrier.
			if err := c.send(frame(frameStateResponse, diff)); err != nil {
				h.logger.Warn("failed to send state response",
					"document", c.document, "conn", c.id, "error", err)
				continue
			}
			if connState == stateAwaitingSync {
				connState = stateSynced
				h.logger.Debug("connection synced",
					"document", c.document, "conn", c.id)
			}

		case frameStateResponse, frameUpdate:
			update := data[1:]
			if err := replica.ApplyUpdate(update); err != nil {
				h.logger.Warn("dropping unreadable update",
					"document", c.document, "conn", c.id, "error", err)
				continue
			}
			// Persistence rides on the replica's update subscription;
			// here the exact payload bytes fan out to the peers.
			h.hub.Broadcast(c.document, frame(frameUpdate, update), c)

		default:
			h.logger.Warn("dropping frame with unknown type",
				"document", c.document, "conn", c.id, "type", data[0])
		}
	}
}

// frame prepends the type discriminant to a payload.
func frame(frameType byte, payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, frameType)
	return append(buf, payload...)
}

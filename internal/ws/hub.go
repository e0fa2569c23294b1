package ws

import (
	"log/slog"
	"sync"
)

// Hub tracks the live connections of every document for broadcast. A
// document's set is dropped as soon as it empties; the replica itself stays
// warm in the registry.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*Conn]struct{}
}

// NewHub creates an empty connection manager.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]map[*Conn]struct{}),
	}
}

// Register adds a connection to its document's set.
func (h *Hub) Register(document string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[document]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[document] = set
	}
	set[c] = struct{}{}
}

// Unregister removes a connection, dropping the per-document set once empty.
func (h *Hub) Unregister(document string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[document]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, document)
	}
}

// Broadcast delivers frame to every connection on the document except
// origin. Closed sockets are skipped and per-socket send failures are logged
// and swallowed: one dead peer must not block delivery to the rest.
func (h *Hub) Broadcast(document string, frame []byte, origin *Conn) {
	h.mu.Lock()
	peers := make([]*Conn, 0, len(h.conns[document]))
	for c := range h.conns[document] {
		if c != origin {
			peers = append(peers, c)
		}
	}
	h.mu.Unlock()

	for _, c := range peers {
		if c.isClosed() {
			continue
		}
		if err := c.send(frame); err != nil {
			h.logger.Warn("failed to deliver broadcast",
				"document", document, "conn", c.id, "error", err)
		}
	}
}

// Connections reports the number of live connections for a document.
func (h *Hub) Connections(document string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[document])
}

// CloseAll closes every tracked connection; this is phase one of shutdown,
// run before the update log is flushed.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var all []*Conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.conns = make(map[string]map[*Conn]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
}

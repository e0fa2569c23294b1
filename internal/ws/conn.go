// Package ws carries the collaborative sync protocol over WebSocket: it
// upgrades gated connections, tracks them per document, and drives the
// three-message binary exchange that keeps replicas converged.
package ws

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// socket is the slice of *websocket.Conn the engine relies on, extracted so
// the hub and protocol handler are testable without network sockets.
type socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ socket = (*websocket.Conn)(nil)

// Conn is one live collaborator socket, bound to a single document and user
// identity for its whole lifetime.
type Conn struct {
	id       string
	document string
	userID   string

	sock   socket
	closed atomic.Bool

	// gorilla/websocket allows a single concurrent writer; writeMu
	// serializes sends from the protocol handler and hub broadcasts.
	writeMu sync.Mutex
}

func newConn(sock socket, document, userID string) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		document: document,
		userID:   userID,
		sock:     sock,
	}
}

// Document returns the document name the connection is bound to.
func (c *Conn) Document() string { return c.document }

// UserID returns the authenticated identity behind the connection.
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteMessage(websocket.BinaryMessage, frame)
}

// Close is idempotent; the read loop and the hub's shutdown path may both
// trigger it.
func (c *Conn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.sock.Close()
	}
}

func (c *Conn) isClosed() bool {
	return c.closed.Load()
}

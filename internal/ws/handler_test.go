package ws

import (
	"context"
	"encoding/binary"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penflow/syncd/internal/auth"
	"github.com/penflow/syncd/internal/crdt"
	"github.com/penflow/syncd/internal/registry"
	"github.com/penflow/syncd/internal/updatelog"
)

// fakeDocument stands in for the CRDT capability: state is the concatenation
// of applied updates, the state vector is the update count.
type fakeDocument struct {
	mu      sync.Mutex
	updates [][]byte
}

func newFakeDocument() crdt.Document { return &fakeDocument{} }

func (d *fakeDocument) ApplyUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(update))
	copy(cp, update)
	d.updates = append(d.updates, cp)
	return nil
}

func (d *fakeDocument) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var state []byte
	for _, u := range d.updates {
		state = append(state, u...)
	}
	return state, nil
}

func (d *fakeDocument) EncodeStateVector() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	vector := make([]byte, 8)
	binary.BigEndian.PutUint64(vector, uint64(len(d.updates)))
	return vector, nil
}

func (d *fakeDocument) DiffSince(vector []byte) ([]byte, error) {
	var seen uint64
	if len(vector) == 8 {
		seen = binary.BigEndian.Uint64(vector)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var diff []byte
	for i := int(seen); i < len(d.updates); i++ {
		diff = append(diff, d.updates[i]...)
	}
	return diff, nil
}

type allowAllOracle struct{}

func (allowAllOracle) CanAccess(context.Context, string, string) (bool, error) {
	return true, nil
}

type denyAllOracle struct{}

func (denyAllOracle) CanAccess(context.Context, string, string) (bool, error) {
	return false, nil
}

type staticVerifier struct{ userID string }

func (v staticVerifier) Verify(string) (*auth.Claims, error) {
	return &auth.Claims{UserID: v.userID}, nil
}

type syncFixture struct {
	server *httptest.Server
	log    *updatelog.Log
}

func newSyncFixture(t *testing.T, gate *auth.Gate) *syncFixture {
	t.Helper()
	logger := testLogger()

	l, err := updatelog.Open(filepath.Join(t.TempDir(), "updates.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, l.Close()) })

	reg := registry.New(l, newFakeDocument, logger)
	handler := NewHandler(reg, NewHub(logger), gate, logger)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &syncFixture{server: srv, log: l}
}

func devGate() *auth.Gate {
	return auth.NewGate(staticVerifier{userID: "dev"}, allowAllOracle{}, true, testLogger())
}

func (f *syncFixture) dial(t *testing.T, document, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sync/" + document + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.NotEmpty(t, data)
	return data
}

func TestHandler_SendsFullStateOnConnect(t *testing.T) {
	f := newSyncFixture(t, devGate())

	conn := f.dial(t, "doc-42", "")
	data := readFrame(t, conn)
	assert.Equal(t, frameStateVector, data[0])
	assert.Empty(t, data[1:]) // nothing applied yet
}

func TestHandler_AnswersStateVectorWithDiff(t *testing.T) {
	f := newSyncFixture(t, devGate())
	conn := f.dial(t, "doc-42", "")
	readFrame(t, conn) // initial full state

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		append([]byte{frameUpdate}, []byte("delta-1")...)))

	// A fresh state vector (zero updates seen) requests the full history.
	vector := make([]byte, 8)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
		append([]byte{frameStateVector}, vector...)))

	data := readFrame(t, conn)
	assert.Equal(t, frameStateResponse, data[0])
	assert.Equal(t, "delta-1", string(data[1:]))
}

func TestHandler_BroadcastsToPeersNotOrigin(t *testing.T) {
	f := newSyncFixture(t, devGate())

	connA := f.dial(t, "doc-42", "")
	readFrame(t, connA)
	connB := f.dial(t, "doc-42", "")
	readFrame(t, connB)

	payload := []byte("concurrent-edit")
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage,
		append([]byte{frameUpdate}, payload...)))

	// B receives the broadcast with identical payload bytes.
	data := readFrame(t, connB)
	assert.Equal(t, frameUpdate, data[0])
	assert.Equal(t, payload, data[1:])

	// A must not see its own update come back.
	require.NoError(t, connA.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := connA.ReadMessage()
	assert.Error(t, err)
}

func TestHandler_MalformedFrameKeepsSessionAlive(t *testing.T) {
	f := newSyncFixture(t, devGate())

	connA := f.dial(t, "doc-42", "")
	readFrame(t, connA)
	connB := f.dial(t, "doc-42", "")
	readFrame(t, connB)

	// Text frames and unknown discriminants are dropped, not fatal.
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x01}))

	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage,
		append([]byte{frameUpdate}, []byte("still-alive")...)))

	data := readFrame(t, connB)
	assert.Equal(t, frameUpdate, data[0])
	assert.Equal(t, "still-alive", string(data[1:]))
}

func TestHandler_ReconnectSeesAppliedUpdates(t *testing.T) {
	f := newSyncFixture(t, devGate())

	connA := f.dial(t, "doc-42", "")
	readFrame(t, connA)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage,
		append([]byte{frameUpdate}, []byte("survives")...)))

	// Give the server a moment to apply before disconnecting.
	vector := make([]byte, 8)
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage,
		append([]byte{frameStateVector}, vector...)))
	readFrame(t, connA)
	require.NoError(t, connA.Close())

	connC := f.dial(t, "doc-42", "")
	data := readFrame(t, connC)
	assert.Equal(t, frameStateVector, data[0])
	assert.Equal(t, "survives", string(data[1:]))
}

func TestHandler_RejectsWithoutTokenInProduction(t *testing.T) {
	gate := auth.NewGate(auth.NewJWTVerifier("secret"), allowAllOracle{}, false, testLogger())
	f := newSyncFixture(t, gate)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sync/doc-42"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHandler_RejectsForbiddenUser(t *testing.T) {
	gate := auth.NewGate(staticVerifier{userID: "outsider"}, denyAllOracle{}, false, testLogger())
	f := newSyncFixture(t, gate)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sync/doc-42?token=whatever"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 403, resp.StatusCode)
}

func TestHandler_RejectsMissingDocumentName(t *testing.T) {
	f := newSyncFixture(t, devGate())

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/sync/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

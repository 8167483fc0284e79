package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/contextd/internal/bus"
)

func dialTestHub(t *testing.T, hub *Hub, clientID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, clientID)
	}))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubReportsActivityPerFrame(t *testing.T) {
	hub := NewHub(newTestEndpoint(t), bus.New(nil), nil)
	touched := make(chan string, 8)
	hub.OnActivity = func(connID string) { touched <- connID }

	conn := dialTestHub(t, hub, "conn-1")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))

	select {
	case id := <-touched:
		assert.Equal(t, "conn-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no activity callback for the inbound frame")
	}

	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestHubServesJSONRPCOverSocket(t *testing.T) {
	hub := NewHub(newTestEndpoint(t, echoTool()), bus.New(nil), nil)
	conn := dialTestHub(t, hub, "conn-rpc")

	req := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp struct {
		Result map[string]any `json:"result"`
	}
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, "hi", resp.Result["echo"])
}

func TestHubCloseClientDisconnects(t *testing.T) {
	hub := NewHub(newTestEndpoint(t), bus.New(nil), nil)
	conn := dialTestHub(t, hub, "conn-2")

	require.Eventually(t, func() bool { return hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.CloseClient("conn-2")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server closed the socket")
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

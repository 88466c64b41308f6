package agentproto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestConnSendAndReceiveRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan Envelope, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := NewConn(context.Background(), ws, func(env Envelope) {
			received <- env
		})
		t.Cleanup(func() { _ = conn.Close() })
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer clientConn.Close()

	env, err := Encode(TypeHello, Hello{AgentID: "agent-1"})
	require.NoError(t, err)
	require.NoError(t, clientConn.WriteJSON(env))

	select {
	case got := <-received:
		require.Equal(t, TypeHello, got.Type)
		var hello Hello
		require.NoError(t, got.Decode(&hello))
		require.Equal(t, "agent-1", hello.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive message")
	}
}

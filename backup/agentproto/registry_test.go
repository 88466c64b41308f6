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

	"github.com/relaybackup/engine/backup/store"
)

func dialPair(t *testing.T, handler Handler) (*Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var serverConn *Conn
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = NewConn(context.Background(), ws, handler)
		close(ready)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	<-ready
	cleanup := func() {
		_ = clientWS.Close()
		_ = serverConn.Close()
		srv.Close()
	}
	return serverConn, clientWS, cleanup
}

func TestRegistryIsConnectedAfterRegister(t *testing.T) {
	reg := NewRegistry()
	conn, _, cleanup := dialPair(t, func(Envelope) {})
	defer cleanup()

	require.False(t, reg.IsConnected("agent-1"))
	reg.Register("agent-1", conn)
	require.True(t, reg.IsConnected("agent-1"))

	reg.Unregister("agent-1", conn)
	require.False(t, reg.IsConnected("agent-1"))
}

func TestRegistryDispatchSendsTask(t *testing.T) {
	reg := NewRegistry()
	received := make(chan Envelope, 1)
	conn, clientWS, cleanup := dialPair(t, func(Envelope) {})
	defer cleanup()

	go func() {
		var env Envelope
		if err := clientWS.ReadJSON(&env); err == nil {
			received <- env
		}
	}()

	reg.Register("agent-1", conn)
	job := store.Job{ID: "job-1", Spec: []byte(`{"kind":"filesystem"}`)}
	run := store.Run{ID: "run-1", JobID: "job-1"}
	require.NoError(t, reg.Dispatch(context.Background(), "agent-1", job, run))

	select {
	case env := <-received:
		require.Equal(t, TypeTask, env.Type)
		var task Task
		require.NoError(t, env.Decode(&task))
		require.Equal(t, "run-1", task.RunID)
		require.Equal(t, "job-1", task.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched task")
	}
}

func TestRegistryDispatchFailsWhenNotConnected(t *testing.T) {
	reg := NewRegistry()
	err := reg.Dispatch(context.Background(), "ghost", store.Job{}, store.Run{})
	require.Error(t, err)
}

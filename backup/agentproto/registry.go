package agentproto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relaybackup/engine/backup/store"
)

// Registry tracks every currently-connected agent's Conn, keyed by
// agent id, and implements the scheduler's AgentDispatcher contract
// directly against it (§4.7 "the scheduler checks is_connected before
// dispatch").
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register records conn as agentID's active connection, replacing any
// prior connection for the same id (a reconnect supersedes the old
// socket rather than being rejected).
func (r *Registry) Register(agentID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[agentID]; ok {
		_ = old.Close()
	}
	r.conns[agentID] = conn
}

// Unregister removes agentID's connection if it is still the one
// passed in (a superseded connection's own close must not evict the
// newer one).
func (r *Registry) Unregister(agentID string, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[agentID]; ok && current == conn {
		delete(r.conns, agentID)
	}
}

// IsConnected reports whether agentID currently holds an open
// connection.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentID]
	return ok
}

// ConnectedAgentIDs lists every agent with an open connection, for the
// read-only `GET /api/agents` endpoint.
func (r *Registry) ConnectedAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch sends job's spec to agentID as a Task message. Persisting
// the idempotent agent_tasks row is the caller's responsibility
// (typically done just before calling Dispatch) so a crash between
// the two never loses the fact that this run was handed to an agent.
func (r *Registry) Dispatch(ctx context.Context, agentID string, job store.Job, run store.Run) error {
	r.mu.RLock()
	conn, ok := r.conns[agentID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agentproto: agent %s is not connected", agentID)
	}

	task := Task{
		TaskID: uuid.NewString(),
		RunID:  run.ID,
		JobID:  job.ID,
		Spec:   json.RawMessage(job.Spec),
	}
	return conn.SendTyped(TypeTask, task)
}

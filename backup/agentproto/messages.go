// Package agentproto implements the hub<->agent control-plane
// protocol (C11): framed JSON messages exchanged over a duplex
// gorilla/websocket connection, used to dispatch runs, stream run
// events, and push snapshot/secret/config updates to a connected
// agent.
package agentproto

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is pinned per message so a hub and agent on
// mismatched releases fail fast instead of misinterpreting a payload
// (§6 "protocol version pinned per message").
const ProtocolVersion = 1

// Type identifies a message's payload shape.
type Type string

const (
	TypeHello              Type = "hello"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeAck                Type = "ack"
	TypeRunEvent           Type = "run_event"
	TypeTaskResult         Type = "task_result"
	TypeTask               Type = "task"
	TypeSnapshotDeleteTask Type = "snapshot_delete_task"
	TypeSecretsSnapshot    Type = "secrets_snapshot"
	TypeConfigSnapshot     Type = "config_snapshot"
)

// Envelope is the wire frame every message travels in: a discriminator
// plus the pinned protocol version, with the actual payload held as
// raw JSON until Type is known.
type Envelope struct {
	Version int             `json:"version"`
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload into a versioned Envelope ready to send.
func Encode(t Type, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("agentproto: encoding %s payload: %w", t, err)
	}
	return Envelope{Version: ProtocolVersion, Type: t, Payload: raw}, nil
}

// Decode unmarshals e.Payload into v, matching json.Unmarshal's
// semantics (v must be a pointer).
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("agentproto: decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// Hello is the first message an agent sends after connecting,
// identifying itself and its reported capabilities.
type Hello struct {
	AgentID      string   `json:"agent_id"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ResourceSnapshot is the shirou/gopsutil-sourced resource usage
// attached to every Ping (§6, C16).
type ResourceSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	DiskFreeBytes uint64  `json:"disk_free_bytes"`
}

// Ping is sent periodically hub<->agent to keep the connection alive
// and, agent->hub, carries the resource snapshot.
type Ping struct {
	Resources *ResourceSnapshot `json:"resources,omitempty"`
}

// Pong acknowledges a Ping.
type Pong struct{}

// Ack acknowledges receipt of a dispatched TaskID without implying
// completion.
type Ack struct {
	TaskID string `json:"task_id"`
}

// RunEvent streams one append-only event for a run in progress,
// mirroring the hub-side events.Event shape over the wire.
type RunEvent struct {
	RunID   string          `json:"run_id"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// TaskResult reports a dispatched run's terminal outcome back to the
// hub.
type TaskResult struct {
	TaskID  string          `json:"task_id"`
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"`
	Summary json.RawMessage `json:"summary,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

// Task dispatches a run to an agent: the job's resolved spec plus
// identifying ids (hub -> agent).
type Task struct {
	TaskID string          `json:"task_id"`
	RunID  string          `json:"run_id"`
	JobID  string          `json:"job_id"`
	Spec   json.RawMessage `json:"spec"`
}

// SnapshotDeleteTask instructs the agent to delete a target run
// directory directly (used by the artifact-delete reconciler when an
// agent, not the hub, has target access).
type SnapshotDeleteTask struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id"`
}

// SecretsSnapshot pushes the agent's resolved encrypted credentials
// (hub -> agent); the agent never fetches secrets itself.
type SecretsSnapshot struct {
	KID        string            `json:"kid"`
	Ciphertext map[string][]byte `json:"ciphertext"`
}

// ConfigSnapshot pushes the agent's resolved job/target configuration
// (hub -> agent), sent on (re)connect and whenever a job it owns
// changes.
type ConfigSnapshot struct {
	Jobs json.RawMessage `json:"jobs"`
}

// Package store is the hub's Postgres-backed metadata store: runs,
// jobs, and the reconciler task table the three loops share (C12). Every row layout
// mirrors §3's data model; claim operations use a single-row
// `UPDATE ... RETURNING` so a row is claimed by exactly one worker.
package store

import (
	"encoding/json"
	"time"
)

// RunStatus is a run's lifecycle state (§3). Transitions are
// monotonic: queued -> running -> {success, failed, rejected}.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// Terminal reports whether s is a terminal status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunRejected:
		return true
	default:
		return false
	}
}

// Run is one invocation of a job (§3).
type Run struct {
	ID             string
	JobID          string
	Status         RunStatus
	StartedAt      time.Time
	EndedAt        *time.Time
	Summary        []byte // JSON, present iff terminal
	Error          *string
	ErrorCode      *string
	TargetSnapshot []byte // JSON, the resolved target config at enqueue time
	// ArtifactDeleteRequestedAt is set by RequestArtifactDeletion and
	// makes the run a candidate for C8's artifact-delete loop.
	ArtifactDeleteRequestedAt *time.Time
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// OverlapPolicy controls what happens when a run is requested while
// another run for the same job is queued or running.
type OverlapPolicy string

const (
	OverlapQueue  OverlapPolicy = "queue"
	OverlapReject OverlapPolicy = "reject"
)

// Job is a configured, possibly scheduled backup job (§3).
type Job struct {
	ID               string
	Name             string
	AgentID          *string
	Schedule         *string
	ScheduleTimezone string
	OverlapPolicy    OverlapPolicy
	Spec             []byte // JSON tagged union: filesystem | sqlite | vaultwarden
	ArchivedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TargetSnapshot extracts the raw "target" sub-document from Spec for
// handing to scheduler.Enqueue, which persists it verbatim onto the
// run row so later reconciliation never needs a live job lookup to
// know where a run's artifacts live. Returns nil if Spec does not
// decode or carries no target key.
func (j Job) TargetSnapshot() []byte {
	var envelope struct {
		Target json.RawMessage `json:"target"`
	}
	if err := json.Unmarshal(j.Spec, &envelope); err != nil {
		return nil
	}
	if len(envelope.Target) == 0 {
		return nil
	}
	return []byte(envelope.Target)
}

// TargetType reads the "type" discriminator out of a target
// snapshot, e.g. "local_dir" or "webdav".
func TargetType(targetSnapshot []byte) string {
	var t struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(targetSnapshot, &t); err != nil {
		return ""
	}
	return t.Type
}

// TaskStatus is a reconciler task row's lifecycle state (§3).
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskBlocked   TaskStatus = "blocked"
	TaskDone      TaskStatus = "done"
	TaskAbandoned TaskStatus = "abandoned"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether s is a terminal task status (§8: no
// further transitions once done/abandoned/canceled).
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskDone, TaskAbandoned, TaskCanceled:
		return true
	default:
		return false
	}
}

// TaskKind names which reconciler loop owns a task row (§4.8).
type TaskKind string

const (
	TaskKindNotification       TaskKind = "notification"
	TaskKindIncompleteCleanup  TaskKind = "incomplete_cleanup"
	TaskKindArtifactDelete     TaskKind = "artifact_delete"
)

// Task is one row of the reconciler task table (§3). All three loops
// share that table and its row shape; Kind says which loop owns a row.
type Task struct {
	RunID          string
	JobID          string
	Kind           TaskKind
	NodeID         string
	TargetType     string
	TargetSnapshot []byte
	Status         TaskStatus
	Attempts       int
	NextAttemptAt  time.Time
	LastAttemptAt  *time.Time
	LastErrorKind  *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AgentTask records a run dispatched to a connected agent, keyed by
// run_id so redispatch on reconnect is idempotent (§4.7).
type AgentTask struct {
	RunID     string
	AgentID   string
	Task      []byte // JSON-encoded Task control-plane message
	Status    string // dispatched | acked | completed
	CreatedAt time.Time
	UpdatedAt time.Time
}

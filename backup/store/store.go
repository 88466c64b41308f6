package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("store: not found")

// RunStore owns the runs table: creation at enqueue time, the
// single-row atomic claim the scheduler's worker loop performs, and
// the terminal-state transition every run eventually reaches (§4.7,
// §5 "exclusive claim via UPDATE ... WHERE status = 'queued' ...
// RETURNING").
type RunStore interface {
	CreateRun(ctx context.Context, run Run) (Run, error)
	GetRun(ctx context.Context, id string) (Run, error)
	// ActiveRunExists reports whether jobID has a run in
	// queued|running, used by the overlap-policy check at enqueue
	// time (§4.7).
	ActiveRunExists(ctx context.Context, jobID string) (bool, error)
	// ClaimNextQueuedRun atomically transitions one queued run to
	// running and returns it, or (Run{}, false, nil) when none are
	// queued.
	ClaimNextQueuedRun(ctx context.Context) (Run, bool, error)
	// FinishRun transitions run to a terminal status, setting
	// ended_at/summary/error/error_code.
	FinishRun(ctx context.Context, id string, status RunStatus, summary []byte, errorMsg, errorCode *string) error
	// RecoverStuckRunning fails any run still in `running` whose
	// updated_at predates cutoff (error_code stuck_running) and returns
	// how many runs it changed. No loop in the hub calls it.
	RecoverStuckRunning(ctx context.Context, cutoff time.Time) (int, error)
	// RequestArtifactDeletion records that a terminal run's stored
	// artifacts should be removed, making it a candidate for C8's
	// artifact-delete loop on its next sweep.
	RequestArtifactDeletion(ctx context.Context, id string) error
}

// JobStore owns the jobs table.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	GetJob(ctx context.Context, id string) (Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	ArchiveJob(ctx context.Context, id string) error
}

// TaskStore owns one reconciler's tasks. The same interface backs
// all three loops (notification, incomplete-cleanup,
// artifact-delete); NewPostgresTaskStore is parameterized by
// TaskKind, which scopes every query to that kind's rows of the
// shared task table.
type TaskStore interface {
	// Upsert inserts a queued task for runID if one does not already
	// exist (idempotent candidate creation, §4.8 "reconcile new
	// candidates").
	Upsert(ctx context.Context, task Task) error
	// ClaimBatch atomically claims up to limit tasks whose
	// next_attempt_at <= now and status in (queued, retrying),
	// transitioning them to running.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// RecoverStuckRunning transitions any task whose status is
	// running and last_attempt_at < cutoff back to retrying with a
	// short backoff, recording "stuck running; recovered" (§4.8).
	RecoverStuckRunning(ctx context.Context, cutoff time.Time) (int, error)
	// MarkRetrying schedules the next attempt after a recoverable
	// failure.
	MarkRetrying(ctx context.Context, runID string, nextAttemptAt time.Time, errKind, errMsg string) error
	// MarkBlocked moves a task to blocked, recording nextAttemptAt and
	// the error. ClaimBatch does not claim blocked rows, so no further
	// attempt is made on them.
	MarkBlocked(ctx context.Context, runID string, nextAttemptAt time.Time, errKind, errMsg string) error
	// MarkDone/MarkAbandoned/MarkCanceled transition to a terminal
	// status; further transitions are rejected by callers checking
	// Status.Terminal() before calling these again.
	MarkDone(ctx context.Context, runID string) error
	MarkAbandoned(ctx context.Context, runID string, reason string) error
	MarkCanceled(ctx context.Context, runID string, reason string) error
	// NextDueAt returns the earliest next_attempt_at among queued or
	// retrying tasks, used to compute the loop's sleep duration.
	NextDueAt(ctx context.Context) (time.Time, bool, error)
}

// AgentTaskStore owns the agent_tasks table (§4.7 "persist an
// agent_tasks row keyed by run_id (idempotent: redispatch on
// reconnect)").
type AgentTaskStore interface {
	Upsert(ctx context.Context, t AgentTask) error
	Get(ctx context.Context, runID string) (AgentTask, bool, error)
	MarkStatus(ctx context.Context, runID, status string) error
}

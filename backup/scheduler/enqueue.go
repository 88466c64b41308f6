package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaybackup/engine/backup/store"
)

// Enqueue creates a new run for job, resolving overlap policy at
// enqueue time rather than at execution time: when the job's policy
// is "reject" and another run for the job is already queued or
// running, the new run is created directly in `rejected` with
// ended_at set to now instead of being queued (§4.7).
func Enqueue(ctx context.Context, runs store.RunStore, job store.Job, targetSnapshot []byte, now time.Time) (store.Run, error) {
	run := store.Run{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		Status:         store.RunQueued,
		StartedAt:      now,
		TargetSnapshot: targetSnapshot,
	}

	if job.OverlapPolicy == store.OverlapReject {
		active, err := runs.ActiveRunExists(ctx, job.ID)
		if err != nil {
			return store.Run{}, fmt.Errorf("scheduler: checking active runs for job %s: %w", job.ID, err)
		}
		if active {
			ended := now
			run.Status = store.RunRejected
			run.EndedAt = &ended
			rejectMsg := "rejected: an overlapping run is already queued or running"
			rejectCode := "overlap_rejected"
			run.Error = &rejectMsg
			run.ErrorCode = &rejectCode
			return runs.CreateRun(ctx, run)
		}
	}

	return runs.CreateRun(ctx, run)
}

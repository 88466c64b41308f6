package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/backup/target"
	"github.com/relaybackup/engine/internal/errkind"
)

// ArtifactDeleteQueue is the subset of store access the artifact-
// delete loop needs beyond its own task table: discovering runs whose
// run_artifact row requests deletion.
type ArtifactDeleteQueue interface {
	// RunsPendingDeletion returns run/job id pairs whose stored
	// artifacts should be removed and that do not yet have an
	// artifact_delete task.
	RunsPendingDeletion(ctx context.Context) ([]RunRef, error)
}

// RunRef names a run's job and resolved target for target-path
// construction, carried straight onto the task row so Process never
// needs a live job lookup to know where a run's artifacts live.
type RunRef struct {
	RunID          string
	JobID          string
	TargetType     string
	TargetSnapshot []byte
}

// TargetResolver resolves the Target a run's artifacts live on from
// the task row's persisted target_snapshot, so the reconciler never
// needs a live job lookup to know where to delete from.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, targetType string, targetSnapshot []byte) (target.Target, error)
}

// ArtifactDeleteProcessor implements Processor for C8's artifact-
// delete loop (§4.8): for runs whose run_artifact row requests
// deletion, delete the remote run directory; skip gracefully when
// already absent; require a bastion marker before removing a
// local_dir run directory so a misconfigured path never gets wiped.
type ArtifactDeleteProcessor struct {
	Queue    ArtifactDeleteQueue
	Tasks    store.TaskStore
	Resolver TargetResolver
}

func (p *ArtifactDeleteProcessor) ReconcileCandidates(ctx context.Context, now time.Time) error {
	refs, err := p.Queue.RunsPendingDeletion(ctx)
	if err != nil {
		return fmt.Errorf("artifactdelete: listing pending deletions: %w", err)
	}
	for _, ref := range refs {
		if err := p.Tasks.Upsert(ctx, store.Task{
			RunID: ref.RunID, JobID: ref.JobID, Kind: store.TaskKindArtifactDelete,
			TargetType: ref.TargetType, TargetSnapshot: ref.TargetSnapshot,
			Status: store.TaskQueued, NextAttemptAt: now,
		}); err != nil {
			return fmt.Errorf("artifactdelete: upserting task for run %s: %w", ref.RunID, err)
		}
	}
	return nil
}

func (p *ArtifactDeleteProcessor) Process(ctx context.Context, task store.Task, now time.Time) Outcome {
	tgt, err := p.Resolver.ResolveTarget(ctx, task.TargetType, task.TargetSnapshot)
	if err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	runStore := target.NewRunStore(tgt)

	if task.TargetType == "local_dir" {
		hasMarker, err := runStore.HasBastionMarkers(ctx, task.JobID, task.RunID)
		if err != nil {
			return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
		}
		if !hasMarker {
			// Nothing at this path is recognizably a backup run
			// directory; deleting it would risk unrelated content at
			// a misconfigured local_dir path, so treat as already
			// clean rather than touching the filesystem.
			return Outcome{Status: store.TaskDone}
		}
	}

	if _, err := runStore.DeleteRunDir(ctx, task.JobID, task.RunID); err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	return Outcome{Status: store.TaskDone}
}

// truncate shortens err strings kept in the task row to a bounded
// sample, using a real ellipsis rune rather than the mojibake byte
// sequence the donor text carried (§9).
func truncate(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

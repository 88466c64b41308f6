package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/backup/target"
	"github.com/relaybackup/engine/internal/errkind"
)

// IncompleteCleanupQueue discovers finished-or-stale runs that lack a
// complete.json and have no cleanup task yet.
type IncompleteCleanupQueue interface {
	// RunsPastCutoff returns runs older than cutoff whose target has
	// not been confirmed complete, for candidate creation.
	RunsPastCutoff(ctx context.Context, cutoff time.Time) ([]RunRef, error)
}

// IncompleteCleanupProcessor implements Processor for C8's
// incomplete-run cleanup loop (§4.8): for runs past a configurable
// age whose target has no complete.json, delete the remote run
// directory. Presence of complete.json is itself the "skip, nothing
// to clean up" signal.
type IncompleteCleanupProcessor struct {
	Queue       IncompleteCleanupQueue
	Tasks       store.TaskStore
	Resolver    TargetResolver
	CutoffAfter time.Duration // e.g. 7 days
}

func (p *IncompleteCleanupProcessor) ReconcileCandidates(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-p.CutoffAfter)
	refs, err := p.Queue.RunsPastCutoff(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("incompletecleanup: listing candidates: %w", err)
	}
	for _, ref := range refs {
		if err := p.Tasks.Upsert(ctx, store.Task{
			RunID: ref.RunID, JobID: ref.JobID, Kind: store.TaskKindIncompleteCleanup,
			TargetType: ref.TargetType, TargetSnapshot: ref.TargetSnapshot,
			Status: store.TaskQueued, NextAttemptAt: now,
		}); err != nil {
			return fmt.Errorf("incompletecleanup: upserting task for run %s: %w", ref.RunID, err)
		}
	}
	return nil
}

func (p *IncompleteCleanupProcessor) Process(ctx context.Context, task store.Task, now time.Time) Outcome {
	tgt, err := p.Resolver.ResolveTarget(ctx, task.TargetType, task.TargetSnapshot)
	if err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	runStore := target.NewRunStore(tgt)

	complete, err := runStore.IsComplete(ctx, task.JobID, task.RunID)
	if err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	if complete {
		// skip_complete: the run finished consistently after this
		// task was created; nothing to delete.
		return Outcome{Status: store.TaskDone}
	}

	if task.TargetType == "local_dir" {
		hasMarker, err := runStore.HasBastionMarkers(ctx, task.JobID, task.RunID)
		if err != nil {
			return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
		}
		if !hasMarker {
			return Outcome{Status: store.TaskDone}
		}
	}

	if _, err := runStore.DeleteRunDir(ctx, task.JobID, task.RunID); err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	return Outcome{Status: store.TaskDone}
}

package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/internal/errkind"
)

// ErrDestinationGone is returned by Notifier.Send when the
// destination's channel has been disabled or deleted since the task
// was created; the loop marks such tasks canceled, not failed (§4.8).
var ErrDestinationGone = fmt.Errorf("notifications: destination disabled or deleted")

// Payload is the rendered notification content handed to a channel
// formatter (WeCom/SMTP formatting itself is an external collaborator
// per §1 scope; this is the interface the core produces).
type Payload struct {
	RunID   string
	JobID   string
	Subject string
	Body    string
}

// Notifier is the external collaborator that actually delivers a
// rendered Payload to a destination (channel-specific formatting and
// transport live outside this module's scope).
type Notifier interface {
	Send(ctx context.Context, destinationID string, payload Payload) error
}

// NotificationQueue discovers runs that just finished and need a
// notification dispatched, and resolves the destination + run summary
// needed to render one.
type NotificationQueue interface {
	RunsNeedingNotification(ctx context.Context) ([]RunRef, error)
	ResolveDestination(ctx context.Context, jobID string) (destinationID string, ok bool, err error)
	RenderPayload(ctx context.Context, runID, jobID, destinationID string) (Payload, error)
}

// NotificationProcessor implements Processor for C8's notification
// loop (§4.8): resolve destination secret + channel settings, render
// a templated payload from the run summary, send it; on
// destination-disabled/deleted, mark canceled rather than failed.
type NotificationProcessor struct {
	Queue    NotificationQueue
	Tasks    store.TaskStore
	Notifier Notifier
}

func (p *NotificationProcessor) ReconcileCandidates(ctx context.Context, now time.Time) error {
	refs, err := p.Queue.RunsNeedingNotification(ctx)
	if err != nil {
		return fmt.Errorf("notifications: listing candidates: %w", err)
	}
	for _, ref := range refs {
		if err := p.Tasks.Upsert(ctx, store.Task{
			RunID: ref.RunID, JobID: ref.JobID, Kind: store.TaskKindNotification,
			TargetType: ref.TargetType, TargetSnapshot: ref.TargetSnapshot,
			Status: store.TaskQueued, NextAttemptAt: now,
		}); err != nil {
			return fmt.Errorf("notifications: upserting task for run %s: %w", ref.RunID, err)
		}
	}
	return nil
}

func (p *NotificationProcessor) Process(ctx context.Context, task store.Task, now time.Time) Outcome {
	destinationID, ok, err := p.Queue.ResolveDestination(ctx, task.JobID)
	if err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	if !ok {
		return Outcome{Status: store.TaskCanceled, Reason: "notification destination disabled or deleted"}
	}

	payload, err := p.Queue.RenderPayload(ctx, task.RunID, task.JobID, destinationID)
	if err != nil {
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}

	if err := p.Notifier.Send(ctx, destinationID, payload); err != nil {
		if err == ErrDestinationGone {
			return Outcome{Status: store.TaskCanceled, Reason: "notification destination disabled or deleted"}
		}
		return Outcome{Status: store.TaskRetrying, ErrorKind: string(errkind.Classify(err, 0)), Error: truncate(err.Error())}
	}
	return Outcome{Status: store.TaskDone}
}

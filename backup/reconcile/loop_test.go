package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/relaybackup/engine/backup/store"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*store.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*store.Task)}
}

func (f *fakeTaskStore) Upsert(_ context.Context, task store.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[task.RunID]; ok {
		return nil
	}
	t := task
	t.CreatedAt = time.Now().UTC()
	t.UpdatedAt = t.CreatedAt
	f.tasks[task.RunID] = &t
	return nil
}

func (f *fakeTaskStore) ClaimBatch(_ context.Context, now time.Time, limit int) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Task
	for _, t := range f.tasks {
		if len(out) >= limit {
			break
		}
		if (t.Status == store.TaskQueued || t.Status == store.TaskRetrying) && !t.NextAttemptAt.After(now) {
			t.Status = store.TaskRunning
			t.Attempts++
			la := now
			t.LastAttemptAt = &la
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTaskStore) RecoverStuckRunning(_ context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

func (f *fakeTaskStore) MarkRetrying(_ context.Context, runID string, next time.Time, errKind, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[runID].Status = store.TaskRetrying
	f.tasks[runID].NextAttemptAt = next
	return nil
}

func (f *fakeTaskStore) MarkBlocked(_ context.Context, runID string, next time.Time, errKind, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[runID].Status = store.TaskBlocked
	f.tasks[runID].NextAttemptAt = next
	return nil
}

func (f *fakeTaskStore) MarkDone(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[runID].Status = store.TaskDone
	return nil
}

func (f *fakeTaskStore) MarkAbandoned(_ context.Context, runID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[runID].Status = store.TaskAbandoned
	return nil
}

func (f *fakeTaskStore) MarkCanceled(_ context.Context, runID string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[runID].Status = store.TaskCanceled
	return nil
}

func (f *fakeTaskStore) NextDueAt(_ context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range f.tasks {
		if t.Status == store.TaskQueued || t.Status == store.TaskRetrying {
			if !found || t.NextAttemptAt.Before(best) {
				best = t.NextAttemptAt
				found = true
			}
		}
	}
	return best, found, nil
}

func (f *fakeTaskStore) get(runID string) store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[runID]
}

type fakeProcessor struct {
	outcome func(task store.Task) Outcome
}

func (p *fakeProcessor) ReconcileCandidates(context.Context, time.Time) error { return nil }

func (p *fakeProcessor) Process(_ context.Context, task store.Task, _ time.Time) Outcome {
	return p.outcome(task)
}

func TestLoopClaimsAndMarksDone(t *testing.T) {
	tasks := newFakeTaskStore()
	require.NoError(t, tasks.Upsert(context.Background(), store.Task{
		RunID: "r1", JobID: "j1", Kind: store.TaskKindArtifactDelete, NextAttemptAt: time.Now().UTC(),
	}))

	proc := &fakeProcessor{outcome: func(store.Task) Outcome { return Outcome{Status: store.TaskDone} }}
	log := logrus.New()
	log.SetOutput(newDiscard())

	loop := NewLoop("test", tasks, proc, log)
	sleep := loop.tick(context.Background())
	require.Equal(t, MaxSleep, sleep)
	require.Equal(t, store.TaskDone, tasks.get("r1").Status)
}

func TestLoopRetriesOnFailureWithBackoff(t *testing.T) {
	tasks := newFakeTaskStore()
	require.NoError(t, tasks.Upsert(context.Background(), store.Task{
		RunID: "r2", JobID: "j1", Kind: store.TaskKindArtifactDelete, NextAttemptAt: time.Now().UTC(),
	}))

	proc := &fakeProcessor{outcome: func(store.Task) Outcome {
		return Outcome{Status: "", ErrorKind: "network", Error: "connection refused"}
	}}
	log := logrus.New()
	log.SetOutput(newDiscard())

	loop := NewLoop("test", tasks, proc, log)
	loop.tick(context.Background())
	task := tasks.get("r2")
	require.Equal(t, store.TaskRetrying, task.Status)
	require.True(t, task.NextAttemptAt.After(time.Now().UTC()))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newDiscard() discard { return discard{} }

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/relaybackup/engine/backup/store"
)

type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*store.Run
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*store.Run)}
}

func (f *fakeRunStore) CreateRun(_ context.Context, run store.Run) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := run
	r.CreatedAt = time.Now().UTC()
	r.UpdatedAt = r.CreatedAt
	f.runs[r.ID] = &r
	return r, nil
}

func (f *fakeRunStore) GetRun(_ context.Context, id string) (store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return *r, nil
}

func (f *fakeRunStore) ActiveRunExists(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.JobID == jobID && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRunStore) ClaimNextQueuedRun(_ context.Context) (store.Run, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.Status == store.RunQueued {
			r.Status = store.RunRunning
			return *r, true, nil
		}
	}
	return store.Run{}, false, nil
}

func (f *fakeRunStore) FinishRun(_ context.Context, id string, status store.RunStatus, summary []byte, errMsg, errCode *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = status
	r.Summary = summary
	r.Error = errMsg
	r.ErrorCode = errCode
	r.EndedAt = &now
	return nil
}

func (f *fakeRunStore) RecoverStuckRunning(context.Context, time.Time) (int, error) { return 0, nil }

type fakeJobStore struct {
	jobs map[string]store.Job
}

func (f *fakeJobStore) CreateJob(_ context.Context, job store.Job) (store.Job, error) {
	f.jobs[job.ID] = job
	return job, nil
}
func (f *fakeJobStore) GetJob(_ context.Context, id string) (store.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobStore) ListActiveJobs(context.Context) ([]store.Job, error) { return nil, nil }
func (f *fakeJobStore) ArchiveJob(context.Context, string) error            { return nil }

type fakeLocalExecutor struct {
	result RunResult
}

func (e *fakeLocalExecutor) Execute(context.Context, store.Job, store.Run) RunResult {
	return e.result
}

type fakeAgentDispatcher struct {
	connected bool
	dispatchErr error
}

func (d *fakeAgentDispatcher) IsConnected(string) bool { return d.connected }
func (d *fakeAgentDispatcher) Dispatch(context.Context, string, store.Job, store.Run) error {
	return d.dispatchErr
}

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(newDiscardWriter())
	return log
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func newDiscardWriter() discardWriter             { return discardWriter{} }

func TestWorkerLocalExecutionSuccess(t *testing.T) {
	runs := newFakeRunStore()
	jobs := &fakeJobStore{jobs: make(map[string]store.Job)}

	job, err := jobs.CreateJob(context.Background(), store.Job{ID: "j1", OverlapPolicy: store.OverlapQueue})
	require.NoError(t, err)
	run, err := runs.CreateRun(context.Background(), store.Run{ID: "r1", JobID: job.ID, Status: store.RunQueued, StartedAt: time.Now().UTC()})
	require.NoError(t, err)

	local := &fakeLocalExecutor{result: RunResult{Status: store.RunSuccess, Summary: []byte(`{"ok":true}`)}}
	w := NewWorker(runs, jobs, nil, local, &fakeAgentDispatcher{}, newTestLogger(), "node-1", time.Millisecond)

	w.processRun(context.Background(), run)

	got, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestWorkerAgentDispatchNotConnectedFails(t *testing.T) {
	runs := newFakeRunStore()
	jobs := &fakeJobStore{jobs: make(map[string]store.Job)}

	agentID := "agent-1"
	job, err := jobs.CreateJob(context.Background(), store.Job{ID: "j2", AgentID: &agentID, OverlapPolicy: store.OverlapQueue})
	require.NoError(t, err)
	run, err := runs.CreateRun(context.Background(), store.Run{ID: "r2", JobID: job.ID, Status: store.RunQueued, StartedAt: time.Now().UTC()})
	require.NoError(t, err)

	w := NewWorker(runs, jobs, nil, &fakeLocalExecutor{}, &fakeAgentDispatcher{connected: false}, newTestLogger(), "node-1", time.Millisecond)
	w.processRun(context.Background(), run)

	got, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, got.Status)
	require.NotNil(t, got.Error)
}

func TestWorkerTickClaimsQueuedRun(t *testing.T) {
	runs := newFakeRunStore()
	jobs := &fakeJobStore{jobs: make(map[string]store.Job)}
	job, err := jobs.CreateJob(context.Background(), store.Job{ID: "j3", OverlapPolicy: store.OverlapQueue})
	require.NoError(t, err)
	_, err = runs.CreateRun(context.Background(), store.Run{ID: "r3", JobID: job.ID, Status: store.RunQueued, StartedAt: time.Now().UTC()})
	require.NoError(t, err)

	local := &fakeLocalExecutor{result: RunResult{Status: store.RunSuccess}}
	w := NewWorker(runs, jobs, nil, local, &fakeAgentDispatcher{}, newTestLogger(), "node-1", time.Millisecond)
	w.tick(context.Background())

	got, err := runs.GetRun(context.Background(), "r3")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, got.Status)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaybackup/engine/backup/store"
)

func TestEnqueueQueuesWhenPolicyAllowsOverlap(t *testing.T) {
	runs := newFakeRunStore()
	job := store.Job{ID: "j1", OverlapPolicy: store.OverlapQueue}

	run, err := Enqueue(context.Background(), runs, job, nil, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, run.Status)
}

func TestEnqueueRejectsWhenPolicyRejectsAndActiveRunExists(t *testing.T) {
	runs := newFakeRunStore()
	job := store.Job{ID: "j2", OverlapPolicy: store.OverlapReject}
	now := time.Now().UTC()

	first, err := Enqueue(context.Background(), runs, job, nil, now)
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, first.Status)

	second, err := Enqueue(context.Background(), runs, job, nil, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.RunRejected, second.Status)
	require.NotNil(t, second.EndedAt)
	require.NotNil(t, second.ErrorCode)
	require.Equal(t, "overlap_rejected", *second.ErrorCode)
}

func TestEnqueueAllowsAfterPriorRunTerminal(t *testing.T) {
	runs := newFakeRunStore()
	job := store.Job{ID: "j3", OverlapPolicy: store.OverlapReject}
	now := time.Now().UTC()

	first, err := Enqueue(context.Background(), runs, job, nil, now)
	require.NoError(t, err)
	errMsg := "done"
	require.NoError(t, runs.FinishRun(context.Background(), first.ID, store.RunSuccess, nil, &errMsg, nil))

	second, err := Enqueue(context.Background(), runs, job, nil, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, store.RunQueued, second.Status)
}

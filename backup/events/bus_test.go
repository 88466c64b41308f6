package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	logs map[string][]Event
}

func newFakeStore() *fakeStore { return &fakeStore{logs: make(map[string][]Event)} }

func (f *fakeStore) Append(_ context.Context, e Event) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Seq = int64(len(f.logs[e.RunID]) + 1)
	f.logs[e.RunID] = append(f.logs[e.RunID], e)
	return e, nil
}

func (f *fakeStore) Since(_ context.Context, runID string, afterSeq int64) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.logs[runID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBusAppendSeqStrictlyIncreasing(t *testing.T) {
	bus := NewBus(newFakeStore())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e, err := bus.AppendAndBroadcast(ctx, "run-1", LevelInfo, "tick", "tick", nil)
		require.NoError(t, err)
		require.Equal(t, int64(i+1), e.Seq)
	}
}

func TestBusBroadcastDeliversToSubscriber(t *testing.T) {
	bus := NewBus(newFakeStore())
	ctx := context.Background()

	ch, cancel := bus.Subscribe("run-1")
	defer cancel()

	_, err := bus.AppendAndBroadcast(ctx, "run-1", LevelInfo, "start", "starting", nil)
	require.NoError(t, err)

	sig := <-ch
	require.NotNil(t, sig.Event)
	require.False(t, sig.Lagged)
	require.Equal(t, "start", sig.Event.Kind)
}

func TestBusResyncAfterLag(t *testing.T) {
	bus := NewBus(newFakeStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := bus.AppendAndBroadcast(ctx, "run-2", LevelInfo, "tick", "tick", nil)
		require.NoError(t, err)
	}

	events, err := bus.ResyncSince(ctx, "run-2", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(2), events[0].Seq)
	require.Equal(t, int64(3), events[1].Seq)
}

package offline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJournalAppendAndFinishRoundTrip(t *testing.T) {
	base := t.TempDir()
	j, err := Open(base, "run-1")
	require.NoError(t, err)

	require.NoError(t, j.AppendEvent("info", "run_started", "starting", nil))
	require.NoError(t, j.AppendEvent("info", "run_finished", "done", nil))
	require.NoError(t, j.Finish(RunRecord{ID: "run-1", JobID: "job-1", Status: "success"}))

	pending, err := ListPending(base)
	require.NoError(t, err)
	require.Equal(t, []string{"run-1"}, pending)

	payload, err := Load(base, "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", payload.Run.ID)
	require.Len(t, payload.Run.Events, 2)
	require.Equal(t, int64(1), payload.Run.Events[0].Seq)
	require.Equal(t, int64(2), payload.Run.Events[1].Seq)

	require.NoError(t, Remove(base, "run-1"))
	pending, err = ListPending(base)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestJournalRejectsEventsPastLimit(t *testing.T) {
	base := t.TempDir()
	j, err := Open(base, "run-2")
	require.NoError(t, err)
	j.events = MaxEvents

	err = j.AppendEvent("info", "x", "x", nil)
	require.Error(t, err)
}

func TestListPendingIgnoresRunsWithoutRunJSON(t *testing.T) {
	base := t.TempDir()
	_, err := Open(base, "run-3")
	require.NoError(t, err)

	pending, err := ListPending(base)
	require.NoError(t, err)
	require.Empty(t, pending)
}

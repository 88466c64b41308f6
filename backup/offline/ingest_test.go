package offline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIngestAllPostsAndRemoves(t *testing.T) {
	base := t.TempDir()
	j, err := Open(base, "run-1")
	require.NoError(t, err)
	require.NoError(t, j.AppendEvent("info", "run_started", "starting", nil))
	require.NoError(t, j.Finish(RunRecord{ID: "run-1", JobID: "job-1", Status: "success"}))

	var gotAuth string
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ing := NewIngester(base, srv.URL, "test-token")
	ingested, err := ing.IngestAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"run-1"}, ingested)
	require.Equal(t, "Bearer test-token", gotAuth)
	require.Equal(t, "run-1", gotPayload.Run.ID)

	pending, err := ListPending(base)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestIngestAllStopsOnHubError(t *testing.T) {
	base := t.TempDir()
	j, err := Open(base, "run-err")
	require.NoError(t, err)
	require.NoError(t, j.Finish(RunRecord{ID: "run-err", JobID: "job-1", Status: "failed"}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	ing := NewIngester(base, srv.URL, "test-token")
	_, err = ing.IngestAll(context.Background())
	require.Error(t, err)

	pending, err := ListPending(base)
	require.NoError(t, err)
	require.Equal(t, []string{"run-err"}, pending)
}

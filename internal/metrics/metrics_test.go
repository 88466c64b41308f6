package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}
	if m.RunsTotal == nil {
		t.Error("RunsTotal should not be nil")
	}
	if m.ReconcilerTasksTotal == nil {
		t.Error("ReconcilerTasksTotal should not be nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordHTTPRequest("test-service", "GET", "/api/runs", "200", 100*time.Millisecond)
	m.RecordHTTPRequest("test-service", "POST", "/api/jobs", "201", 200*time.Millisecond)
}

func TestRecordRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordRun("job-1", "success", 90*time.Second)
	m.RecordRun("job-1", "failed", 10*time.Second)
}

func TestRecordArchiveProgress(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordArchiveProgress("job-1", 1024, 12)
}

func TestRecordReconcilerTask(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordReconcilerTask("artifact_delete", "done", 50*time.Millisecond)
	m.SetReconcilerQueueDepth("artifact_delete", 3)
}

func TestRecordDatabaseQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.RecordDatabaseQuery("test-service", "select", "ok", 5*time.Millisecond)
	m.SetDatabaseConnections(4)
}

func TestInFlightGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("test-service", reg)

	m.IncrementInFlight()
	m.DecrementInFlight()
	m.IncrementRunsInFlight()
	m.DecrementRunsInFlight()
}

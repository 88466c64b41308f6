// Package offline implements the agent-side run journal used when
// the hub is unreachable (C10): a run executes locally and appends
// to a per-run directory instead of streaming events to the control
// plane, then the directory is ingested back into the hub as a
// single idempotent HTTP call once connectivity returns.
package offline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MaxEvents caps how many events a single offline run journals;
// ingest rejects (and the store refuses to append past) this limit
// (§6 "Limits: ≤ 2000 events").
const MaxEvents = 2000

// EventRecord is one journaled event line in events.jsonl.
type EventRecord struct {
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Level   string          `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// RunRecord is run.json: the run's final status, written once the
// run reaches a terminal state.
type RunRecord struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Summary   json.RawMessage `json:"summary,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// Journal owns one run's offline directory:
// <base>/offline_runs/<run_id>/{run.json,events.jsonl}.
type Journal struct {
	dir    string
	seq    int64
	events int
}

// Open creates (or reopens) the journal directory for runID under
// base.
func Open(base, runID string) (*Journal, error) {
	dir := filepath.Join(base, "offline_runs", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("offline: creating journal dir for run %s: %w", runID, err)
	}
	return &Journal{dir: dir}, nil
}

// Dir returns the run's journal directory.
func (j *Journal) Dir() string { return j.dir }

// AppendEvent appends one event line, assigning the next strictly
// increasing seq starting at 1, matching the online event bus's
// ordering guarantee (§3).
func (j *Journal) AppendEvent(level, kind, message string, fields json.RawMessage) error {
	if j.events >= MaxEvents {
		return fmt.Errorf("offline: run exceeded max journaled events (%d)", MaxEvents)
	}
	j.seq++
	rec := EventRecord{Seq: j.seq, TS: time.Now().UTC(), Level: level, Kind: kind, Message: message, Fields: fields}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("offline: encoding event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(j.dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("offline: opening events.jsonl: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("offline: appending event: %w", err)
	}
	j.events++
	return nil
}

// Finish writes run.json, marking the run terminal. Callers must not
// call AppendEvent after Finish.
func (j *Journal) Finish(rec RunRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("offline: encoding run.json: %w", err)
	}
	tmp := filepath.Join(j.dir, "run.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("offline: writing run.json: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(j.dir, "run.json")); err != nil {
		return fmt.Errorf("offline: finalizing run.json: %w", err)
	}
	return nil
}

// Payload is the shape POSTed to the hub's offline-ingest endpoint
// (§6).
type Payload struct {
	Run struct {
		RunRecord
		Events []EventRecord `json:"events"`
	} `json:"run"`
}

// ListPending enumerates run directories under base that have a
// terminal run.json ready to ingest.
func ListPending(base string) ([]string, error) {
	root := filepath.Join(base, "offline_runs")
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offline: listing %s: %w", root, err)
	}
	var runIDs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "run.json")); err == nil {
			runIDs = append(runIDs, e.Name())
		}
	}
	return runIDs, nil
}

// Load reads a pending run directory into a Payload ready for
// ingest.
func Load(base, runID string) (Payload, error) {
	dir := filepath.Join(base, "offline_runs", runID)

	var payload Payload
	runBytes, err := os.ReadFile(filepath.Join(dir, "run.json"))
	if err != nil {
		return Payload{}, fmt.Errorf("offline: reading run.json for %s: %w", runID, err)
	}
	if err := json.Unmarshal(runBytes, &payload.Run.RunRecord); err != nil {
		return Payload{}, fmt.Errorf("offline: decoding run.json for %s: %w", runID, err)
	}

	eventsPath := filepath.Join(dir, "events.jsonl")
	f, err := os.Open(eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return payload, nil
		}
		return Payload{}, fmt.Errorf("offline: opening events.jsonl for %s: %w", runID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(payload.Run.Events) >= MaxEvents {
			break
		}
		var rec EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return Payload{}, fmt.Errorf("offline: decoding event line for %s: %w", runID, err)
		}
		payload.Run.Events = append(payload.Run.Events, rec)
	}
	if err := scanner.Err(); err != nil {
		return Payload{}, fmt.Errorf("offline: scanning events.jsonl for %s: %w", runID, err)
	}
	return payload, nil
}

// Remove deletes a run's journal directory after successful ingest.
func Remove(base, runID string) error {
	if err := os.RemoveAll(filepath.Join(base, "offline_runs", runID)); err != nil {
		return fmt.Errorf("offline: removing journal dir for %s: %w", runID, err)
	}
	return nil
}

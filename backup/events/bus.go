// Package events implements the per-run append-once event log (C9):
// a persistent store for seq-ordered events plus an in-memory
// broadcaster for live subscribers, mirrored cross-process over Redis
// pub/sub so a horizontally-scaled hub's live-tail endpoint is not
// pinned to whichever process appended the event.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

// Level is a run event's severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one row of a run's event log (§3). Seq is strictly
// increasing per run, starting at 1, with no gaps.
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Level   Level           `json:"level"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// Store persists the append-only event log and answers historical
// queries a lagged subscriber resyncs from.
type Store interface {
	Append(ctx context.Context, e Event) (Event, error)
	Since(ctx context.Context, runID string, afterSeq int64) ([]Event, error)
}

// PostgresStore implements Store. The next seq for a run is computed
// as MAX(seq)+1 inside the same INSERT transaction, avoiding a
// separate sequence object per run while still guaranteeing no gaps
// under concurrent appends to different runs (a single run is never
// appended to concurrently: one worker or reconciler owns a run at a
// time, per §5).
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("events: beginning tx: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT max(seq) FROM backup_run_events WHERE run_id = $1`, e.RunID); err != nil {
		return Event{}, fmt.Errorf("events: computing next seq for run %s: %w", e.RunID, err)
	}
	e.Seq = maxSeq.Int64 + 1

	fields := e.Fields
	if len(fields) == 0 {
		fields = []byte(`{}`)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO backup_run_events (run_id, seq, ts, level, kind, message, fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.RunID, e.Seq, e.TS, string(e.Level), e.Kind, e.Message, fields)
	if err != nil {
		return Event{}, fmt.Errorf("events: inserting event for run %s: %w", e.RunID, err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("events: committing append for run %s: %w", e.RunID, err)
	}
	return e, nil
}

func (s *PostgresStore) Since(ctx context.Context, runID string, afterSeq int64) ([]Event, error) {
	type row struct {
		RunID   string    `db:"run_id"`
		Seq     int64     `db:"seq"`
		TS      time.Time `db:"ts"`
		Level   string    `db:"level"`
		Kind    string    `db:"kind"`
		Message string    `db:"message"`
		Fields  []byte    `db:"fields"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, seq, ts, level, kind, message, fields FROM backup_run_events
		WHERE run_id = $1 AND seq > $2 ORDER BY seq
	`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("events: listing events for run %s since %d: %w", runID, afterSeq, err)
	}
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			RunID: r.RunID, Seq: r.Seq, TS: r.TS, Level: Level(r.Level),
			Kind: r.Kind, Message: r.Message, Fields: r.Fields,
		})
	}
	return events, nil
}

// Signal is delivered to a subscriber channel: either a fresh Event
// or a Lagged marker distinguishing "you fell behind, resync from
// storage" from a closed channel (shutdown).
type Signal struct {
	Event  *Event
	Lagged bool
}

const subscriberBuffer = 64

// Bus is the per-process broadcaster. Append calls Store.Append then
// fans the event out to every subscriber of that run; a subscriber
// whose buffer is full receives a Lagged signal instead of blocking
// the appender.
type Bus struct {
	store Store

	mu   sync.Mutex
	subs map[string]map[chan Signal]struct{}
}

// NewBus binds store.
func NewBus(store Store) *Bus {
	return &Bus{store: store, subs: make(map[string]map[chan Signal]struct{})}
}

// AppendAndBroadcast persists e and publishes it to subscribers of
// e.RunID.
func (b *Bus) AppendAndBroadcast(ctx context.Context, runID string, level Level, kind, message string, fields json.RawMessage) (Event, error) {
	e, err := b.store.Append(ctx, Event{RunID: runID, Level: level, Kind: kind, Message: message, Fields: fields})
	if err != nil {
		return Event{}, err
	}
	b.broadcast(e)
	return e, nil
}

func (b *Bus) broadcast(e Event) {
	b.mu.Lock()
	subs := b.subs[e.RunID]
	chans := make([]chan Signal, 0, len(subs))
	for ch := range subs {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- Signal{Event: &e}:
		default:
			select {
			case ch <- Signal{Lagged: true}:
			default:
				// subscriber already has a pending lag signal
			}
		}
	}
}

// Subscribe registers a new subscriber for runID. The caller must
// call the returned cancel func to unregister and close the channel.
func (b *Bus) Subscribe(runID string) (<-chan Signal, func()) {
	ch := make(chan Signal, subscriberBuffer)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan Signal]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// ResyncSince re-fetches events for runID after afterSeq from
// storage, the path a lagged subscriber takes to catch up.
func (b *Bus) ResyncSince(ctx context.Context, runID string, afterSeq int64) ([]Event, error) {
	return b.store.Since(ctx, runID, afterSeq)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresTaskStore implements TaskStore over a single
// backup_reconciler_tasks table keyed by (run_id, kind), one row per
// run per reconciler loop as §3 requires; kind discriminates which
// of the three loops (notification, incomplete_cleanup,
// artifact_delete) owns the row, so each loop constructs its own
// PostgresTaskStore bound to its TaskKind.
type PostgresTaskStore struct {
	db   *sqlx.DB
	kind TaskKind
}

func NewPostgresTaskStore(db *sqlx.DB, kind TaskKind) *PostgresTaskStore {
	return &PostgresTaskStore{db: db, kind: kind}
}

type taskRow struct {
	RunID          string         `db:"run_id"`
	JobID          string         `db:"job_id"`
	Kind           string         `db:"kind"`
	NodeID         string         `db:"node_id"`
	TargetType     string         `db:"target_type"`
	TargetSnapshot []byte         `db:"target_snapshot"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextAttemptAt  time.Time      `db:"next_attempt_at"`
	LastAttemptAt  sql.NullTime   `db:"last_attempt_at"`
	LastErrorKind  sql.NullString `db:"last_error_kind"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r taskRow) toTask() Task {
	t := Task{
		RunID:          r.RunID,
		JobID:          r.JobID,
		Kind:           TaskKind(r.Kind),
		NodeID:         r.NodeID,
		TargetType:     r.TargetType,
		TargetSnapshot: r.TargetSnapshot,
		Status:         TaskStatus(r.Status),
		Attempts:       r.Attempts,
		NextAttemptAt:  r.NextAttemptAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		lt := r.LastAttemptAt.Time.UTC()
		t.LastAttemptAt = &lt
	}
	if r.LastErrorKind.Valid {
		t.LastErrorKind = &r.LastErrorKind.String
	}
	if r.LastError.Valid {
		t.LastError = &r.LastError.String
	}
	return t
}

func (s *PostgresTaskStore) Upsert(ctx context.Context, task Task) error {
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = TaskQueued
	}
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_reconciler_tasks
			(run_id, job_id, kind, node_id, target_type, target_snapshot, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $9)
		ON CONFLICT (run_id, kind) DO NOTHING
	`, task.RunID, task.JobID, string(s.kind), task.NodeID, task.TargetType, nullBytes(task.TargetSnapshot),
		string(task.Status), task.NextAttemptAt, now)
	if err != nil {
		return fmt.Errorf("store: upserting %s task for run %s: %w", s.kind, task.RunID, err)
	}
	return nil
}

// ClaimBatch claims up to limit due tasks of this store's kind using
// FOR UPDATE SKIP LOCKED, so concurrent reconciler instances never
// double-process a task (§5 "a task is either claimed-running by one
// worker or not claimed at all").
func (s *PostgresTaskStore) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		WITH due AS (
			SELECT run_id FROM backup_reconciler_tasks
			WHERE kind = $1 AND status IN ('queued', 'retrying') AND next_attempt_at <= $2
			ORDER BY next_attempt_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE backup_reconciler_tasks t
		SET status = 'running', last_attempt_at = $2, attempts = t.attempts + 1, updated_at = $2
		FROM due
		WHERE t.run_id = due.run_id AND t.kind = $1
		RETURNING t.run_id, t.job_id, t.kind, t.node_id, t.target_type, t.target_snapshot, t.status, t.attempts, t.next_attempt_at, t.last_attempt_at, t.last_error_kind, t.last_error, t.created_at, t.updated_at
	`, string(s.kind), now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claiming %s task batch: %w", s.kind, err)
	}
	tasks := make([]Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.toTask())
	}
	return tasks, nil
}

// RecoverStuckRunning implements the §4.8 stuck-recovery sweep: any
// task left `running` with last_attempt_at older than cutoff (30
// minutes, RUNNING_TTL_SECS) is transitioned to retrying with a
// short backoff.
func (s *PostgresTaskStore) RecoverStuckRunning(ctx context.Context, cutoff time.Time) (int, error) {
	soon := time.Now().UTC().Add(30 * time.Second)
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_reconciler_tasks
		SET status = 'retrying', next_attempt_at = $3,
		    last_error_kind = 'unknown', last_error = 'stuck running; recovered', updated_at = now()
		WHERE kind = $1 AND status = 'running' AND last_attempt_at < $2
	`, string(s.kind), cutoff, soon)
	if err != nil {
		return 0, fmt.Errorf("store: recovering stuck %s tasks: %w", s.kind, err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

func (s *PostgresTaskStore) MarkRetrying(ctx context.Context, runID string, nextAttemptAt time.Time, errKind, errMsg string) error {
	return s.setStatus(ctx, runID, TaskRetrying, &nextAttemptAt, &errKind, &errMsg)
}

func (s *PostgresTaskStore) MarkBlocked(ctx context.Context, runID string, nextAttemptAt time.Time, errKind, errMsg string) error {
	return s.setStatus(ctx, runID, TaskBlocked, &nextAttemptAt, &errKind, &errMsg)
}

func (s *PostgresTaskStore) MarkDone(ctx context.Context, runID string) error {
	return s.setStatus(ctx, runID, TaskDone, nil, nil, nil)
}

func (s *PostgresTaskStore) MarkAbandoned(ctx context.Context, runID string, reason string) error {
	return s.setStatus(ctx, runID, TaskAbandoned, nil, nil, &reason)
}

func (s *PostgresTaskStore) MarkCanceled(ctx context.Context, runID string, reason string) error {
	return s.setStatus(ctx, runID, TaskCanceled, nil, nil, &reason)
}

func (s *PostgresTaskStore) setStatus(ctx context.Context, runID string, status TaskStatus, nextAttemptAt *time.Time, errKind, errMsg *string) error {
	next := time.Now().UTC()
	if nextAttemptAt != nil {
		next = *nextAttemptAt
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_reconciler_tasks
		SET status = $3, next_attempt_at = $4, last_error_kind = $5, last_error = $6, updated_at = now()
		WHERE run_id = $1 AND kind = $2
	`, runID, string(s.kind), string(status), next, nullStringPtr(errKind), nullStringPtr(errMsg))
	if err != nil {
		return fmt.Errorf("store: marking %s task %s %s: %w", s.kind, runID, status, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTaskStore) NextDueAt(ctx context.Context) (time.Time, bool, error) {
	var t sql.NullTime
	err := s.db.GetContext(ctx, &t, `
		SELECT min(next_attempt_at) FROM backup_reconciler_tasks
		WHERE kind = $1 AND status IN ('queued', 'retrying')
	`, string(s.kind))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: computing next due time for %s: %w", s.kind, err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time.UTC(), true, nil
}

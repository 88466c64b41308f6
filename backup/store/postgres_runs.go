package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresRunStore implements RunStore over Postgres via sqlx,
// grounded on the teacher's store_postgres.go query style (positional
// $n placeholders, sql.NullTime for optional timestamps).
type PostgresRunStore struct {
	db *sqlx.DB
}

func NewPostgresRunStore(db *sqlx.DB) *PostgresRunStore { return &PostgresRunStore{db: db} }

type runRow struct {
	ID             string         `db:"id"`
	JobID          string         `db:"job_id"`
	Status         string         `db:"status"`
	StartedAt      time.Time      `db:"started_at"`
	EndedAt        sql.NullTime   `db:"ended_at"`
	Summary        []byte         `db:"summary"`
	Error          sql.NullString `db:"error"`
	ErrorCode      sql.NullString `db:"error_code"`
	TargetSnapshot []byte         `db:"target_snapshot"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r runRow) toRun() Run {
	run := Run{
		ID:             r.ID,
		JobID:          r.JobID,
		Status:         RunStatus(r.Status),
		StartedAt:      r.StartedAt,
		Summary:        r.Summary,
		TargetSnapshot: r.TargetSnapshot,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.EndedAt.Valid {
		t := r.EndedAt.Time.UTC()
		run.EndedAt = &t
	}
	if r.Error.Valid {
		run.Error = &r.Error.String
	}
	if r.ErrorCode.Valid {
		run.ErrorCode = &r.ErrorCode.String
	}
	return run
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_runs (id, job_id, status, started_at, ended_at, summary, error, error_code, target_snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.ID, run.JobID, string(run.Status), run.StartedAt, nullTimePtr(run.EndedAt), nullBytes(run.Summary),
		nullStringPtr(run.Error), nullStringPtr(run.ErrorCode), nullBytes(run.TargetSnapshot), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return Run{}, fmt.Errorf("store: creating run: %w", err)
	}
	return run, nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, job_id, status, started_at, ended_at, summary, error, error_code, target_snapshot, created_at, updated_at
		FROM backup_runs WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: getting run %s: %w", id, err)
	}
	return row.toRun(), nil
}

func (s *PostgresRunStore) ActiveRunExists(ctx context.Context, jobID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT count(*) FROM backup_runs WHERE job_id = $1 AND status IN ('queued', 'running')
	`, jobID)
	if err != nil {
		return false, fmt.Errorf("store: checking active run for job %s: %w", jobID, err)
	}
	return count > 0, nil
}

// ClaimNextQueuedRun performs the single-row atomic claim the
// scheduler's worker loop relies on: `UPDATE ... WHERE status =
// 'queued' ORDER BY created_at LIMIT 1 ... RETURNING`. Postgres does
// not support ORDER BY/LIMIT directly inside an UPDATE, so the
// target row is selected with FOR UPDATE SKIP LOCKED in a CTE and
// updated in the same statement, keeping the claim a single
// round-trip and safe under concurrent workers.
func (s *PostgresRunStore) ClaimNextQueuedRun(ctx context.Context) (Run, bool, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		WITH next AS (
			SELECT id FROM backup_runs
			WHERE status = 'queued'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE backup_runs
		SET status = 'running', updated_at = now()
		WHERE id = (SELECT id FROM next)
		RETURNING id, job_id, status, started_at, ended_at, summary, error, error_code, target_snapshot, created_at, updated_at
	`)
	if err == sql.ErrNoRows {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, fmt.Errorf("store: claiming next queued run: %w", err)
	}
	return row.toRun(), true, nil
}

func (s *PostgresRunStore) FinishRun(ctx context.Context, id string, status RunStatus, summary []byte, errorMsg, errorCode *string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_runs
		SET status = $2, ended_at = $3, summary = $4, error = $5, error_code = $6, updated_at = $3
		WHERE id = $1
	`, id, string(status), now, nullBytes(summary), nullStringPtr(errorMsg), nullStringPtr(errorCode))
	if err != nil {
		return fmt.Errorf("store: finishing run %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStuckRunning fails any run left in `running` past cutoff,
// which can only happen across a hub process restart (§7 "run
// completion ... run stuck in running is only possible across
// process restarts").
func (s *PostgresRunStore) RecoverStuckRunning(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_runs
		SET status = 'failed', ended_at = now(), error = 'recovered after process restart: stuck in running', error_code = 'stuck_running', updated_at = now()
		WHERE status = 'running' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: recovering stuck runs: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// RequestArtifactDeletion stamps artifact_delete_requested_at, making
// the run a candidate for ArtifactDeleteQueue.RunsPendingDeletion on
// the reconciler's next sweep.
func (s *PostgresRunStore) RequestArtifactDeletion(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_runs SET artifact_delete_requested_at = now(), updated_at = now()
		WHERE id = $1 AND artifact_delete_requested_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("store: requesting artifact deletion for run %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		// Either already requested or the run doesn't exist; either
		// way there's nothing more to do here.
		return nil
	}
	return nil
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte(`{}`)
	}
	return b
}

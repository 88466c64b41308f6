package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresJobStore implements JobStore over Postgres via sqlx.
type PostgresJobStore struct {
	db *sqlx.DB
}

func NewPostgresJobStore(db *sqlx.DB) *PostgresJobStore { return &PostgresJobStore{db: db} }

type jobRow struct {
	ID               string         `db:"id"`
	Name             string         `db:"name"`
	AgentID          sql.NullString `db:"agent_id"`
	Schedule         sql.NullString `db:"schedule"`
	ScheduleTimezone string         `db:"schedule_timezone"`
	OverlapPolicy    string         `db:"overlap_policy"`
	Spec             []byte         `db:"spec"`
	ArchivedAt       sql.NullTime   `db:"archived_at"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r jobRow) toJob() Job {
	job := Job{
		ID:               r.ID,
		Name:             r.Name,
		ScheduleTimezone: r.ScheduleTimezone,
		OverlapPolicy:    OverlapPolicy(r.OverlapPolicy),
		Spec:             r.Spec,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.AgentID.Valid {
		job.AgentID = &r.AgentID.String
	}
	if r.Schedule.Valid {
		job.Schedule = &r.Schedule.String
	}
	if r.ArchivedAt.Valid {
		t := r.ArchivedAt.Time.UTC()
		job.ArchivedAt = &t
	}
	return job
}

func (s *PostgresJobStore) CreateJob(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.ScheduleTimezone == "" {
		job.ScheduleTimezone = "UTC"
	}
	if job.OverlapPolicy == "" {
		job.OverlapPolicy = OverlapQueue
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_jobs (id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec, archived_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.ID, job.Name, nullStringPtr(job.AgentID), nullStringPtr(job.Schedule), job.ScheduleTimezone,
		string(job.OverlapPolicy), nullBytes(job.Spec), nullTimePtr(job.ArchivedAt), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("store: creating job: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) GetJob(ctx context.Context, id string) (Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec, archived_at, created_at, updated_at
		FROM backup_jobs WHERE id = $1
	`, id)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: getting job %s: %w", id, err)
	}
	return row.toJob(), nil
}

func (s *PostgresJobStore) ListActiveJobs(ctx context.Context) ([]Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec, archived_at, created_at, updated_at
		FROM backup_jobs WHERE archived_at IS NULL ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("store: listing active jobs: %w", err)
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

func (s *PostgresJobStore) ArchiveJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_jobs SET archived_at = now(), updated_at = now() WHERE id = $1 AND archived_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("store: archiving job %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

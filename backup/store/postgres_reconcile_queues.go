package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/relaybackup/engine/backup/reconcile"
	"github.com/relaybackup/engine/internal/secrets"
)

// runRefRow is the common shape every candidate-discovery query below
// selects: a run/job pair plus the target snapshot needed to resolve
// a Target without a live job lookup.
type runRefRow struct {
	RunID          string `db:"id"`
	JobID          string `db:"job_id"`
	TargetType     string `db:"target_type"`
	TargetSnapshot []byte `db:"target_snapshot"`
}

func (r runRefRow) toRef() reconcile.RunRef {
	return reconcile.RunRef{
		RunID: r.RunID, JobID: r.JobID,
		TargetType: r.TargetType, TargetSnapshot: r.TargetSnapshot,
	}
}

// PostgresArtifactDeleteQueue implements reconcile.ArtifactDeleteQueue
// by anti-joining backup_runs against backup_reconciler_tasks for the
// artifact_delete kind, so a run already converted into a task is
// never re-enqueued (§4.8 "reconcile new candidates").
type PostgresArtifactDeleteQueue struct {
	db *sqlx.DB
}

func NewPostgresArtifactDeleteQueue(db *sqlx.DB) *PostgresArtifactDeleteQueue {
	return &PostgresArtifactDeleteQueue{db: db}
}

func (q *PostgresArtifactDeleteQueue) RunsPendingDeletion(ctx context.Context) ([]reconcile.RunRef, error) {
	var rows []runRefRow
	err := q.db.SelectContext(ctx, &rows, `
		SELECT r.id, r.job_id,
		       coalesce(r.target_snapshot->>'type', '') AS target_type,
		       coalesce(r.target_snapshot, '{}') AS target_snapshot
		FROM backup_runs r
		LEFT JOIN backup_reconciler_tasks t ON t.run_id = r.id AND t.kind = 'artifact_delete'
		WHERE r.artifact_delete_requested_at IS NOT NULL AND t.run_id IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("store: listing artifact-delete candidates: %w", err)
	}
	refs := make([]reconcile.RunRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, r.toRef())
	}
	return refs, nil
}

// PostgresIncompleteCleanupQueue implements
// reconcile.IncompleteCleanupQueue: terminal runs past cutoff with no
// existing incomplete_cleanup task. Presence of complete.json on the
// target (not reflected here) is checked later by Process itself.
type PostgresIncompleteCleanupQueue struct {
	db *sqlx.DB
}

func NewPostgresIncompleteCleanupQueue(db *sqlx.DB) *PostgresIncompleteCleanupQueue {
	return &PostgresIncompleteCleanupQueue{db: db}
}

func (q *PostgresIncompleteCleanupQueue) RunsPastCutoff(ctx context.Context, cutoff time.Time) ([]reconcile.RunRef, error) {
	var rows []runRefRow
	err := q.db.SelectContext(ctx, &rows, `
		SELECT r.id, r.job_id,
		       coalesce(r.target_snapshot->>'type', '') AS target_type,
		       coalesce(r.target_snapshot, '{}') AS target_snapshot
		FROM backup_runs r
		LEFT JOIN backup_reconciler_tasks t ON t.run_id = r.id AND t.kind = 'incomplete_cleanup'
		WHERE r.status IN ('success', 'failed', 'rejected')
		  AND r.created_at < $1
		  AND t.run_id IS NULL
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: listing incomplete-cleanup candidates: %w", err)
	}
	refs := make([]reconcile.RunRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, r.toRef())
	}
	return refs, nil
}

// PostgresNotificationQueue implements reconcile.NotificationQueue:
// finished runs with a configured, non-disabled destination and no
// existing notification task.
type PostgresNotificationQueue struct {
	db *sqlx.DB
}

func NewPostgresNotificationQueue(db *sqlx.DB) *PostgresNotificationQueue {
	return &PostgresNotificationQueue{db: db}
}

func (q *PostgresNotificationQueue) RunsNeedingNotification(ctx context.Context) ([]reconcile.RunRef, error) {
	var rows []runRefRow
	err := q.db.SelectContext(ctx, &rows, `
		SELECT r.id, r.job_id,
		       coalesce(r.target_snapshot->>'type', '') AS target_type,
		       coalesce(r.target_snapshot, '{}') AS target_snapshot
		FROM backup_runs r
		LEFT JOIN backup_reconciler_tasks t ON t.run_id = r.id AND t.kind = 'notification'
		WHERE r.status IN ('success', 'failed', 'rejected')
		  AND t.run_id IS NULL
		  AND EXISTS (
		      SELECT 1 FROM backup_notification_destinations d
		      WHERE d.job_id = r.job_id AND d.disabled_at IS NULL
		  )
	`)
	if err != nil {
		return nil, fmt.Errorf("store: listing notification candidates: %w", err)
	}
	refs := make([]reconcile.RunRef, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, r.toRef())
	}
	return refs, nil
}

func (q *PostgresNotificationQueue) ResolveDestination(ctx context.Context, jobID string) (string, bool, error) {
	var id string
	err := q.db.GetContext(ctx, &id, `
		SELECT id FROM backup_notification_destinations
		WHERE job_id = $1 AND disabled_at IS NULL
		ORDER BY created_at LIMIT 1
	`, jobID)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: resolving destination for job %s: %w", jobID, err)
	}
	return id, true, nil
}

func (q *PostgresNotificationQueue) RenderPayload(ctx context.Context, runID, jobID, destinationID string) (reconcile.Payload, error) {
	var run runRow
	if err := q.db.GetContext(ctx, &run, `
		SELECT id, job_id, status, started_at, ended_at, summary, error, error_code, target_snapshot, created_at, updated_at
		FROM backup_runs WHERE id = $1
	`, runID); err != nil {
		return reconcile.Payload{}, fmt.Errorf("store: rendering payload for run %s: %w", runID, err)
	}
	var job jobRow
	if err := q.db.GetContext(ctx, &job, `
		SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec, archived_at, created_at, updated_at
		FROM backup_jobs WHERE id = $1
	`, jobID); err != nil {
		return reconcile.Payload{}, fmt.Errorf("store: loading job %s for notification: %w", jobID, err)
	}

	subject := fmt.Sprintf("backup %s: %s", run.Status, job.Name)
	body := fmt.Sprintf("job=%s run=%s status=%s", job.Name, runID, run.Status)
	if run.Error.Valid {
		body += "\nerror: " + run.Error.String
	}
	return reconcile.Payload{RunID: runID, JobID: jobID, Subject: subject, Body: body}, nil
}

// PostgresSecretStore implements target.CredentialStore over the
// backup_secrets table.
type PostgresSecretStore struct {
	db *sqlx.DB
}

func NewPostgresSecretStore(db *sqlx.DB) *PostgresSecretStore {
	return &PostgresSecretStore{db: db}
}

type secretRow struct {
	KID        string `db:"kid"`
	Nonce      []byte `db:"nonce"`
	Ciphertext []byte `db:"ciphertext"`
}

// GetSecret satisfies target.CredentialStore.
func (s *PostgresSecretStore) GetSecret(ctx context.Context, scope secrets.Scope) (secrets.EncryptedSecret, error) {
	var row secretRow
	err := s.db.GetContext(ctx, &row, `
		SELECT kid, nonce, ciphertext FROM backup_secrets
		WHERE node_id = $1 AND kind = $2 AND name = $3
	`, scope.NodeID, scope.Kind, scope.Name)
	if err != nil {
		if isNoRows(err) {
			return secrets.EncryptedSecret{}, ErrNotFound
		}
		return secrets.EncryptedSecret{}, fmt.Errorf("store: loading secret %s/%s: %w", scope.Kind, scope.Name, err)
	}
	return secrets.EncryptedSecret{KID: row.KID, Nonce: row.Nonce, Ciphertext: row.Ciphertext}, nil
}

// PutSecret upserts an encrypted secret envelope, used by whichever
// admin-facing flow provisions a target's credentials (§4.13 "storing
// a new or rotated secret").
func (s *PostgresSecretStore) PutSecret(ctx context.Context, scope secrets.Scope, enc secrets.EncryptedSecret) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_secrets (node_id, kind, name, kid, nonce, ciphertext, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (node_id, kind, name) DO UPDATE
		SET kid = $4, nonce = $5, ciphertext = $6, updated_at = $7
	`, scope.NodeID, scope.Kind, scope.Name, enc.KID, enc.Nonce, enc.Ciphertext, now)
	if err != nil {
		return fmt.Errorf("store: storing secret %s/%s: %w", scope.Kind, scope.Name, err)
	}
	return nil
}

// ScopedSecret pairs a stored envelope with the scope it was
// encrypted under, the shape master-key rotation needs to decrypt
// and re-wrap every secret under a new key version.
type ScopedSecret struct {
	Scope  secrets.Scope
	Secret secrets.EncryptedSecret
}

// ListAll returns every stored secret across all nodes/kinds, used by
// the master-key rotation CLI command to re-wrap the keyring's
// contents under a newly added kid (§9 "rotate adds a new kid without
// invalidating old ones").
func (s *PostgresSecretStore) ListAll(ctx context.Context) ([]ScopedSecret, error) {
	var rows []struct {
		NodeID string `db:"node_id"`
		Kind   string `db:"kind"`
		Name   string `db:"name"`
		secretRow
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT node_id, kind, name, kid, nonce, ciphertext FROM backup_secrets
	`); err != nil {
		return nil, fmt.Errorf("store: listing secrets: %w", err)
	}
	out := make([]ScopedSecret, 0, len(rows))
	for _, r := range rows {
		out = append(out, ScopedSecret{
			Scope:  secrets.Scope{NodeID: r.NodeID, Kind: r.Kind, Name: r.Name},
			Secret: secrets.EncryptedSecret{KID: r.KID, Nonce: r.Nonce, Ciphertext: r.Ciphertext},
		})
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

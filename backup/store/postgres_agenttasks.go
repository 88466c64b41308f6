package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresAgentTaskStore implements AgentTaskStore (§4.7).
type PostgresAgentTaskStore struct {
	db *sqlx.DB
}

func NewPostgresAgentTaskStore(db *sqlx.DB) *PostgresAgentTaskStore {
	return &PostgresAgentTaskStore{db: db}
}

type agentTaskRow struct {
	RunID     string    `db:"run_id"`
	AgentID   string    `db:"agent_id"`
	Task      []byte    `db:"task"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Upsert is idempotent on run_id so an agent reconnect redispatch
// never creates a duplicate task row.
func (s *PostgresAgentTaskStore) Upsert(ctx context.Context, t AgentTask) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_agent_tasks (run_id, agent_id, task, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (run_id) DO UPDATE SET agent_id = $2, task = $3, status = $4, updated_at = $5
	`, t.RunID, t.AgentID, t.Task, t.Status, now)
	if err != nil {
		return fmt.Errorf("store: upserting agent task %s: %w", t.RunID, err)
	}
	return nil
}

func (s *PostgresAgentTaskStore) Get(ctx context.Context, runID string) (AgentTask, bool, error) {
	var row agentTaskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT run_id, agent_id, task, status, created_at, updated_at FROM backup_agent_tasks WHERE run_id = $1
	`, runID)
	if err == sql.ErrNoRows {
		return AgentTask{}, false, nil
	}
	if err != nil {
		return AgentTask{}, false, fmt.Errorf("store: getting agent task %s: %w", runID, err)
	}
	return AgentTask{
		RunID: row.RunID, AgentID: row.AgentID, Task: row.Task,
		Status: row.Status, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, true, nil
}

func (s *PostgresAgentTaskStore) MarkStatus(ctx context.Context, runID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE backup_agent_tasks SET status = $2, updated_at = now() WHERE run_id = $1
	`, runID, status)
	if err != nil {
		return fmt.Errorf("store: marking agent task %s %s: %w", runID, status, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}
